// Package output drains queue cursors to delivery sinks. One
// dispatcher owns one cursor and one sink; delivery is at-least-once
// with head-of-line commit over a bounded ack window.
package output

import (
	"context"
	"errors"
	"time"

	"github.com/therealutkarshpriyadarshi/audisp/internal/event"
	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/metrics"
	"github.com/therealutkarshpriyadarshi/audisp/internal/queue"
	"github.com/therealutkarshpriyadarshi/audisp/internal/reliability"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

// Sink is one delivery destination. Send transfers a serialized
// event blob verbatim; sinks that cannot acknowledge individual
// events report SupportsAcks false and are committed on send.
type Sink interface {
	Name() string
	Connect(ctx context.Context) error
	Send(blob []byte) error

	// ReadAck waits up to timeout for one 20-byte acknowledgement
	// frame. ok is false on timeout; err means the connection is
	// broken.
	ReadAck(timeout time.Duration) (id types.EventId, ok bool, err error)

	SupportsAcks() bool
	Close() error
}

const (
	defaultAckQueueSize = 10
	defaultGetTimeout   = 100 * time.Millisecond
	initialBackoff      = 100 * time.Millisecond
	maxBackoff          = 30 * time.Second
	defaultDrainTimeout = 5 * time.Second
)

// Config holds dispatcher tunables.
type Config struct {
	Name         string
	CursorName   string
	AckQueueSize int
	GetTimeout   time.Duration
	DrainTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.AckQueueSize == 0 {
		c.AckQueueSize = defaultAckQueueSize
	}
	if c.GetTimeout == 0 {
		c.GetTimeout = defaultGetTimeout
	}
	if c.DrainTimeout == 0 {
		c.DrainTimeout = defaultDrainTimeout
	}
	if c.CursorName == "" {
		c.CursorName = c.Name
	}
}

type pending struct {
	item *queue.Item
	id   types.EventId
}

// Dispatcher drains one cursor to one sink.
type Dispatcher struct {
	cfg     Config
	queue   *queue.Queue
	cursor  *queue.Cursor
	sink    Sink
	logger  *logging.Logger
	metrics *metrics.Collector

	stopCh  chan struct{}
	doneCh  chan struct{}
	block   bool
	stopped bool
}

// New creates a dispatcher for the sink. Start opens the cursor and
// launches the drain loop.
func New(cfg Config, q *queue.Queue, sink Sink, logger *logging.Logger, m *metrics.Collector) *Dispatcher {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Global()
	}
	return &Dispatcher{
		cfg:     cfg,
		queue:   q,
		sink:    sink,
		logger:  logger.WithComponent("output-" + cfg.Name),
		metrics: m,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start opens the cursor and begins draining on its own goroutine.
func (d *Dispatcher) Start() error {
	cursor, err := d.queue.OpenCursor(d.cfg.CursorName)
	if err != nil {
		return err
	}
	d.cursor = cursor
	go d.run()
	return nil
}

// Stop halts the dispatcher. With block set it waits for in-flight
// acknowledgements up to the drain timeout before rolling back the
// remainder.
func (d *Dispatcher) Stop(block bool) {
	if d.stopped {
		return
	}
	d.stopped = true
	d.block = block
	close(d.stopCh)
	<-d.doneCh
}

// Wait blocks until the drain loop has exited.
func (d *Dispatcher) Wait() {
	<-d.doneCh
}

func (d *Dispatcher) stopRequested() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.doneCh)

	var window []pending
	acked := make(map[types.EventId]int)
	connected := false
	attempt := 0
	draining := false
	var drainDeadline time.Time

	disconnect := func(err error) {
		d.logger.Warn().Err(err).Int("in_flight", len(window)).Msg("Connection failed, rolling back in-flight events")
		d.sink.Close()
		connected = false
		if len(window) > 0 {
			if d.metrics != nil {
				d.metrics.OutputEventsResent.WithLabelValues(d.cfg.Name).Add(float64(len(window)))
			}
			for i := len(window) - 1; i >= 0; i-- {
				d.queue.Rollback(d.cursor, window[i].item)
			}
			window = window[:0]
		}
		for id := range acked {
			delete(acked, id)
		}
	}

	rollbackAll := func() {
		for i := len(window) - 1; i >= 0; i-- {
			d.queue.Rollback(d.cursor, window[i].item)
		}
		window = window[:0]
	}

	commitHead := func() {
		for len(window) > 0 {
			head := window[0]
			n, ok := acked[head.id]
			if !ok || n == 0 {
				return
			}
			if n == 1 {
				delete(acked, head.id)
			} else {
				acked[head.id] = n - 1
			}
			d.queue.Commit(d.cursor, head.item)
			if d.metrics != nil {
				d.metrics.OutputEventsAcked.WithLabelValues(d.cfg.Name).Inc()
			}
			window = window[1:]
		}
	}

	backoff := func() bool {
		delay := reliability.ExponentialBackoff(attempt, initialBackoff, 2, maxBackoff)
		attempt++
		select {
		case <-d.stopCh:
			return false
		case <-time.After(delay):
			return true
		}
	}

	for {
		if d.stopRequested() && !draining {
			draining = true
			drainDeadline = time.Now().Add(d.cfg.DrainTimeout)
			if !d.block || !connected {
				rollbackAll()
				return
			}
		}
		if draining {
			if len(window) == 0 {
				return
			}
			if time.Now().After(drainDeadline) {
				d.logger.Warn().Int("in_flight", len(window)).Msg("Drain timed out, rolling back in-flight events")
				rollbackAll()
				return
			}
		}

		if !connected {
			if err := d.sink.Connect(context.Background()); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to connect to sink")
				if d.metrics != nil {
					d.metrics.OutputReconnects.WithLabelValues(d.cfg.Name).Inc()
				}
				if !backoff() {
					rollbackAll()
					return
				}
				continue
			}
			connected = true
			attempt = 0
			d.logger.Info().Msg("Connected to sink")
		}

		if !draining && len(window) < d.cfg.AckQueueSize {
			item, err := d.queue.Get(d.cursor, d.cfg.GetTimeout)
			switch {
			case err == nil:
				id, perr := event.PeekEventId(item.Data)
				if perr != nil {
					// A corrupt blob cannot be delivered; skip it.
					d.logger.Error().Err(perr).Uint64("sequence", item.Sequence).Msg("Skipping undeliverable queue item")
					d.queue.Commit(d.cursor, item)
					continue
				}
				if serr := d.sink.Send(item.Data); serr != nil {
					d.queue.Rollback(d.cursor, item)
					disconnect(serr)
					if !backoff() {
						return
					}
					continue
				}
				if d.metrics != nil {
					d.metrics.OutputEventsSent.WithLabelValues(d.cfg.Name).Inc()
				}
				if d.sink.SupportsAcks() {
					window = append(window, pending{item: item, id: id})
				} else {
					d.queue.Commit(d.cursor, item)
					if d.metrics != nil {
						d.metrics.OutputEventsAcked.WithLabelValues(d.cfg.Name).Inc()
					}
				}
			case errors.Is(err, queue.ErrTimeout):
				// Nothing to send right now.
			case errors.Is(err, queue.ErrQueueClosed):
				draining = true
				drainDeadline = time.Now().Add(d.cfg.DrainTimeout)
				if len(window) == 0 {
					return
				}
			default:
				d.logger.Error().Err(err).Msg("Queue get failed")
				rollbackAll()
				return
			}
		}

		if d.sink.SupportsAcks() && len(window) > 0 {
			timeout := 10 * time.Millisecond
			if len(window) >= d.cfg.AckQueueSize || draining {
				timeout = d.cfg.GetTimeout
			}
			id, ok, err := d.sink.ReadAck(timeout)
			if err != nil {
				disconnect(err)
				if draining {
					return
				}
				if !backoff() {
					return
				}
				continue
			}
			if ok {
				if d.inWindow(window, id) {
					acked[id]++
					commitHead()
				} else {
					// Likely an ack for an event redelivered after a
					// previous session; nothing to commit.
					d.logger.Debug().Str("event_id", id.String()).Msg("Ack for unknown event")
				}
			}
		}
	}
}

func (d *Dispatcher) inWindow(window []pending, id types.EventId) bool {
	for _, p := range window {
		if p.id == id {
			return true
		}
	}
	return false
}

// Package accumulator groups parsed audit records into events and
// emits them into the durable queue. An event is closed by an EOE
// record, by a single-record type, by size limits, or by age.
package accumulator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/audisp/internal/event"
	"github.com/therealutkarshpriyadarshi/audisp/internal/logging"
	"github.com/therealutkarshpriyadarshi/audisp/internal/metrics"
	"github.com/therealutkarshpriyadarshi/audisp/internal/procfilter"
	"github.com/therealutkarshpriyadarshi/audisp/internal/queue"
	"github.com/therealutkarshpriyadarshi/audisp/pkg/types"
)

const (
	defaultMaxPending    = 256
	defaultEventTimeout  = 200 * time.Millisecond
	defaultMaxEventBytes = 1024 * 1024
	maxEventRecords      = 256

	// recentSize bounds the ring of recently emitted event ids used
	// to spot records that arrive after their event went out.
	recentSize = 64
)

// Config holds accumulator limits. Zero values take the defaults.
type Config struct {
	MaxPending    int
	EventTimeout  time.Duration
	MaxEventBytes int

	// PriorityOverrides maps a record type code to a queue
	// priority; events default to priority 0 (highest).
	PriorityOverrides map[uint32]int

	// Filter, when set, suppresses matching events at emission.
	Filter *procfilter.Filter
}

func (c *Config) applyDefaults() {
	if c.MaxPending == 0 {
		c.MaxPending = defaultMaxPending
	}
	if c.EventTimeout == 0 {
		c.EventTimeout = defaultEventTimeout
	}
	if c.MaxEventBytes == 0 {
		c.MaxEventBytes = defaultMaxEventBytes
	}
}

type partial struct {
	id      types.EventId
	records []*types.Record
	bytes   int
	oldest  time.Time
}

// Accumulator merges records into events. It never blocks the
// ingress: a full queue drops the event and counts the loss.
type Accumulator struct {
	mu       sync.Mutex
	cfg      Config
	partials map[types.EventId]*partial
	order    []*partial // arrival order, oldest first

	recent    [recentSize]types.EventId
	recentPos int

	queue   *queue.Queue
	logger  *logging.Logger
	metrics *metrics.Collector

	dropWarn *rate.Limiter
}

// New creates an accumulator writing into q.
func New(cfg Config, q *queue.Queue, logger *logging.Logger, m *metrics.Collector) *Accumulator {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Global()
	}
	return &Accumulator{
		cfg:      cfg,
		partials: make(map[types.EventId]*partial),
		queue:    q,
		logger:   logger.WithComponent("accumulator"),
		metrics:  m,
		dropWarn: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// AddRecord merges one record into its event, emitting the event when
// it is known to be complete or has hit a size limit. A closed queue
// surfaces as an error; everything else is handled here.
func (a *Accumulator) AddRecord(rec *types.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.partials[rec.EventId]
	if !ok {
		if a.isRecentLocked(rec.EventId) {
			if a.metrics != nil {
				a.metrics.LateRecords.Inc()
			}
			a.logger.Debug().
				Str("event_id", rec.EventId.String()).
				Msg("Record arrived after its event was emitted, starting a new event")
		}
		if len(a.partials) >= a.cfg.MaxPending {
			if err := a.emitLocked(a.order[0], false); err != nil {
				return err
			}
		}
		p = &partial{id: rec.EventId, oldest: time.Now()}
		a.partials[rec.EventId] = p
		a.order = append(a.order, p)
	}

	p.records = append(p.records, rec)
	p.bytes += len(rec.Raw)

	if rec.TypeCode == types.RecordTypeEOE ||
		(len(p.records) == 1 && isSingleRecordType(p.records[0].TypeCode)) {
		return a.emitLocked(p, true)
	}

	if len(p.records) >= maxEventRecords || p.bytes >= a.cfg.MaxEventBytes {
		if a.metrics != nil {
			a.metrics.EventsTruncated.Inc()
		}
		a.logger.Warn().
			Str("event_id", p.id.String()).
			Int("records", len(p.records)).
			Int("bytes", p.bytes).
			Msg("Event hit size limit, emitting early")
		return a.emitLocked(p, false)
	}
	return nil
}

// Flush emits every partial whose oldest record is older than maxAge,
// in EventId order.
func (a *Accumulator) Flush(maxAge time.Duration) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	var due []*partial
	for _, p := range a.order {
		if p.oldest.Before(cutoff) || maxAge == 0 {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].id.Compare(due[j].id) < 0 })
	for _, p := range due {
		if err := a.emitLocked(p, false); err != nil {
			return err
		}
	}
	return nil
}

// FlushAll emits every pending partial. Used on shutdown, before the
// queue closes.
func (a *Accumulator) FlushAll() error {
	return a.Flush(0)
}

// Pending reports the number of in-progress events.
func (a *Accumulator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.partials)
}

func (a *Accumulator) emitLocked(p *partial, complete bool) error {
	delete(a.partials, p.id)
	for i, q := range a.order {
		if q == p {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	a.recent[a.recentPos%recentSize] = p.id
	a.recentPos++

	ev := &types.Event{EventId: p.id, Records: p.records, Complete: complete}
	if a.cfg.Filter != nil && a.cfg.Filter.Match(ev) {
		return nil
	}
	blob, err := event.Encode(ev)
	if err != nil {
		a.logger.Error().Err(err).Str("event_id", p.id.String()).Msg("Failed to serialize event")
		return nil
	}

	priority := 0
	if len(p.records) > 0 {
		if override, ok := a.cfg.PriorityOverrides[p.records[0].TypeCode]; ok {
			priority = override
		}
	}

	_, err = a.queue.Put(priority, blob)
	switch {
	case err == nil:
		if a.metrics != nil {
			a.metrics.EventsEmitted.Inc()
		}
		return nil
	case errors.Is(err, queue.ErrQueueFull):
		if a.metrics != nil {
			a.metrics.EventsLost.Inc()
		}
		if a.dropWarn.Allow() {
			a.logger.Warn().Str("event_id", p.id.String()).Msg("Queue full, dropping event")
		}
		return nil
	case errors.Is(err, queue.ErrQueueClosed):
		return err
	default:
		return fmt.Errorf("failed to enqueue event: %w", err)
	}
}

func (a *Accumulator) isRecentLocked(id types.EventId) bool {
	for _, r := range a.recent {
		if r == id {
			return true
		}
	}
	return false
}

// isSingleRecordType reports record types that never have follow-up
// records: the 11xx user range and every code from 2000 up.
// Everything else, the 12xx daemon range included, waits for EOE or
// the age flush.
func isSingleRecordType(code uint32) bool {
	switch {
	case code >= 2000:
		return true
	case code >= types.RecordTypeFirstUserMsg && code < 1200:
		return true
	}
	return false
}

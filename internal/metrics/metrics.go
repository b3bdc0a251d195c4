package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all metrics
const namespace = "audisp"

// Collector provides a central place for all pipeline metrics. It is
// constructed once at startup and passed by reference to every
// component that counts something.
type Collector struct {
	// Parser metrics
	RecordsParsed   prometheus.Counter
	RecordsFailed   prometheus.Counter
	FieldsDropped   prometheus.Counter

	// Accumulator metrics
	EventsEmitted   prometheus.Counter
	EventsTruncated prometheus.Counter
	EventsLost      prometheus.Counter
	LateRecords     prometheus.Counter

	// Queue metrics
	QueueBytes          prometheus.Gauge
	QueueItemsPut       *prometheus.CounterVec
	QueueFilesDeleted   prometheus.Counter
	QueueItemsLost      prometheus.Counter
	QueueCursorAdvances prometheus.Counter

	// Output metrics
	OutputEventsSent   *prometheus.CounterVec
	OutputEventsAcked  *prometheus.CounterVec
	OutputEventsResent *prometheus.CounterVec
	OutputReconnects   *prometheus.CounterVec

	// Collector metrics
	NetlinkRecords prometheus.Counter
	NetlinkRetries prometheus.Counter

	registry *prometheus.Registry
}

// NewCollector creates a new metrics collector with its own registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{registry: registry}

	c.RecordsParsed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "records_parsed_total",
		Help:      "Total number of audit records parsed successfully",
	})
	c.RecordsFailed = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "records_failed_total",
		Help:      "Total number of records rejected by the parser",
	})
	c.FieldsDropped = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "parser",
		Name:      "fields_dropped_total",
		Help:      "Total number of tokens dropped for lacking a name=value shape",
	})

	c.EventsEmitted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accumulator",
		Name:      "events_emitted_total",
		Help:      "Total number of events emitted to the queue",
	})
	c.EventsTruncated = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accumulator",
		Name:      "events_truncated_total",
		Help:      "Total number of events emitted early due to record or byte limits",
	})
	c.EventsLost = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accumulator",
		Name:      "events_lost_total",
		Help:      "Total number of events dropped because the queue was full",
	})
	c.LateRecords = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "accumulator",
		Name:      "late_records_total",
		Help:      "Total number of records that arrived after their event was emitted",
	})

	c.QueueBytes = promauto.With(registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "bytes",
		Help:      "Current queue data bytes on disk",
	})
	c.QueueItemsPut = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "items_put_total",
		Help:      "Total items accepted by the queue",
	}, []string{"priority"})
	c.QueueFilesDeleted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "files_deleted_total",
		Help:      "Total queue files deleted under disk pressure",
	})
	c.QueueItemsLost = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "items_lost_total",
		Help:      "Total unconsumed items removed under disk pressure",
	})
	c.QueueCursorAdvances = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "cursor_force_advances_total",
		Help:      "Total times a lagging cursor was force-advanced past deleted data",
	})

	c.OutputEventsSent = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "events_sent_total",
		Help:      "Total events written to a sink",
	}, []string{"output"})
	c.OutputEventsAcked = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "events_acked_total",
		Help:      "Total events acknowledged by a sink",
	}, []string{"output"})
	c.OutputEventsResent = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "events_resent_total",
		Help:      "Total events rolled back and redelivered after a connection failure",
	}, []string{"output"})
	c.OutputReconnects = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "output",
		Name:      "reconnects_total",
		Help:      "Total sink reconnect attempts",
	}, []string{"output"})

	c.NetlinkRecords = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "netlink",
		Name:      "records_total",
		Help:      "Total audit records received over netlink",
	})
	c.NetlinkRetries = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "netlink",
		Name:      "request_retries_total",
		Help:      "Total netlink request retries after transient failures",
	})

	return c
}

// Registry returns the underlying registry, for tests and for the
// periodic metric log line.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Gather collects the current metric families.
func (c *Collector) Gather() (map[string]float64, error) {
	families, err := c.registry.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		var total float64
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				total += m.GetCounter().GetValue()
			} else if m.GetGauge() != nil {
				total += m.GetGauge().GetValue()
			}
		}
		out[mf.GetName()] = total
	}
	return out, nil
}

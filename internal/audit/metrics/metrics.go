package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the audit module. Tracks write volume
// by category, persistence failures, cache effectiveness, and the async
// publisher's buffer behavior.
type Metrics struct {
	EventsRecorded  *prometheus.CounterVec
	PersistFailures prometheus.Counter
	RecordDuration  prometheus.Histogram
	QueryDuration   prometheus.Histogram
	CacheHits       prometheus.Counter
	CacheMisses     prometheus.Counter
	EventsDropped   prometheus.Counter
	EventsSampled   prometheus.Counter
	CircuitState    prometheus.Gauge
	OutboxPublished prometheus.Counter
	OutboxFailures  prometheus.Counter
	EventsPurged    prometheus.Counter
}

// New creates a Metrics instance with all audit module metrics registered.
func New() *Metrics {
	return &Metrics{
		EventsRecorded: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "auditcore_events_recorded_total",
			Help: "Audit events recorded, by category",
		}, []string{"category"}),
		PersistFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_persist_failures_total",
			Help: "Audit event writes that failed at the store",
		}),
		RecordDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditcore_record_duration_seconds",
			Help:    "Duration of RecordEvent operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		QueryDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditcore_query_duration_seconds",
			Help:    "Duration of audit query operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_cache_hits_total",
			Help: "Query cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_cache_misses_total",
			Help: "Query cache misses",
		}),
		EventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_events_dropped_total",
			Help: "Events dropped by the async publisher's full buffer",
		}),
		EventsSampled: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_events_sampled_out_total",
			Help: "Operations events discarded by the sampler",
		}),
		CircuitState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "auditcore_publisher_circuit_state",
			Help: "Publisher circuit breaker state: 0 closed, 1 half-open, 2 open",
		}),
		OutboxPublished: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_outbox_published_total",
			Help: "Outbox entries relayed to Kafka",
		}),
		OutboxFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_outbox_failures_total",
			Help: "Outbox relay publish failures",
		}),
		EventsPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "auditcore_events_purged_total",
			Help: "Events removed by retention enforcement",
		}),
	}
}

// IncrementRecorded records one persisted event of the given category.
func (m *Metrics) IncrementRecorded(category string) {
	m.EventsRecorded.WithLabelValues(category).Inc()
}

// ObserveRecord records the duration of a RecordEvent operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveRecord(start time.Time) {
	m.RecordDuration.Observe(time.Since(start).Seconds())
}

// ObserveQuery records the duration of a query operation.
func (m *Metrics) ObserveQuery(start time.Time) {
	m.QueryDuration.Observe(time.Since(start).Seconds())
}

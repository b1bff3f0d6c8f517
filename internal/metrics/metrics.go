// Package metrics holds the Prometheus collectors conflux exports.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. Construct one per registry.
type Metrics struct {
	IngestTotal       *prometheus.CounterVec
	IngestDuration    prometheus.Histogram
	TierDuration      *prometheus.HistogramVec
	TierOutcomes      *prometheus.CounterVec
	AggregatorResults *prometheus.CounterVec
	StoreRetries      prometheus.Counter
	ActiveSessions    prometheus.Gauge
	Degradations      *prometheus.CounterVec
	MessagesSent      *prometheus.CounterVec
}

// New registers collectors on reg. A nil reg uses a fresh private registry,
// which keeps tests from colliding on the default one.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		IngestTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conflux",
			Name:      "ingest_total",
			Help:      "File ingestions by result (applied, cache_hit, parse_failure, error).",
		}, []string{"result"}),
		IngestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "conflux",
			Name:      "ingest_duration_seconds",
			Help:      "Time from change event to committed diff and Tier 1 emission.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		TierDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "conflux",
			Name:      "tier_duration_seconds",
			Help:      "Tier stage duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"tier"}),
		TierOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conflux",
			Name:      "tier_outcomes_total",
			Help:      "Tier stage outcomes (ok, timeout, cancelled, error).",
		}, []string{"tier", "outcome"}),
		AggregatorResults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conflux",
			Name:      "aggregator_results_total",
			Help:      "Tier results seen by the aggregator (accepted, stale, downgrade).",
		}, []string{"decision"}),
		StoreRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "conflux",
			Name:      "store_transaction_attempts_extra_total",
			Help:      "Extra transaction attempts caused by storage conflicts.",
		}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "conflux",
			Name:      "sessions_active",
			Help:      "Subscriber sessions currently open.",
		}),
		Degradations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conflux",
			Name:      "session_degradations_total",
			Help:      "Sessions falling back to a secondary transport.",
		}, []string{"transport"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "conflux",
			Name:      "messages_sent_total",
			Help:      "Protocol messages delivered to subscribers by kind.",
		}, []string{"kind"}),
	}
}

// ObserveTier records one tier run.
func (m *Metrics) ObserveTier(tier, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.TierDuration.WithLabelValues(tier).Observe(d.Seconds())
	m.TierOutcomes.WithLabelValues(tier, outcome).Inc()
}

// ObserveIngest records one ingestion.
func (m *Metrics) ObserveIngest(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(result).Inc()
	m.IngestDuration.Observe(d.Seconds())
}

// Aggregated records an aggregator decision.
func (m *Metrics) Aggregated(decision string) {
	if m == nil {
		return
	}
	m.AggregatorResults.WithLabelValues(decision).Inc()
}

// Retried records extra transaction attempts.
func (m *Metrics) Retried(extra int) {
	if m == nil || extra <= 0 {
		return
	}
	m.StoreRetries.Add(float64(extra))
}

// SessionOpened and SessionClosed track the active session gauge.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.ActiveSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.ActiveSessions.Dec()
	}
}

// Degraded records a transport fallback.
func (m *Metrics) Degraded(transport string) {
	if m != nil {
		m.Degradations.WithLabelValues(transport).Inc()
	}
}

// Sent records a delivered message.
func (m *Metrics) Sent(kind string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(kind).Inc()
	}
}

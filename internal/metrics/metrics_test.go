package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Record(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveIngest("applied", 5*time.Millisecond)
	m.ObserveIngest("cache_hit", time.Millisecond)
	m.ObserveTier("2", "timeout", time.Second)
	m.Aggregated("stale")
	m.Retried(2)
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()
	m.Degraded("sse")
	m.Sent("ConflictUpdate")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.IngestTotal.WithLabelValues("applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TierOutcomes.WithLabelValues("2", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AggregatorResults.WithLabelValues("stale")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.StoreRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Degradations.WithLabelValues("sse")))
}

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()
	var m *Metrics
	m.ObserveIngest("applied", time.Millisecond)
	m.ObserveTier("1", "ok", time.Millisecond)
	m.Aggregated("accepted")
	m.SessionOpened()
	m.SessionClosed()
	m.Degraded("poll")
	m.Sent("Ping")
}

func TestNew_SeparateRegistries(t *testing.T) {
	t.Parallel()
	assert.NotPanics(t, func() {
		New(nil)
		New(nil)
	})
}

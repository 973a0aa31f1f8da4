package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New()
	require.NoError(t, m.Register(reg))
	require.NoError(t, m.Register(reg))
}

func TestObserve(t *testing.T) {
	m := New()
	m.ObserveProviderRequest("token", "success", 20*time.Millisecond)
	m.ObserveProviderRequest("token", "success", 30*time.Millisecond)
	m.ObserveRefresh("declined")
	m.ObserveStatesCleaned(3)
	m.ObserveStatesCleaned(0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ProviderRequests.WithLabelValues("token", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TokenRefreshes.WithLabelValues("declined")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.StatesCleaned))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveProviderRequest("token", "error", time.Second)
		m.ObserveRefresh("refreshed")
		m.ObserveStatesCleaned(1)
	})
}

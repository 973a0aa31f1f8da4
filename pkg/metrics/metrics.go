package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the collectors exported by the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	ProviderRequests *prometheus.CounterVec
	ProviderLatency  *prometheus.HistogramVec
	TokenRefreshes   *prometheus.CounterVec
	StatesCleaned    prometheus.Counter
}

// New creates unregistered collectors
func New() *Metrics {
	return &Metrics{
		ProviderRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qqconnect_provider_requests_total",
			Help: "Requests sent to the QQ Connect provider by operation and outcome",
		}, []string{"operation", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "qqconnect_provider_request_duration_seconds",
			Help:    "Latency of QQ Connect provider requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "qqconnect_token_refreshes_total",
			Help: "Access token refresh attempts by outcome",
		}, []string{"outcome"}),
		StatesCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "qqconnect_states_cleaned_total",
			Help: "Expired authorization states deleted",
		}),
	}
}

// Register registers every collector on reg (or the default registerer if nil).
// Collectors that are already registered are ignored.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{m.ProviderRequests, m.ProviderLatency, m.TokenRefreshes, m.StatesCleaned} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

func (m *Metrics) ObserveProviderRequest(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProviderRequests.WithLabelValues(operation, outcome).Inc()
	m.ProviderLatency.WithLabelValues(operation).Observe(d.Seconds())
}

func (m *Metrics) ObserveRefresh(outcome string) {
	if m == nil {
		return
	}
	m.TokenRefreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveStatesCleaned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.StatesCleaned.Add(float64(n))
}

// File: internal/observability/metrics.go
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the enforcement loop.
type Metrics struct {
	// EventsTotal counts every intercepted action, labeled by event type
	// and final threat level.
	EventsTotal *prometheus.CounterVec

	// BlockedTotal counts blocked actions by signature.
	BlockedTotal *prometheus.CounterVec

	// KillsTotal counts kill-switch firings.
	KillsTotal prometheus.Counter

	// GatewayRequestsTotal counts gateway RPCs by method and outcome.
	GatewayRequestsTotal *prometheus.CounterVec

	// GatewayPending tracks the size of the pending-request map. A value
	// that grows without bound indicates leaked correlation slots.
	GatewayPending prometheus.Gauge
}

// NewMetrics registers the warden instruments on reg. A nil registerer
// yields instruments bound to a throwaway registry, which keeps tests and
// metric-less deployments free of global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		EventsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_events_total",
			Help: "Total number of intercepted agent actions.",
		}, []string{"event_type", "threat_level"}),

		BlockedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_blocked_total",
			Help: "Total number of blocked agent actions by signature.",
		}, []string{"signature"}),

		KillsTotal: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "warden_kills_total",
			Help: "Total number of kill-switch firings.",
		}),

		GatewayRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "warden_gateway_requests_total",
			Help: "Total number of gateway RPCs by method and outcome.",
		}, []string{"method", "outcome"}),

		GatewayPending: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "warden_gateway_pending_requests",
			Help: "Current number of outstanding gateway requests.",
		}),
	}
}

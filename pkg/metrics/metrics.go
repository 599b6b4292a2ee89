package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the meal tracker
type Metrics struct {
	Requests      *prometheus.CounterVec
	Confirmations *prometheus.CounterVec
	Expired       prometheus.Counter
	Awaiting      prometheus.Gauge
	Viewers       prometheus.Gauge
	Broadcasts    prometheus.Counter
	LedgerLatency *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealtracker_service_requests_total",
			Help: "number of service requests by outcome",
		}, []string{"meal", "outcome"}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "mealtracker_service_confirmations_total",
			Help: "number of service confirmations by outcome",
		}, []string{"meal", "outcome"}),
		Expired: f.NewCounter(prometheus.CounterOpts{
			Name: "mealtracker_awaiting_expired_total",
			Help: "number of awaiting entries that expired without confirmation",
		}),
		Awaiting: f.NewGauge(prometheus.GaugeOpts{
			Name: "mealtracker_awaiting_participants",
			Help: "number of participants currently awaiting service",
		}),
		Viewers: f.NewGauge(prometheus.GaugeOpts{
			Name: "mealtracker_connected_viewers",
			Help: "number of live update subscriptions",
		}),
		Broadcasts: f.NewCounter(prometheus.CounterOpts{
			Name: "mealtracker_broadcast_signals_total",
			Help: "number of update signals fanned out to viewers",
		}),
		LedgerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mealtracker_ledger_operation_seconds",
			Help:    "latency of ledger operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// Discard returns collectors that are not registered anywhere
func Discard() *Metrics {
	return New(nil)
}

// Package metrics provides Prometheus metrics for the redeem engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	OrdersSubmitted   prometheus.Counter
	OrdersFailed      prometheus.Counter
	RedeemDuration    prometheus.Histogram
	MigrationSteps    *prometheus.CounterVec
	MessagesConsumed  prometheus.Counter
	MessagesPublished prometheus.Counter
	PharmaciesSaved   prometheus.Counter
	AVSBreakerState   *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		OrdersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redeem_orders_submitted_total",
			Help: "Total order requests redeemed successfully",
		}),
		OrdersFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "redeem_orders_failed_total",
			Help: "Total order requests that failed",
		}),
		RedeemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "redeem_submission_duration_seconds",
			Help:    "Duration of one redeem submission batch",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		MigrationSteps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "schema_migration_steps_total",
			Help: "Schema migration steps, labelled by target version and result",
		}, []string{"version", "result"}),
		MessagesConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmacy_messages_consumed_total",
			Help: "Total pharmacy messages consumed from the stream",
		}),
		MessagesPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "order_events_published_total",
			Help: "Total order outcome events published",
		}),
		PharmaciesSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pharmacies_remembered_total",
			Help: "Total pharmacies persisted after being used in an order",
		}),
		AVSBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "avs_circuit_breaker_state",
			Help: "AVS endpoint circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"endpoint"}),
	}

	prometheus.MustRegister(
		m.OrdersSubmitted,
		m.OrdersFailed,
		m.RedeemDuration,
		m.MigrationSteps,
		m.MessagesConsumed,
		m.MessagesPublished,
		m.PharmaciesSaved,
		m.AVSBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

package obs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// In-process metrics for the recalculation engine. This package only
// maintains the registry; mounting it behind an HTTP handler is left to
// whatever embeds this engine.
var (
	Registry = prometheus.NewRegistry()

	RecalcTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recalc_total",
		Help: "Total number of trip recalculations by outcome",
	}, []string{"outcome"}) // done|error|budget_limited|not_found

	RecalcDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recalc_duration_seconds",
		Help:    "Wall-clock duration of a single trip recalculation",
		Buckets: prometheus.DefBuckets,
	})

	QuotaConsumedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_consumed_total",
		Help: "Approved quota consumptions by API",
	}, []string{"api"})

	QuotaDeniedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quota_denied_total",
		Help: "Denied quota consumptions by API and cap tier",
	}, []string{"api", "tier"})

	TripsScanned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trips_scanned_total",
		Help: "Total number of trips selected by the scheduler across all scans",
	})

	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open",
	}, []string{"provider"})

	ProviderCallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_call_duration_seconds",
		Help:    "Duration of outbound route/forecast provider calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})
)

func init() {
	Registry.MustRegister(
		RecalcTotal,
		RecalcDuration,
		QuotaConsumedTotal,
		QuotaDeniedTotal,
		TripsScanned,
		CircuitBreakerState,
		ProviderCallDuration,
	)
}

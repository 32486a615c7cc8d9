// Package metrics exposes the router's Prometheus collectors. Everything is
// registered on the default registry via promauto; the metrics listener
// serves it through promhttp.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/polyroute/polyroute/pkg/types"
)

const namespace = "polyroute"

// LatencyBuckets covers the spread between cached-fast local models and
// slow long completions (in seconds).
var LatencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75,
	1.0, 1.5, 2.0, 2.5, 3.0, 4.0, 5.0,
	7.5, 10.0, 15.0, 20.0, 30.0, 60.0,
}

var (
	// RequestsTotal counts terminal routing results. The provider label is
	// the winning (or last failing) provider, "none" when the request never
	// reached one.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Terminal routing results by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// RequestDuration tracks end-to-end routing latency.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "End-to-end routing latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)

	// AttemptsTotal counts individual dispatch attempts. The class label is
	// the error class for failures, or success/rejected/canceled.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Provider dispatch attempts by terminal class",
		},
		[]string{"provider", "class"},
	)

	// BreakerState reports each provider's circuit state
	// (0=closed, 1=open, 2=half-open).
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"provider"},
	)

	// BulkheadInUse reports held concurrency permits per provider.
	BulkheadInUse = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bulkhead_in_use",
			Help:      "Concurrency permits currently held per provider",
		},
		[]string{"provider"},
	)

	// RateLimitDenials counts admission denials by the violated window.
	RateLimitDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_denials_total",
			Help:      "Requests denied by the rate limiter, by violated window",
		},
		[]string{"window"},
	)

	// ChainDepth tracks how many providers each routing decision kept.
	ChainDepth = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_depth",
			Help:      "Fallback chain length per routing decision",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6, 8},
		},
	)

	// ProviderHealth reports the last probe verdict (1=healthy, 0=not).
	ProviderHealth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_health",
			Help:      "Last health probe verdict per provider (1=healthy)",
		},
		[]string{"provider"},
	)
)

// ObserveRequest records one terminal routing result.
func ObserveRequest(provider, outcome string, latency time.Duration) {
	if provider == "" {
		provider = "none"
	}
	RequestsTotal.WithLabelValues(provider, outcome).Inc()
	RequestDuration.WithLabelValues(provider).Observe(latency.Seconds())
}

// ObserveAttempt records one dispatch attempt sample.
func ObserveAttempt(o types.RequestOutcome) {
	AttemptsTotal.WithLabelValues(o.ProviderID, attemptClass(o)).Inc()
}

// attemptClass folds an attempt's status and error class into one label.
func attemptClass(o types.RequestOutcome) string {
	switch o.Status {
	case types.OutcomeSuccess:
		return "success"
	case types.OutcomeRejected:
		return "rejected"
	case types.OutcomeCanceled:
		return "canceled"
	}
	if o.Class != "" {
		return string(o.Class)
	}
	return string(types.ClassOther)
}

// SetBreakerState records a circuit state transition.
func SetBreakerState(provider string, state int) {
	BreakerState.WithLabelValues(provider).Set(float64(state))
}

// SetBulkheadInUse records the current permit usage.
func SetBulkheadInUse(provider string, inUse int) {
	BulkheadInUse.WithLabelValues(provider).Set(float64(inUse))
}

// SetProviderHealth records a probe verdict.
func SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	ProviderHealth.WithLabelValues(provider).Set(v)
}

// RecordRateLimitDenial counts one admission denial.
func RecordRateLimitDenial(window string) {
	RateLimitDenials.WithLabelValues(window).Inc()
}

// ObserveChainDepth records the kept chain length of one decision.
func ObserveChainDepth(depth int) {
	ChainDepth.Observe(float64(depth))
}

// ForgetProvider drops the per-provider gauge series after a provider is
// removed by a reload, so dashboards stop showing stale state.
func ForgetProvider(provider string) {
	BreakerState.DeleteLabelValues(provider)
	BulkheadInUse.DeleteLabelValues(provider)
	ProviderHealth.DeleteLabelValues(provider)
}

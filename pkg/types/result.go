package types //nolint:revive // package name is intentional

import "time"

// FilterReason names why a provider was excluded from a fallback chain.
type FilterReason string

const (
	FilterStatusDisabled    FilterReason = "status_disabled"
	FilterModelUnsupported  FilterReason = "model_unsupported"
	FilterMissingCapability FilterReason = "missing_capability"
	FilterUnhealthy         FilterReason = "unhealthy"
	FilterBreakerOpen       FilterReason = "breaker_open"
	FilterAuthBlocked       FilterReason = "auth_blocked"
)

// FilterEntry records one filtered provider and the first reason that
// excluded it.
type FilterEntry struct {
	ProviderID string       `json:"provider_id"`
	Reason     FilterReason `json:"reason"`
}

// ScoreEntry records one scored provider. Kept is false for providers that
// scored below the chain-depth cutoff.
type ScoreEntry struct {
	ProviderID       string  `json:"provider_id"`
	Score            float64 `json:"score"`
	LatencyScore     float64 `json:"latency_score"`
	CostScore        float64 `json:"cost_score"`
	ReliabilityScore float64 `json:"reliability_score"`
	ExpectedCost     float64 `json:"expected_cost"`
	Kept             bool    `json:"kept"`
}

// AttemptEntry records one dispatch step: an adapter call, or a skip when
// the breaker or bulkhead turned the provider away at dispatch time.
type AttemptEntry struct {
	ProviderID string        `json:"provider_id"`
	Attempt    int           `json:"attempt"`
	Outcome    OutcomeStatus `json:"outcome"`
	Class      ErrorClass    `json:"class,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
	Detail     string        `json:"detail,omitempty"`
}

// DecisionTrace explains one routing decision end to end: which providers
// were filtered and why, how survivors scored, and what each dispatch
// attempt produced. Entries appear in evaluation order.
type DecisionTrace struct {
	PolicyName string         `json:"policy_name"`
	ChainDepth int            `json:"chain_depth"`
	Intent     string         `json:"intent,omitempty"`
	RiskScore  float64        `json:"risk_score,omitempty"`
	Filtered   []FilterEntry  `json:"filtered,omitempty"`
	Scored     []ScoreEntry   `json:"scored,omitempty"`
	Attempts   []AttemptEntry `json:"attempts,omitempty"`
}

// RouteResult is the successful outcome of Route.
type RouteResult struct {
	Response      *ChatResponse  `json:"response"`
	ProviderID    string         `json:"provider_id"`
	Model         string         `json:"model"`
	Attempts      int            `json:"attempts"`
	Latency       time.Duration  `json:"latency"`
	EstimatedCost float64        `json:"estimated_cost"`
	Trace         *DecisionTrace `json:"trace,omitempty"`
	CorrelationID string         `json:"correlation_id"`
}

// ProviderState is the live status of one provider for introspection
// surfaces.
type ProviderState struct {
	Descriptor       ProviderDescriptor `json:"descriptor"`
	Healthy          bool               `json:"healthy"`
	HealthDetail     string             `json:"health_detail,omitempty"`
	BreakerState     string             `json:"breaker_state"`
	AuthBlocked      bool               `json:"auth_blocked"`
	BulkheadInUse    int                `json:"bulkhead_in_use"`
	BulkheadCapacity int                `json:"bulkhead_capacity"`
	Window           WindowSnapshot     `json:"window"`
	LoadError        string             `json:"load_error,omitempty"`
}

// RouterStatus is the router-wide introspection snapshot.
type RouterStatus struct {
	PolicyName     string          `json:"policy_name"`
	ProviderCount  int             `json:"provider_count"`
	HealthyCount   int             `json:"healthy_count"`
	ConfigLoadedAt time.Time       `json:"config_loaded_at"`
	Providers      []ProviderState `json:"providers"`
}

package types //nolint:revive // package name is intentional

import "time"

// OutcomeStatus is the terminal state of one provider attempt.
type OutcomeStatus string

const (
	OutcomeSuccess  OutcomeStatus = "success"
	OutcomeFailure  OutcomeStatus = "failure"
	OutcomeTimeout  OutcomeStatus = "timeout"
	OutcomeRejected OutcomeStatus = "rejected"
	OutcomeCanceled OutcomeStatus = "canceled"
)

// ErrorClass is the adapter's classification of a failed call. The router
// applies retry and breaker policy from the class alone, never from error
// message text.
type ErrorClass string

const (
	ClassAuth       ErrorClass = "auth"
	ClassTimeout    ErrorClass = "timeout"
	ClassRateLimit  ErrorClass = "rate_limit"
	ClassServer5xx  ErrorClass = "server_5xx"
	ClassBadRequest ErrorClass = "bad_request"
	ClassOther      ErrorClass = "other"
)

// RequestOutcome is one telemetry sample: the terminal result of a single
// provider attempt.
type RequestOutcome struct {
	ProviderID    string        `json:"provider_id"`
	Model         string        `json:"model,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	Latency       time.Duration `json:"latency"`
	Status        OutcomeStatus `json:"status"`
	Class         ErrorClass    `json:"class,omitempty"`
	TokensIn      int           `json:"tokens_in,omitempty"`
	TokensOut     int           `json:"tokens_out,omitempty"`
	Cost          float64       `json:"cost,omitempty"`
	CorrelationID string        `json:"correlation_id,omitempty"`
}

// WindowSnapshot is a consistent read of one provider's telemetry window.
type WindowSnapshot struct {
	Count         int `json:"count"`
	SuccessCount  int `json:"success_count"`
	FailureCount  int `json:"failure_count"`
	TimeoutCount  int `json:"timeout_count"`
	RejectedCount int `json:"rejected_count"`
	CanceledCount int `json:"canceled_count"`

	P50        time.Duration `json:"p50"`
	P95        time.Duration `json:"p95"`
	AvgLatency time.Duration `json:"avg_latency"`

	// ErrorRateRecent is failures plus timeouts over completed attempts
	// within the recent slice of the window.
	ErrorRateRecent float64 `json:"error_rate_recent"`

	// EWMACost is the exponentially weighted moving average of per-request
	// cost.
	EWMACost float64 `json:"ewma_cost"`

	LastSample time.Time `json:"last_sample,omitempty"`
}

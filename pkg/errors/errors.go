// Package errors defines the router's error taxonomy. Every failure that
// crosses the router boundary is a *RouteError with a stable kind, an HTTP
// mapping, and a structured problem payload, so callers branch on kinds
// rather than message text.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// Kind identifies one failure category. Kinds are stable API: they appear
// in problem payloads as machine-readable codes.
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindGatewayDenied       Kind = "gateway_denied"
	KindMaxTokensExceeded   Kind = "max_tokens_exceeded"
	KindUnauthorized        Kind = "unauthorized"
	KindRateLimited         Kind = "rate_limited"
	KindNoProviderAvailable Kind = "no_provider_available"
	KindAllProvidersFailed  Kind = "all_providers_failed"
	KindProviderTimeout     Kind = "provider_timeout"
	KindDeadlineExceeded    Kind = "deadline_exceeded"
	KindCanceled            Kind = "canceled"
	KindInternal            Kind = "internal_error"
)

// problemTypeBase prefixes the type URI in problem payloads.
const problemTypeBase = "https://polyroute.dev/errors/"

// statusClientClosedRequest mirrors nginx's non-standard 499 for requests
// abandoned by the caller.
const statusClientClosedRequest = 499

var kindTitles = map[Kind]string{
	KindValidation:          "Request validation failed",
	KindGatewayDenied:       "Request denied by gateway",
	KindMaxTokensExceeded:   "Token budget exceeded",
	KindUnauthorized:        "Unauthorized",
	KindRateLimited:         "Rate limit exceeded",
	KindNoProviderAvailable: "No provider available",
	KindAllProvidersFailed:  "All providers failed",
	KindProviderTimeout:     "Provider timed out",
	KindDeadlineExceeded:    "Deadline exceeded",
	KindCanceled:            "Request canceled",
	KindInternal:            "Internal error",
}

var kindStatus = map[Kind]int{
	KindValidation:          http.StatusBadRequest,
	KindGatewayDenied:       http.StatusBadRequest,
	KindMaxTokensExceeded:   http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindRateLimited:         http.StatusTooManyRequests,
	KindNoProviderAvailable: http.StatusServiceUnavailable,
	KindAllProvidersFailed:  http.StatusServiceUnavailable,
	KindProviderTimeout:     http.StatusGatewayTimeout,
	KindDeadlineExceeded:    http.StatusGatewayTimeout,
	KindCanceled:            statusClientClosedRequest,
	KindInternal:            http.StatusInternalServerError,
}

// FieldError scopes a validation failure to one request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// RouteError is the router's boundary error.
type RouteError struct {
	Kind          Kind
	Detail        string
	Fields        []FieldError
	RetryAfter    time.Duration
	Provider      string
	CorrelationID string

	err error
}

// Error implements the error interface.
func (e *RouteError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s (provider=%s)", e.Kind, e.Detail, e.Provider)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *RouteError) Unwrap() error {
	return e.err
}

// Title returns the human-readable summary for the error's kind.
func (e *RouteError) Title() string {
	if t, ok := kindTitles[e.Kind]; ok {
		return t
	}
	return kindTitles[KindInternal]
}

// HTTPStatusCode maps the kind to its HTTP status.
func (e *RouteError) HTTPStatusCode() int {
	if s, ok := kindStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// ProblemType returns the type URI for problem payloads.
func (e *RouteError) ProblemType() string {
	return problemTypeBase + string(e.Kind)
}

// problem is the wire shape of a RouteError.
type problem struct {
	Type          string       `json:"type"`
	Title         string       `json:"title"`
	Status        int          `json:"status"`
	Code          string       `json:"code"`
	Detail        string       `json:"detail,omitempty"`
	FieldErrors   []FieldError `json:"field_errors,omitempty"`
	RetryAfter    int          `json:"retry_after,omitempty"`
	Provider      string       `json:"provider,omitempty"`
	CorrelationID string       `json:"correlation_id,omitempty"`
}

// MarshalJSON renders the problem-details payload. RetryAfter is reported
// in whole seconds, rounded up.
func (e *RouteError) MarshalJSON() ([]byte, error) {
	p := problem{
		Type:          e.ProblemType(),
		Title:         e.Title(),
		Status:        e.HTTPStatusCode(),
		Code:          string(e.Kind),
		Detail:        e.Detail,
		FieldErrors:   e.Fields,
		Provider:      e.Provider,
		CorrelationID: e.CorrelationID,
	}
	if e.RetryAfter > 0 {
		p.RetryAfter = int((e.RetryAfter + time.Second - 1) / time.Second)
	}
	return json.Marshal(p)
}

// WithCorrelationID returns the error with the correlation ID set.
func (e *RouteError) WithCorrelationID(id string) *RouteError {
	e.CorrelationID = id
	return e
}

// NewValidation creates a validation error scoped to request fields.
func NewValidation(detail string, fields ...FieldError) *RouteError {
	return &RouteError{Kind: KindValidation, Detail: detail, Fields: fields}
}

// NewGatewayDenied creates a gateway risk-screening denial.
func NewGatewayDenied(detail string) *RouteError {
	return &RouteError{Kind: KindGatewayDenied, Detail: detail}
}

// NewMaxTokensExceeded reports a request whose combined token demand is
// over the per-request budget.
func NewMaxTokensExceeded(detail string) *RouteError {
	return &RouteError{Kind: KindMaxTokensExceeded, Detail: detail}
}

// NewUnauthorized creates an unauthorized error.
func NewUnauthorized(detail string) *RouteError {
	return &RouteError{Kind: KindUnauthorized, Detail: detail}
}

// NewRateLimited creates a rate limit denial. limitType names the violated
// window (burst, minute, hour, day); retryAfter is when the oldest counted
// request ages out.
func NewRateLimited(limitType string, retryAfter time.Duration) *RouteError {
	return &RouteError{
		Kind:       KindRateLimited,
		Detail:     fmt.Sprintf("%s limit exceeded", limitType),
		RetryAfter: retryAfter,
	}
}

// NewNoProviderAvailable reports an empty fallback chain.
func NewNoProviderAvailable(detail string) *RouteError {
	return &RouteError{Kind: KindNoProviderAvailable, Detail: detail}
}

// NewAllProvidersFailed reports an exhausted fallback chain.
func NewAllProvidersFailed(detail string, cause error) *RouteError {
	return &RouteError{Kind: KindAllProvidersFailed, Detail: detail, err: cause}
}

// NewProviderTimeout reports a provider that exceeded its attempt budget.
func NewProviderTimeout(provider, detail string) *RouteError {
	return &RouteError{Kind: KindProviderTimeout, Detail: detail, Provider: provider}
}

// NewDeadlineExceeded reports an exhausted overall deadline.
func NewDeadlineExceeded(detail string) *RouteError {
	return &RouteError{Kind: KindDeadlineExceeded, Detail: detail}
}

// NewCanceled reports caller cancellation.
func NewCanceled() *RouteError {
	return &RouteError{Kind: KindCanceled, Detail: "request canceled by caller"}
}

// NewInternal wraps an unexpected failure.
func NewInternal(cause error) *RouteError {
	detail := "internal error"
	if cause != nil {
		detail = cause.Error()
	}
	return &RouteError{Kind: KindInternal, Detail: detail, err: cause}
}

// AsRouteError unwraps err to a *RouteError when one is in the chain.
func AsRouteError(err error) (*RouteError, bool) {
	var re *RouteError
	if stderrors.As(err, &re) {
		return re, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	if re, ok := AsRouteError(err); ok {
		return re.Kind
	}
	return KindInternal
}

// Package adapter defines the contract between the router core and provider
// integrations. An adapter owns all transport details for one upstream; the
// router only sees unified requests, responses, and classified errors.
package adapter

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/polyroute/polyroute/pkg/types"
)

// Adapter is implemented once per upstream provider. Implementations must be
// safe for concurrent use; the router calls one adapter from many goroutines.
type Adapter interface {
	// ID returns the provider identifier the adapter serves.
	ID() string

	// Capabilities reports what the upstream supports. The registry consults
	// it at load time to cross-check the configured descriptor.
	Capabilities() Capabilities

	// HealthProbe performs a cheap liveness check against the upstream. It
	// must honor the context deadline and never run longer than it.
	HealthProbe(ctx context.Context) ProbeResult

	// Chat executes one completion request. Errors must be *Error values so
	// the router can classify without inspecting message text.
	Chat(ctx context.Context, req *types.RoutingRequest) (*types.ChatResponse, error)
}

// Capabilities describes an upstream's feature surface.
type Capabilities struct {
	Models           []string `json:"models"`
	Features         []string `json:"features"`
	MaxContextTokens int      `json:"max_context_tokens,omitempty"`
}

// ProbeResult is the outcome of one health probe.
type ProbeResult struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Detail  string        `json:"detail,omitempty"`
}

// Error is the classified failure an adapter returns from Chat. Class drives
// the router's breaker and retry policy; Status carries the upstream HTTP
// status when one exists.
type Error struct {
	Class    types.ErrorClass
	Status   int
	Provider string
	Msg      string
	cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (class=%s, status=%d)", e.Provider, e.Msg, e.Class, e.Status)
	}
	return fmt.Sprintf("%s: %s (class=%s)", e.Provider, e.Msg, e.Class)
}

// Unwrap exposes the transport-level cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewError builds a classified adapter error.
func NewError(provider string, class types.ErrorClass, status int, msg string) *Error {
	return &Error{Provider: provider, Class: class, Status: status, Msg: msg}
}

// WrapError classifies a transport-level failure while keeping the cause.
func WrapError(provider string, class types.ErrorClass, cause error) *Error {
	msg := "request failed"
	if cause != nil {
		msg = cause.Error()
	}
	return &Error{Provider: provider, Class: class, Msg: msg, cause: cause}
}

// ClassOf extracts the error class from err. Context errors classify as
// timeout; anything unclassified is ClassOther.
func ClassOf(err error) types.ErrorClass {
	var ae *Error
	if stderrors.As(err, &ae) {
		return ae.Class
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return types.ClassTimeout
	}
	return types.ClassOther
}

// ClassifyStatus maps an upstream HTTP status to an error class.
func ClassifyStatus(status int) types.ErrorClass {
	switch {
	case status == 401 || status == 403:
		return types.ClassAuth
	case status == 408:
		return types.ClassTimeout
	case status == 429:
		return types.ClassRateLimit
	case status >= 500:
		return types.ClassServer5xx
	case status >= 400:
		return types.ClassBadRequest
	default:
		return types.ClassOther
	}
}

// Factory builds an adapter for one provider descriptor. apiKey is already
// resolved; factories must not read the environment themselves.
type Factory func(desc types.ProviderDescriptor, apiKey string) (Adapter, error)

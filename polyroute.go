// Package polyroute routes OpenAI-compatible chat requests across multiple
// LLM providers. Every request is screened, rate limited, matched against a
// scoring policy, and dispatched down a ranked fallback chain with circuit
// breakers, bulkheads, and per-provider retry budgets; the decision trace
// explains each step.
//
// PolyRoute runs in two modes:
//   - Library mode: embed the Router in your own service
//   - Gateway mode: run cmd/server as a standalone HTTP proxy
//
// Basic usage:
//
//	router, err := polyroute.New(
//	    polyroute.WithConfigFile("polyroute.toml"),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer router.Close()
//
//	result, err := router.Route(ctx, &polyroute.RoutingRequest{
//	    Model: "gpt-4o",
//	    Messages: []polyroute.Message{
//	        {Role: "user", Content: "Hello!"},
//	    },
//	})
package polyroute

import (
	"github.com/polyroute/polyroute/internal/config"
	"github.com/polyroute/polyroute/internal/observability"
	"github.com/polyroute/polyroute/pkg/adapter"
	"github.com/polyroute/polyroute/pkg/errors"
	"github.com/polyroute/polyroute/pkg/types"
)

// Version is the current version of PolyRoute.
const Version = "1.0.0"

// Re-export core request/response types for convenience. Callers can use
// polyroute.RoutingRequest instead of types.RoutingRequest.
type (
	// RoutingRequest is an OpenAI-compatible chat request plus the routing
	// extensions (latency priority, required capabilities, identity).
	RoutingRequest = types.RoutingRequest

	// Message is a single conversation turn.
	Message = types.Message

	// Tool declares a function the model may call.
	Tool = types.Tool

	// ToolFunction describes a callable function.
	ToolFunction = types.ToolFunction

	// ResponseFormat selects the model's output format.
	ResponseFormat = types.ResponseFormat

	// Identity carries the caller identifiers used for rate limiting.
	Identity = types.Identity

	// Priority expresses how latency-sensitive a request is.
	Priority = types.Priority

	// ChatResponse is the unified completion response.
	ChatResponse = types.ChatResponse

	// Choice is a single completion choice.
	Choice = types.Choice

	// Usage contains token accounting for one completion.
	Usage = types.Usage
)

// Re-export routing result types.
type (
	// RouteResult is the successful outcome of Route, trace included.
	RouteResult = types.RouteResult

	// DecisionTrace explains one routing decision end to end.
	DecisionTrace = types.DecisionTrace

	// RouterStatus is the router-wide introspection snapshot.
	RouterStatus = types.RouterStatus

	// ProviderState is the live status of one provider.
	ProviderState = types.ProviderState

	// WindowSnapshot is a consistent read of one provider's telemetry
	// window.
	WindowSnapshot = types.WindowSnapshot

	// ProviderDescriptor is the config-derived description of one provider.
	ProviderDescriptor = types.ProviderDescriptor
)

// Re-export adapter types so custom provider integrations need only the
// root package.
type (
	// Adapter is implemented once per upstream provider.
	Adapter = adapter.Adapter

	// AdapterFactory builds an adapter for one provider descriptor.
	AdapterFactory = adapter.Factory

	// AdapterError is the classified failure an adapter returns from Chat.
	AdapterError = adapter.Error

	// ProbeResult is the outcome of one health probe.
	ProbeResult = adapter.ProbeResult

	// Capabilities describes an upstream's feature surface.
	Capabilities = adapter.Capabilities
)

// Re-export configuration types.
type (
	// Config is the complete router configuration.
	Config = config.Config

	// ProviderConfig is one provider table entry.
	ProviderConfig = config.ProviderConfig
)

// Re-export observability types used by custom outcome sinks.
type (
	// OutcomeSink receives one event per terminal routing outcome.
	OutcomeSink = observability.Sink

	// OutcomeEvent is the record handed to outcome sinks.
	OutcomeEvent = observability.OutcomeEvent
)

// Re-export error types.
type (
	// RouteError is the router's boundary error.
	RouteError = errors.RouteError

	// ErrorKind identifies one failure category.
	ErrorKind = errors.Kind
)

// Re-export latency priorities.
const (
	PriorityUltraLow = types.PriorityUltraLow
	PriorityLow      = types.PriorityLow
	PriorityMedium   = types.PriorityMedium
	PriorityHigh     = types.PriorityHigh
)

// Re-export error kinds.
const (
	KindValidation          = errors.KindValidation
	KindGatewayDenied       = errors.KindGatewayDenied
	KindMaxTokensExceeded   = errors.KindMaxTokensExceeded
	KindUnauthorized        = errors.KindUnauthorized
	KindRateLimited         = errors.KindRateLimited
	KindNoProviderAvailable = errors.KindNoProviderAvailable
	KindAllProvidersFailed  = errors.KindAllProvidersFailed
	KindProviderTimeout     = errors.KindProviderTimeout
	KindDeadlineExceeded    = errors.KindDeadlineExceeded
	KindCanceled            = errors.KindCanceled
	KindInternal            = errors.KindInternal
)

// Re-export helpers callers commonly need.
var (
	// DefaultConfig returns a configuration with every default applied.
	DefaultConfig = config.DefaultConfig

	// LoadConfigFile reads and parses a configuration file (TOML by
	// default, YAML by extension).
	LoadConfigFile = config.LoadFromFile

	// AsRouteError unwraps err to a *RouteError when one is in the chain.
	AsRouteError = errors.AsRouteError

	// NewLogSink builds the default outcome sink over a logger.
	NewLogSink = observability.NewLogSink
)

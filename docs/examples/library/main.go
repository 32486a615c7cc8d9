// Example: embedding the router as a library.
//
// Builds a two-provider router from an in-memory configuration, registers a
// custom outcome sink, routes one completion, and prints the decision trace
// that explains which providers were considered and why the winner won.
//
// Run with real endpoints:
//
//	export OPENAI_API_KEY=sk-...
//	export GROQ_API_KEY=gsk-...
//	go run ./docs/examples/library
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/polyroute/polyroute"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	cfg := polyroute.DefaultConfig()
	cfg.Providers["openai-main"] = polyroute.ProviderConfig{
		Endpoint:           "https://api.openai.com/v1",
		APIKeyEnv:          "OPENAI_API_KEY",
		Models:             []string{"gpt-4o", "gpt-4o-mini"},
		Capabilities:       []string{"tools", "json_mode"},
		CostPerTokenInput:  0.0000025,
		CostPerTokenOutput: 0.00001,
	}
	cfg.Providers["groq-fast"] = polyroute.ProviderConfig{
		Endpoint:           "https://api.groq.com/openai/v1",
		APIKeyEnv:          "GROQ_API_KEY",
		Models:             []string{"gpt-4o-mini"},
		CostPerTokenInput:  0.0000005,
		CostPerTokenOutput: 0.0000008,
	}
	cfg.Policy.Default = "cost_first"

	router, err := polyroute.New(
		polyroute.WithConfig(cfg),
		polyroute.WithLogger(logger),
		polyroute.WithOutcomeSink(&auditSink{}),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build router:", err)
		os.Exit(1)
	}
	defer router.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	result, err := router.Route(ctx, &polyroute.RoutingRequest{
		Model: "gpt-4o-mini",
		Messages: []polyroute.Message{
			{Role: "user", Content: "Name three uses for a circuit breaker."},
		},
		Identity: polyroute.Identity{UserID: "example-user"},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "route:", err)
		os.Exit(1)
	}

	fmt.Println("Assistant:", result.Response.Choices[0].Message.Content)
	fmt.Printf("served by %s in %d attempt(s), estimated cost $%.6f\n",
		result.ProviderID, result.Attempts, result.EstimatedCost)

	// The trace explains the decision: who was filtered, how survivors
	// scored, and what each dispatch attempt did.
	for _, f := range result.Trace.Filtered {
		fmt.Printf("  filtered %s: %s\n", f.ProviderID, f.Reason)
	}
	for _, s := range result.Trace.Scored {
		fmt.Printf("  scored   %s: %.3f (kept=%v)\n", s.ProviderID, s.Score, s.Kept)
	}
	for _, a := range result.Trace.Attempts {
		fmt.Printf("  attempt  %s #%d: %s\n", a.ProviderID, a.Attempt, a.Outcome)
	}
}

// auditSink shows the custom-sink extension point: one call per terminal
// outcome, success or failure.
type auditSink struct{}

func (*auditSink) Emit(_ context.Context, ev polyroute.OutcomeEvent) {
	fmt.Printf("audit: %s model=%s provider=%s outcome=%s latency=%dms\n",
		ev.CorrelationID, ev.Model, ev.Provider, ev.Outcome, ev.LatencyMS)
}

func (*auditSink) Close(context.Context) error { return nil }

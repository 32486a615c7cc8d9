package observability

import (
	"context"
	"log/slog"
	"time"
)

// OutcomeEvent is the request-level record emitted exactly once per routing
// call, terminal success or terminal failure alike.
type OutcomeEvent struct {
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	Model         string    `json:"model"`
	Provider      string    `json:"provider,omitempty"`
	Outcome       string    `json:"outcome"`
	Intent        string    `json:"intent,omitempty"`
	Policy        string    `json:"policy,omitempty"`
	Attempts      int       `json:"attempts"`
	LatencyMS     int64     `json:"latency_ms"`
	TokensIn      int       `json:"tokens_in,omitempty"`
	TokensOut     int       `json:"tokens_out,omitempty"`
	Cost          float64   `json:"cost,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Sink receives terminal routing outcomes. Emit must not block the routing
// path and must swallow its own failures; a broken exporter never costs a
// request.
type Sink interface {
	Emit(ctx context.Context, ev OutcomeEvent)
	Close(ctx context.Context) error
}

// LogSink writes outcome events to the structured log. It is the sink every
// router carries by default.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a sink over the given logger.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Emit logs one outcome record at info level.
func (s *LogSink) Emit(ctx context.Context, ev OutcomeEvent) {
	attrs := []slog.Attr{
		slog.String("correlation_id", ev.CorrelationID),
		slog.String("model", ev.Model),
		slog.String("provider", ev.Provider),
		slog.String("outcome", ev.Outcome),
		slog.Int("attempts", ev.Attempts),
		slog.Int64("latency_ms", ev.LatencyMS),
	}
	if ev.Policy != "" {
		attrs = append(attrs, slog.String("policy", ev.Policy))
	}
	if ev.Intent != "" {
		attrs = append(attrs, slog.String("intent", ev.Intent))
	}
	if ev.TokensIn > 0 || ev.TokensOut > 0 {
		attrs = append(attrs,
			slog.Int("tokens_in", ev.TokensIn),
			slog.Int("tokens_out", ev.TokensOut))
	}
	if ev.Cost > 0 {
		attrs = append(attrs, slog.Float64("estimated_cost", ev.Cost))
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	s.logger.LogAttrs(ctx, slog.LevelInfo, "request outcome", attrs...)
}

// Close is a no-op; the logger outlives the sink.
func (s *LogSink) Close(context.Context) error { return nil }

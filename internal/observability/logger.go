// Package observability carries the router's logging, correlation,
// tracing, and outcome-export plumbing. Everything here is optional at
// runtime: a Router built with a nil logger, a disabled tracer, and no
// sinks still routes, it just says nothing about it.
package observability

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LoggerConfig tunes the structured logger.
type LoggerConfig struct {
	// Level is one of debug, info, warn, error. Unknown values mean info.
	Level string
	// Format is json (default) or text.
	Format string
	// Output defaults to stderr.
	Output io.Writer
	// AddSource includes file:line in every record.
	AddSource bool
}

// NewLogger builds a slog logger with secret redaction applied to every
// attribute. Pass a nil redactor to log values verbatim.
func NewLogger(cfg LoggerConfig, redactor *Redactor) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if redactor != nil {
		opts.ReplaceAttr = redactor.ReplaceAttr
	}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a config string onto a slog level.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

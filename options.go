package polyroute

import (
	"log/slog"
	"time"

	"github.com/polyroute/polyroute/internal/config"
	"github.com/polyroute/polyroute/internal/observability"
	"github.com/polyroute/polyroute/pkg/adapter"
	"github.com/polyroute/polyroute/providers/openailike"
)

// routerConfig holds everything New needs before the Router exists.
type routerConfig struct {
	// Configuration source: a file path (watched for changes) or an
	// in-memory Config. Exactly one must be set.
	configFile string
	config     *config.Config

	// Logging
	logger *slog.Logger

	// Factory builds the adapter for each configured provider.
	factory adapter.Factory

	// Extra outcome sinks in addition to the built-in log sink.
	sinks []observability.Sink

	// Redis address for distributed rate limiting. Overrides the
	// configuration file when set.
	redisAddr string

	// Clock override for tests.
	clock func() time.Time
}

// Option is a function that configures the Router.
type Option func(*routerConfig)

// defaultRouterConfig returns the pre-option state.
func defaultRouterConfig() *routerConfig {
	return &routerConfig{
		factory: openailike.Factory,
		clock:   time.Now,
	}
}

// WithConfigFile loads configuration from path and watches it for changes.
// Edits to the file are applied live: providers are added, updated, and
// removed without dropping in-flight requests.
//
// Example:
//
//	router, err := polyroute.New(polyroute.WithConfigFile("polyroute.toml"))
func WithConfigFile(path string) Option {
	return func(c *routerConfig) {
		c.configFile = path
	}
}

// WithConfig supplies the configuration directly. The router runs on this
// snapshot; call Reload after mutating it to apply changes.
//
// Example:
//
//	cfg := polyroute.DefaultConfig()
//	cfg.Providers["openai-primary"] = polyroute.ProviderConfig{
//	    Endpoint:  "https://api.openai.com/v1",
//	    Models:    []string{"gpt-4o"},
//	    APIKeyEnv: "OPENAI_API_KEY",
//	}
//	router, err := polyroute.New(polyroute.WithConfig(cfg))
func WithConfig(cfg *config.Config) Option {
	return func(c *routerConfig) {
		c.config = cfg
	}
}

// WithLogger sets the logger for the router. When unset, a JSON logger at
// the configured level is built with credential redaction applied.
func WithLogger(logger *slog.Logger) Option {
	return func(c *routerConfig) {
		c.logger = logger
	}
}

// WithAdapterFactory replaces the default OpenAI-compatible adapter factory.
// Use this to plug in custom provider integrations or test doubles.
//
// Example:
//
//	factory := func(desc polyroute.ProviderDescriptor, apiKey string) (polyroute.Adapter, error) {
//	    return myadapter.New(desc, apiKey)
//	}
//	router, err := polyroute.New(
//	    polyroute.WithConfigFile("polyroute.toml"),
//	    polyroute.WithAdapterFactory(factory),
//	)
func WithAdapterFactory(factory adapter.Factory) Option {
	return func(c *routerConfig) {
		c.factory = factory
	}
}

// WithOutcomeSink registers an additional sink that receives one
// OutcomeEvent per terminal routing outcome. Sinks run on the request path
// and must not block; the router closes them on shutdown.
//
// Example:
//
//	router, err := polyroute.New(
//	    polyroute.WithConfigFile("polyroute.toml"),
//	    polyroute.WithOutcomeSink(auditSink),
//	)
func WithOutcomeSink(sink observability.Sink) Option {
	return func(c *routerConfig) {
		c.sinks = append(c.sinks, sink)
	}
}

// WithRedisLimiter switches rate limiting to Redis-backed sliding windows
// so limits hold across router instances. Overrides the redis_addr
// configuration key.
//
// Example:
//
//	router, err := polyroute.New(
//	    polyroute.WithConfigFile("polyroute.toml"),
//	    polyroute.WithRedisLimiter("localhost:6379"),
//	)
func WithRedisLimiter(addr string) Option {
	return func(c *routerConfig) {
		c.redisAddr = addr
	}
}

// WithClock overrides the router's time source. Tests use this to drive
// breaker recovery and telemetry windows deterministically.
func WithClock(clock func() time.Time) Option {
	return func(c *routerConfig) {
		c.clock = clock
	}
}

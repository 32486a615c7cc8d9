// Package config loads and validates router configuration with hot-reload
// support. Files are TOML by default (YAML accepted by extension); fsnotify
// watches for changes and swaps the parsed config atomically.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/polyroute/polyroute/pkg/types"
)

// Config is the complete router configuration.
type Config struct {
	Providers     map[string]ProviderConfig `toml:"providers" yaml:"providers"`
	Policy        PolicyConfig              `toml:"policy" yaml:"policy"`
	RateLimit     RateLimitConfig           `toml:"ratelimit" yaml:"ratelimit"`
	Breaker       BreakerConfig             `toml:"breaker" yaml:"breaker"`
	Health        HealthConfig              `toml:"health" yaml:"health"`
	Limits        LimitsConfig              `toml:"limits" yaml:"limits"`
	Telemetry     TelemetryConfig           `toml:"telemetry" yaml:"telemetry"`
	Server        ServerConfig              `toml:"server" yaml:"server"`
	Observability ObservabilityConfig       `toml:"observability" yaml:"observability"`
	Secrets       SecretsConfig             `toml:"secrets" yaml:"secrets"`
}

// ProviderConfig is one provider table entry, keyed by provider ID.
type ProviderConfig struct {
	Endpoint           string   `toml:"endpoint" yaml:"endpoint"`
	APIKeyEnv          string   `toml:"api_key_env" yaml:"api_key_env"`
	Models             []string `toml:"models" yaml:"models"`
	Capabilities       []string `toml:"capabilities" yaml:"capabilities"`
	DefaultTimeoutMS   int      `toml:"default_timeout_ms" yaml:"default_timeout_ms"`
	MaxConcurrent      int      `toml:"max_concurrent" yaml:"max_concurrent"`
	CostPerTokenInput  float64  `toml:"cost_per_token_input" yaml:"cost_per_token_input"`
	CostPerTokenOutput float64  `toml:"cost_per_token_output" yaml:"cost_per_token_output"`
	Status             string   `toml:"status" yaml:"status"`
}

// Descriptor maps the table entry to the runtime descriptor, applying
// per-provider defaults.
func (p ProviderConfig) Descriptor(id string) types.ProviderDescriptor {
	timeout := time.Duration(p.DefaultTimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	maxConcurrent := p.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 10
	}
	status := types.ProviderStatus(p.Status)
	if p.Status == "" {
		status = types.StatusActive
	}
	return types.ProviderDescriptor{
		ID:                 id,
		Endpoint:           p.Endpoint,
		APIKeyEnv:          p.APIKeyEnv,
		Models:             append([]string(nil), p.Models...),
		Capabilities:       append([]string(nil), p.Capabilities...),
		DefaultTimeout:     timeout,
		MaxConcurrent:      maxConcurrent,
		CostPerTokenInput:  p.CostPerTokenInput,
		CostPerTokenOutput: p.CostPerTokenOutput,
		Status:             status,
	}
}

// PolicyConfig selects and tunes the routing policy.
type PolicyConfig struct {
	Default    string                   `toml:"default" yaml:"default"`
	ChainDepth int                      `toml:"chain_depth" yaml:"chain_depth"`
	Weights    map[string]WeightsConfig `toml:"weights" yaml:"weights"`

	// DefaultCostBudget anchors cost scoring, in USD per request, for
	// requests that do not carry their own cost_budget.
	DefaultCostBudget float64 `toml:"default_cost_budget" yaml:"default_cost_budget"`
}

// WeightsConfig is one scoring weight triple. The three weights must sum
// to one.
type WeightsConfig struct {
	Latency     float64 `toml:"latency" yaml:"latency"`
	Cost        float64 `toml:"cost" yaml:"cost"`
	Reliability float64 `toml:"reliability" yaml:"reliability"`
}

// RateLimitConfig sets the per-identity quotas.
type RateLimitConfig struct {
	PerMinute            int    `toml:"per_minute" yaml:"per_minute"`
	PerHour              int    `toml:"per_hour" yaml:"per_hour"`
	PerDay               int    `toml:"per_day" yaml:"per_day"`
	Burst                int    `toml:"burst" yaml:"burst"`
	RedisAddr            string `toml:"redis_addr" yaml:"redis_addr"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds" yaml:"sweep_interval_seconds"`
}

// SweepInterval returns the sweep cadence as a duration.
func (r RateLimitConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalSeconds) * time.Second
}

// BreakerConfig tunes the per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold         int `toml:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeoutMS        int `toml:"recovery_timeout_ms" yaml:"recovery_timeout_ms"`
	HalfOpenSuccessThreshold int `toml:"half_open_success_threshold" yaml:"half_open_success_threshold"`
	AuthCooldownMS           int `toml:"auth_cooldown_ms" yaml:"auth_cooldown_ms"`
}

// RecoveryTimeout returns the open-state hold as a duration.
func (b BreakerConfig) RecoveryTimeout() time.Duration {
	return time.Duration(b.RecoveryTimeoutMS) * time.Millisecond
}

// AuthCooldown returns the auth-block hold as a duration.
func (b BreakerConfig) AuthCooldown() time.Duration {
	return time.Duration(b.AuthCooldownMS) * time.Millisecond
}

// HealthConfig tunes health caching and probing.
type HealthConfig struct {
	TTLSeconds            int `toml:"ttl_seconds" yaml:"ttl_seconds"`
	ProbeTimeoutMS        int `toml:"probe_timeout_ms" yaml:"probe_timeout_ms"`
	WarmupIntervalSeconds int `toml:"warmup_interval_seconds" yaml:"warmup_interval_seconds"`
}

// TTL returns the health sample lifetime.
func (h HealthConfig) TTL() time.Duration {
	return time.Duration(h.TTLSeconds) * time.Second
}

// ProbeTimeout returns the per-probe budget.
func (h HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(h.ProbeTimeoutMS) * time.Millisecond
}

// WarmupInterval returns the minimum spacing between warm-up rounds.
func (h HealthConfig) WarmupInterval() time.Duration {
	return time.Duration(h.WarmupIntervalSeconds) * time.Second
}

// LimitsConfig bounds dispatch timing, retries and per-request token
// demand.
type LimitsConfig struct {
	GlobalTimeoutMS   int `toml:"global_timeout_ms" yaml:"global_timeout_ms"`
	FastPathTimeoutMS int `toml:"fast_path_timeout_ms" yaml:"fast_path_timeout_ms"`
	MaxRetries        int `toml:"max_retries" yaml:"max_retries"`
	BackoffBaseMS     int `toml:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffJitterMS   int `toml:"backoff_jitter_ms" yaml:"backoff_jitter_ms"`
	BackoffCapMS      int `toml:"backoff_cap_ms" yaml:"backoff_cap_ms"`

	// MaxRequestTokens caps estimated prompt tokens plus max_tokens for
	// one request.
	MaxRequestTokens int `toml:"max_request_tokens" yaml:"max_request_tokens"`
}

// GlobalTimeout returns the overall request budget.
func (l LimitsConfig) GlobalTimeout() time.Duration {
	return time.Duration(l.GlobalTimeoutMS) * time.Millisecond
}

// FastPathTimeout returns the budget for simple-prompt requests.
func (l LimitsConfig) FastPathTimeout() time.Duration {
	return time.Duration(l.FastPathTimeoutMS) * time.Millisecond
}

// BackoffBase returns the first retry delay.
func (l LimitsConfig) BackoffBase() time.Duration {
	return time.Duration(l.BackoffBaseMS) * time.Millisecond
}

// BackoffJitter returns the random extra per retry delay.
func (l LimitsConfig) BackoffJitter() time.Duration {
	return time.Duration(l.BackoffJitterMS) * time.Millisecond
}

// BackoffCap returns the retry delay ceiling.
func (l LimitsConfig) BackoffCap() time.Duration {
	return time.Duration(l.BackoffCapMS) * time.Millisecond
}

// TelemetryConfig sizes the per-provider outcome windows.
type TelemetryConfig struct {
	WindowSize int `toml:"window_size" yaml:"window_size"`
	RecentN    int `toml:"recent_n" yaml:"recent_n"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen          string   `toml:"listen" yaml:"listen"`
	MetricsListen   string   `toml:"metrics_listen" yaml:"metrics_listen"`
	ReadTimeoutMS   int      `toml:"read_timeout_ms" yaml:"read_timeout_ms"`
	WriteTimeoutMS  int      `toml:"write_timeout_ms" yaml:"write_timeout_ms"`
	ShutdownGraceMS int      `toml:"shutdown_grace_ms" yaml:"shutdown_grace_ms"`
	TrustedProxies  []string `toml:"trusted_proxies" yaml:"trusted_proxies"`
	InboundRPS      float64  `toml:"inbound_rps" yaml:"inbound_rps"`
	InboundBurst    int      `toml:"inbound_burst" yaml:"inbound_burst"`
}

// ReadTimeout returns the server read budget.
func (s ServerConfig) ReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the server write budget.
func (s ServerConfig) WriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutMS) * time.Millisecond
}

// ShutdownGrace returns the drain budget on shutdown.
func (s ServerConfig) ShutdownGrace() time.Duration {
	return time.Duration(s.ShutdownGraceMS) * time.Millisecond
}

// ObservabilityConfig contains logging, tracing and outcome export settings.
type ObservabilityConfig struct {
	LogLevel        string  `toml:"log_level" yaml:"log_level"`
	LogFormat       string  `toml:"log_format" yaml:"log_format"`
	ServiceName     string  `toml:"service_name" yaml:"service_name"`
	OTLPEndpoint    string  `toml:"otlp_endpoint" yaml:"otlp_endpoint"`
	TraceSampleRate float64 `toml:"trace_sample_rate" yaml:"trace_sample_rate"`
	OTLPInsecure    bool    `toml:"otlp_insecure" yaml:"otlp_insecure"`

	S3Bucket               string `toml:"s3_bucket" yaml:"s3_bucket"`
	S3Region               string `toml:"s3_region" yaml:"s3_region"`
	S3Prefix               string `toml:"s3_prefix" yaml:"s3_prefix"`
	S3FlushIntervalSeconds int    `toml:"s3_flush_interval_seconds" yaml:"s3_flush_interval_seconds"`
}

// S3FlushInterval returns the outcome export cadence.
func (o ObservabilityConfig) S3FlushInterval() time.Duration {
	return time.Duration(o.S3FlushIntervalSeconds) * time.Second
}

// SecretsConfig selects secret backends beyond the env default.
type SecretsConfig struct {
	CacheTTLSeconds int         `toml:"cache_ttl_seconds" yaml:"cache_ttl_seconds"`
	Vault           VaultConfig `toml:"vault" yaml:"vault"`
}

// CacheTTL returns the secret cache lifetime.
func (s SecretsConfig) CacheTTL() time.Duration {
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// VaultConfig enables the vault:// secret scheme.
type VaultConfig struct {
	Enabled    bool   `toml:"enabled" yaml:"enabled"`
	Address    string `toml:"address" yaml:"address"`
	AuthMethod string `toml:"auth_method" yaml:"auth_method"`
	Token      string `toml:"token" yaml:"token"`
	RoleID     string `toml:"role_id" yaml:"role_id"`
	SecretID   string `toml:"secret_id" yaml:"secret_id"`
	CACert     string `toml:"ca_cert" yaml:"ca_cert"`
	ClientCert string `toml:"client_cert" yaml:"client_cert"`
	ClientKey  string `toml:"client_key" yaml:"client_key"`
}

// BuiltinPolicies are the weight presets the policy engine ships with.
var BuiltinPolicies = []string{"balanced", "latency_first", "cost_first"}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Providers: map[string]ProviderConfig{},
		Policy: PolicyConfig{
			Default:           "balanced",
			ChainDepth:        4,
			DefaultCostBudget: 0.02,
		},
		RateLimit: RateLimitConfig{
			PerMinute:            60,
			PerHour:              1000,
			PerDay:               10000,
			Burst:                10,
			SweepIntervalSeconds: 300,
		},
		Breaker: BreakerConfig{
			FailureThreshold:         5,
			RecoveryTimeoutMS:        30000,
			HalfOpenSuccessThreshold: 2,
			AuthCooldownMS:           600000,
		},
		Health: HealthConfig{
			TTLSeconds:            15,
			ProbeTimeoutMS:        3000,
			WarmupIntervalSeconds: 300,
		},
		Limits: LimitsConfig{
			GlobalTimeoutMS:   20000,
			FastPathTimeoutMS: 6000,
			MaxRetries:        2,
			BackoffBaseMS:     200,
			BackoffJitterMS:   200,
			BackoffCapMS:      2000,
			MaxRequestTokens:  16384,
		},
		Telemetry: TelemetryConfig{
			WindowSize: 1000,
			RecentN:    100,
		},
		Server: ServerConfig{
			Listen:          ":8080",
			MetricsListen:   ":9090",
			ReadTimeoutMS:   30000,
			WriteTimeoutMS:  120000,
			ShutdownGraceMS: 10000,
		},
		Observability: ObservabilityConfig{
			LogLevel:               "info",
			LogFormat:              "json",
			ServiceName:            "polyroute",
			TraceSampleRate:        1.0,
			OTLPInsecure:           true,
			S3FlushIntervalSeconds: 30,
		},
		Secrets: SecretsConfig{
			CacheTTLSeconds: 300,
		},
	}
}

// LoadFromFile reads and parses a configuration file. The format follows
// the extension: .yaml/.yml parse as YAML, everything else as TOML.
// ${VAR} references are expanded from the environment before parsing.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes raw config bytes onto the defaults and validates the result.
func Parse(data []byte, ext string) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := toml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}

	for id, p := range c.Providers {
		if id == "" {
			return fmt.Errorf("provider table keys must be non-empty")
		}
		if p.Endpoint == "" {
			return fmt.Errorf("provider %q: endpoint is required", id)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("provider %q: at least one model must be configured", id)
		}
		seen := make(map[string]struct{}, len(p.Models))
		for _, m := range p.Models {
			if m == "" {
				return fmt.Errorf("provider %q: model names must be non-empty", id)
			}
			if _, dup := seen[m]; dup {
				return fmt.Errorf("provider %q: model %q listed twice", id, m)
			}
			seen[m] = struct{}{}
		}
		if p.DefaultTimeoutMS < 0 {
			return fmt.Errorf("provider %q: default_timeout_ms cannot be negative", id)
		}
		if p.MaxConcurrent < 0 {
			return fmt.Errorf("provider %q: max_concurrent cannot be negative", id)
		}
		if p.CostPerTokenInput < 0 || p.CostPerTokenOutput < 0 {
			return fmt.Errorf("provider %q: token costs cannot be negative", id)
		}
		if p.Status != "" && !types.ProviderStatus(p.Status).Valid() {
			return fmt.Errorf("provider %q: unknown status %q", id, p.Status)
		}
	}

	if c.Policy.ChainDepth < 1 {
		return fmt.Errorf("policy.chain_depth must be at least 1")
	}
	if c.Policy.DefaultCostBudget < 0 {
		return fmt.Errorf("policy.default_cost_budget cannot be negative")
	}
	if !c.policyKnown(c.Policy.Default) {
		return fmt.Errorf("policy.default %q is not a builtin policy or a configured weight set", c.Policy.Default)
	}
	for name, w := range c.Policy.Weights {
		sum := w.Latency + w.Cost + w.Reliability
		if math.Abs(sum-1.0) > 0.001 {
			return fmt.Errorf("policy.weights.%s: weights sum to %.3f, want 1.0", name, sum)
		}
		if w.Latency < 0 || w.Cost < 0 || w.Reliability < 0 {
			return fmt.Errorf("policy.weights.%s: weights cannot be negative", name)
		}
	}

	if c.RateLimit.PerMinute < 0 || c.RateLimit.PerHour < 0 ||
		c.RateLimit.PerDay < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("ratelimit windows cannot be negative")
	}

	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}
	if c.Breaker.HalfOpenSuccessThreshold < 1 {
		return fmt.Errorf("breaker.half_open_success_threshold must be at least 1")
	}
	if c.Breaker.RecoveryTimeoutMS < 0 || c.Breaker.AuthCooldownMS < 0 {
		return fmt.Errorf("breaker timings cannot be negative")
	}

	if c.Health.TTLSeconds < 1 {
		return fmt.Errorf("health.ttl_seconds must be at least 1")
	}
	if c.Health.ProbeTimeoutMS < 1 {
		return fmt.Errorf("health.probe_timeout_ms must be at least 1")
	}

	if c.Limits.GlobalTimeoutMS < 1 {
		return fmt.Errorf("limits.global_timeout_ms must be at least 1")
	}
	if c.Limits.MaxRetries < 0 {
		return fmt.Errorf("limits.max_retries cannot be negative")
	}
	if c.Limits.MaxRequestTokens < 1 {
		return fmt.Errorf("limits.max_request_tokens must be at least 1")
	}

	if c.Telemetry.WindowSize < 1 {
		return fmt.Errorf("telemetry.window_size must be at least 1")
	}

	if c.Observability.TraceSampleRate < 0 || c.Observability.TraceSampleRate > 1 {
		return fmt.Errorf("observability.trace_sample_rate must be within [0, 1]")
	}

	return nil
}

func (c *Config) policyKnown(name string) bool {
	for _, p := range BuiltinPolicies {
		if p == name {
			return true
		}
	}
	_, ok := c.Policy.Weights[name]
	return ok
}

// EnvEnabledOverride reports the <PROVIDER_ID>_ENABLED override for a
// provider. The ID is upper-snaked: "openai-main" reads OPENAI_MAIN_ENABLED.
// The second return is false when the variable is unset or unparseable.
func EnvEnabledOverride(id string) (enabled, present bool) {
	key := envKey(id) + "_ENABLED"
	val, ok := os.LookupEnv(key)
	if !ok {
		return false, false
	}
	switch val {
	case "1", "true", "TRUE", "True":
		return true, true
	case "0", "false", "FALSE", "False":
		return false, true
	default:
		return false, false
	}
}

func envKey(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

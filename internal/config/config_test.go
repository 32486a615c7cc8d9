package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Policy.Default != "balanced" {
		t.Errorf("default policy = %s, want balanced", cfg.Policy.Default)
	}
	if cfg.Policy.ChainDepth != 4 {
		t.Errorf("default chain depth = %d, want 4", cfg.Policy.ChainDepth)
	}
	if cfg.RateLimit.PerMinute != 60 || cfg.RateLimit.PerHour != 1000 ||
		cfg.RateLimit.PerDay != 10000 || cfg.RateLimit.Burst != 10 {
		t.Errorf("default ratelimit = %+v", cfg.RateLimit)
	}
	if cfg.Breaker.FailureThreshold != 5 {
		t.Errorf("default failure threshold = %d, want 5", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.RecoveryTimeout() != 30*time.Second {
		t.Errorf("default recovery timeout = %v, want 30s", cfg.Breaker.RecoveryTimeout())
	}
	if cfg.Breaker.AuthCooldown() != 10*time.Minute {
		t.Errorf("default auth cooldown = %v, want 10m", cfg.Breaker.AuthCooldown())
	}
	if cfg.Health.TTL() != 15*time.Second {
		t.Errorf("default health ttl = %v, want 15s", cfg.Health.TTL())
	}
	if cfg.Health.ProbeTimeout() != 3*time.Second {
		t.Errorf("default probe timeout = %v, want 3s", cfg.Health.ProbeTimeout())
	}
	if cfg.Limits.GlobalTimeout() != 20*time.Second {
		t.Errorf("default global timeout = %v, want 20s", cfg.Limits.GlobalTimeout())
	}
	if cfg.Limits.FastPathTimeout() != 6*time.Second {
		t.Errorf("default fast path timeout = %v, want 6s", cfg.Limits.FastPathTimeout())
	}
	if cfg.Limits.MaxRetries != 2 {
		t.Errorf("default max retries = %d, want 2", cfg.Limits.MaxRetries)
	}
	if cfg.Limits.MaxRequestTokens != 16384 {
		t.Errorf("default max request tokens = %d, want 16384", cfg.Limits.MaxRequestTokens)
	}
	if cfg.Policy.DefaultCostBudget != 0.02 {
		t.Errorf("default cost budget = %v, want 0.02", cfg.Policy.DefaultCostBudget)
	}
	if cfg.Telemetry.WindowSize != 1000 || cfg.Telemetry.RecentN != 100 {
		t.Errorf("default telemetry = %+v", cfg.Telemetry)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("default listen = %s, want :8080", cfg.Server.Listen)
	}
}

func validBase() *Config {
	cfg := DefaultConfig()
	cfg.Providers = map[string]ProviderConfig{
		"openai-main": {
			Endpoint:  "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
			Models:    []string{"gpt-4o", "gpt-4o-mini"},
		},
	}
	return cfg
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "no providers",
			mutate:  func(c *Config) { c.Providers = nil },
			wantErr: "at least one provider",
		},
		{
			name: "missing endpoint",
			mutate: func(c *Config) {
				p := c.Providers["openai-main"]
				p.Endpoint = ""
				c.Providers["openai-main"] = p
			},
			wantErr: "endpoint is required",
		},
		{
			name: "missing models",
			mutate: func(c *Config) {
				p := c.Providers["openai-main"]
				p.Models = nil
				c.Providers["openai-main"] = p
			},
			wantErr: "at least one model",
		},
		{
			name: "duplicate model",
			mutate: func(c *Config) {
				p := c.Providers["openai-main"]
				p.Models = []string{"gpt-4o", "gpt-4o"}
				c.Providers["openai-main"] = p
			},
			wantErr: "listed twice",
		},
		{
			name: "unknown status",
			mutate: func(c *Config) {
				p := c.Providers["openai-main"]
				p.Status = "offline"
				c.Providers["openai-main"] = p
			},
			wantErr: "unknown status",
		},
		{
			name: "negative timeout",
			mutate: func(c *Config) {
				p := c.Providers["openai-main"]
				p.DefaultTimeoutMS = -1
				c.Providers["openai-main"] = p
			},
			wantErr: "default_timeout_ms",
		},
		{
			name:    "unknown default policy",
			mutate:  func(c *Config) { c.Policy.Default = "cheapest" },
			wantErr: "not a builtin policy",
		},
		{
			name: "custom weight set usable as default",
			mutate: func(c *Config) {
				c.Policy.Default = "mostly_cost"
				c.Policy.Weights = map[string]WeightsConfig{
					"mostly_cost": {Latency: 0.1, Cost: 0.8, Reliability: 0.1},
				}
			},
		},
		{
			name:    "chain depth zero",
			mutate:  func(c *Config) { c.Policy.ChainDepth = 0 },
			wantErr: "chain_depth",
		},
		{
			name: "weights do not sum to one",
			mutate: func(c *Config) {
				c.Policy.Weights = map[string]WeightsConfig{
					"skewed": {Latency: 0.5, Cost: 0.5, Reliability: 0.5},
				}
			},
			wantErr: "sum to 1.500",
		},
		{
			name: "weights within tolerance",
			mutate: func(c *Config) {
				c.Policy.Weights = map[string]WeightsConfig{
					"close": {Latency: 0.333, Cost: 0.333, Reliability: 0.3335},
				}
			},
		},
		{
			name: "negative weight",
			mutate: func(c *Config) {
				c.Policy.Weights = map[string]WeightsConfig{
					"bad": {Latency: -0.2, Cost: 0.6, Reliability: 0.6},
				}
			},
			wantErr: "cannot be negative",
		},
		{
			name:    "negative default cost budget",
			mutate:  func(c *Config) { c.Policy.DefaultCostBudget = -0.01 },
			wantErr: "default_cost_budget",
		},
		{
			name:    "max request tokens zero",
			mutate:  func(c *Config) { c.Limits.MaxRequestTokens = 0 },
			wantErr: "max_request_tokens",
		},
		{
			name:    "negative ratelimit",
			mutate:  func(c *Config) { c.RateLimit.PerMinute = -1 },
			wantErr: "ratelimit",
		},
		{
			name:    "breaker threshold zero",
			mutate:  func(c *Config) { c.Breaker.FailureThreshold = 0 },
			wantErr: "failure_threshold",
		},
		{
			name:    "half open threshold zero",
			mutate:  func(c *Config) { c.Breaker.HalfOpenSuccessThreshold = 0 },
			wantErr: "half_open_success_threshold",
		},
		{
			name:    "sample rate above one",
			mutate:  func(c *Config) { c.Observability.TraceSampleRate = 1.5 },
			wantErr: "trace_sample_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Run("valid toml", func(t *testing.T) {
		path := writeTempConfig(t, "config.toml", `
[providers.openai-main]
endpoint = "https://api.openai.com/v1"
api_key_env = "OPENAI_API_KEY"
models = ["gpt-4o", "gpt-4o-mini"]
capabilities = ["tools", "json_mode"]
default_timeout_ms = 12000
max_concurrent = 8
cost_per_token_input = 0.0000025
cost_per_token_output = 0.00001

[policy]
default = "latency_first"
chain_depth = 3

[ratelimit]
per_minute = 30

[server]
listen = ":8088"
`)

		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}

		p, ok := cfg.Providers["openai-main"]
		if !ok {
			t.Fatalf("provider openai-main missing, got %v", cfg.Providers)
		}
		if p.Endpoint != "https://api.openai.com/v1" {
			t.Errorf("endpoint = %s", p.Endpoint)
		}
		if len(p.Models) != 2 || p.Models[0] != "gpt-4o" {
			t.Errorf("models = %v", p.Models)
		}
		if cfg.Policy.Default != "latency_first" {
			t.Errorf("policy = %s, want latency_first", cfg.Policy.Default)
		}
		if cfg.Policy.ChainDepth != 3 {
			t.Errorf("chain depth = %d, want 3", cfg.Policy.ChainDepth)
		}
		if cfg.RateLimit.PerMinute != 30 {
			t.Errorf("per_minute = %d, want 30", cfg.RateLimit.PerMinute)
		}
		// Untouched sections keep their defaults.
		if cfg.RateLimit.PerHour != 1000 {
			t.Errorf("per_hour = %d, want default 1000", cfg.RateLimit.PerHour)
		}
		if cfg.Server.Listen != ":8088" {
			t.Errorf("listen = %s, want :8088", cfg.Server.Listen)
		}
	})

	t.Run("valid yaml by extension", func(t *testing.T) {
		path := writeTempConfig(t, "config.yaml", `
providers:
  local-llama:
    endpoint: http://localhost:11434/v1
    models:
      - llama3
    capabilities:
      - local
policy:
  default: cost_first
`)

		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}
		if _, ok := cfg.Providers["local-llama"]; !ok {
			t.Fatalf("provider local-llama missing, got %v", cfg.Providers)
		}
		if cfg.Policy.Default != "cost_first" {
			t.Errorf("policy = %s, want cost_first", cfg.Policy.Default)
		}
	})

	t.Run("environment variable expansion", func(t *testing.T) {
		t.Setenv("TEST_ENDPOINT", "https://eu.example.com/v1")

		path := writeTempConfig(t, "config.toml", `
[providers.eu-gateway]
endpoint = "${TEST_ENDPOINT}"
models = ["gpt-4o"]
`)

		cfg, err := LoadFromFile(path)
		if err != nil {
			t.Fatalf("LoadFromFile() error = %v", err)
		}
		if got := cfg.Providers["eu-gateway"].Endpoint; got != "https://eu.example.com/v1" {
			t.Errorf("endpoint = %s, want expanded value", got)
		}
	})

	t.Run("file not found", func(t *testing.T) {
		if _, err := LoadFromFile("/nonexistent/path/config.toml"); err == nil {
			t.Error("expected error for nonexistent file")
		}
	})

	t.Run("invalid toml", func(t *testing.T) {
		path := writeTempConfig(t, "config.toml", `[providers.x`)
		if _, err := LoadFromFile(path); err == nil {
			t.Error("expected error for invalid toml")
		}
	})

	t.Run("validation failure surfaces", func(t *testing.T) {
		path := writeTempConfig(t, "config.toml", `
[policy]
default = "balanced"
`)
		_, err := LoadFromFile(path)
		if err == nil {
			t.Fatal("expected validation error for empty providers")
		}
		if !strings.Contains(err.Error(), "at least one provider") {
			t.Fatalf("error = %v, want provider validation failure", err)
		}
	})
}

func TestProviderConfigDescriptor(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		p := ProviderConfig{
			Endpoint: "https://api.example.com/v1",
			Models:   []string{"m1"},
		}
		d := p.Descriptor("example")

		if d.ID != "example" {
			t.Errorf("id = %s", d.ID)
		}
		if d.DefaultTimeout != 10*time.Second {
			t.Errorf("timeout = %v, want 10s default", d.DefaultTimeout)
		}
		if d.MaxConcurrent != 10 {
			t.Errorf("max concurrent = %d, want 10 default", d.MaxConcurrent)
		}
		if d.Status != "active" {
			t.Errorf("status = %s, want active default", d.Status)
		}
	})

	t.Run("explicit values kept", func(t *testing.T) {
		p := ProviderConfig{
			Endpoint:         "https://api.example.com/v1",
			Models:           []string{"m1"},
			DefaultTimeoutMS: 2500,
			MaxConcurrent:    3,
			Status:           "degraded",
		}
		d := p.Descriptor("example")

		if d.DefaultTimeout != 2500*time.Millisecond {
			t.Errorf("timeout = %v, want 2.5s", d.DefaultTimeout)
		}
		if d.MaxConcurrent != 3 {
			t.Errorf("max concurrent = %d, want 3", d.MaxConcurrent)
		}
		if d.Status != "degraded" {
			t.Errorf("status = %s, want degraded", d.Status)
		}
	})

	t.Run("model slice independent", func(t *testing.T) {
		p := ProviderConfig{
			Endpoint: "https://api.example.com/v1",
			Models:   []string{"m1"},
		}
		d := p.Descriptor("example")
		d.Models[0] = "changed"
		if p.Models[0] != "m1" {
			t.Error("descriptor shares model slice with config")
		}
	})
}

func TestEnvEnabledOverride(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		t.Setenv("OPENAI_MAIN_ENABLED", "0")
		enabled, present := EnvEnabledOverride("openai-main")
		if !present || enabled {
			t.Fatalf("got (%v, %v), want (false, true)", enabled, present)
		}
	})

	t.Run("enabled", func(t *testing.T) {
		t.Setenv("OPENAI_MAIN_ENABLED", "1")
		enabled, present := EnvEnabledOverride("openai-main")
		if !present || !enabled {
			t.Fatalf("got (%v, %v), want (true, true)", enabled, present)
		}
	})

	t.Run("unset", func(t *testing.T) {
		os.Unsetenv("LOCAL_LLAMA_ENABLED")
		if _, present := EnvEnabledOverride("local-llama"); present {
			t.Fatal("expected present=false for unset variable")
		}
	})

	t.Run("unparseable ignored", func(t *testing.T) {
		t.Setenv("OPENAI_MAIN_ENABLED", "maybe")
		if _, present := EnvEnabledOverride("openai-main"); present {
			t.Fatal("expected present=false for unparseable value")
		}
	})
}

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

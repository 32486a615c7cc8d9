package config

import (
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

const managerConfig = `
[providers.openai-main]
endpoint = "https://api.openai.com/v1"
models = ["gpt-4o"]

[policy]
default = "balanced"
`

const managerConfigUpdated = `
[providers.openai-main]
endpoint = "https://api.openai.com/v1"
models = ["gpt-4o"]

[policy]
default = "cost_first"
`

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestManagerGet(t *testing.T) {
	path := writeTempConfig(t, "config.toml", managerConfig)

	mgr, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	if mgr.Get().Policy.Default != "balanced" {
		t.Fatalf("policy = %s, want balanced", mgr.Get().Policy.Default)
	}
	if mgr.LoadedAt().IsZero() {
		t.Fatal("LoadedAt() is zero")
	}
}

func TestManagerReload(t *testing.T) {
	path := writeTempConfig(t, "config.toml", managerConfig)

	mgr, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	var notified atomic.Int32
	mgr.OnChange(func(cfg *Config) {
		if cfg.Policy.Default == "cost_first" {
			notified.Add(1)
		}
	})

	before := mgr.LoadedAt()

	if err := os.WriteFile(path, []byte(managerConfigUpdated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if mgr.Get().Policy.Default != "cost_first" {
		t.Fatalf("policy = %s, want cost_first after reload", mgr.Get().Policy.Default)
	}
	if !mgr.LoadedAt().After(before) {
		t.Fatal("LoadedAt() did not advance after reload")
	}
	if notified.Load() != 1 {
		t.Fatalf("OnChange fired %d times, want 1", notified.Load())
	}
}

func TestManagerReloadNotifiesEveryListener(t *testing.T) {
	path := writeTempConfig(t, "config.toml", managerConfig)

	mgr, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	var first, second atomic.Int32
	mgr.OnChange(func(*Config) { first.Add(1) })
	mgr.OnChange(func(*Config) { second.Add(1) })

	if err := os.WriteFile(path, []byte(managerConfigUpdated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	if first.Load() != 1 || second.Load() != 1 {
		t.Fatalf("listeners fired (%d, %d) times, want (1, 1)", first.Load(), second.Load())
	}
}

func TestManagerReloadKeepsCurrentOnError(t *testing.T) {
	path := writeTempConfig(t, "config.toml", managerConfig)

	mgr, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	if err := os.WriteFile(path, []byte(`[providers.broken`), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if err := mgr.Reload(); err == nil {
		t.Fatal("Reload() = nil, want parse error")
	}
	if mgr.Get().Policy.Default != "balanced" {
		t.Fatalf("policy = %s, want balanced kept after failed reload", mgr.Get().Policy.Default)
	}
}

func TestManagerWatch(t *testing.T) {
	path := writeTempConfig(t, "config.toml", managerConfig)

	mgr, err := NewManager(path, discardLogger())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	defer mgr.Close()

	if err := mgr.Watch(); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}

	if err := os.WriteFile(path, []byte(managerConfigUpdated), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for mgr.Get().Policy.Default != "cost_first" {
		select {
		case <-deadline:
			t.Fatal("config not reloaded within 5s of file change")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestStaticManager(t *testing.T) {
	cfg := validBase()
	mgr := NewStaticManager(cfg)
	defer mgr.Close()

	if mgr.Get() != cfg {
		t.Fatal("Get() did not return the wrapped config")
	}
	if err := mgr.Watch(); err != nil {
		t.Fatalf("Watch() on static manager error = %v", err)
	}
	if err := mgr.Reload(); err != nil {
		t.Fatalf("Reload() on static manager error = %v", err)
	}
}

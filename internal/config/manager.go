package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay batches editor write bursts into one reload.
const debounceDelay = 500 * time.Millisecond

// Manager holds the live configuration and reloads it when the backing
// file changes. Readers get a consistent snapshot via Get; a failed
// reload keeps the last good config.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	loaded  atomic.Int64

	mu       sync.Mutex
	onChange []func(*Config)
	debounce *time.Timer

	watcher *fsnotify.Watcher
	done    chan struct{}
	logger  *slog.Logger
}

// NewManager loads the file at path and returns a manager primed with it.
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		done:   make(chan struct{}),
		logger: logger,
	}
	m.current.Store(cfg)
	m.loaded.Store(time.Now().UnixNano())
	return m, nil
}

// NewStaticManager wraps an already-built config with no file backing.
// Watch is a no-op for static managers.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{
		done:   make(chan struct{}),
		logger: slog.Default(),
	}
	m.current.Store(cfg)
	m.loaded.Store(time.Now().UnixNano())
	return m
}

// Get returns the current configuration snapshot.
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// LoadedAt returns when the current snapshot was installed.
func (m *Manager) LoadedAt() time.Time {
	return time.Unix(0, m.loaded.Load())
}

// OnChange registers a callback invoked after every successful reload.
// Register callbacks before calling Watch.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// Watch starts watching the config file for changes.
func (m *Manager) Watch() error {
	if m.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}

	// Watch the directory rather than the file: editors and k8s
	// configmap updates replace the file inode.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	m.watcher = watcher
	go m.watchLoop()
	return nil
}

func (m *Manager) watchLoop() {
	base := filepath.Base(m.path)
	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != base {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.scheduleReload()

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)

		case <-m.done:
			return
		}
	}
}

func (m *Manager) scheduleReload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.debounce = time.AfterFunc(debounceDelay, func() {
		if err := m.Reload(); err != nil {
			m.logger.Error("config reload failed, keeping current config",
				"path", m.path, "error", err)
		}
	})
}

// Reload re-reads the backing file and installs the result. The current
// config stays in place when loading fails. Static managers reload to
// their existing snapshot.
func (m *Manager) Reload() error {
	if m.path == "" {
		m.loaded.Store(time.Now().UnixNano())
		return nil
	}

	cfg, err := LoadFromFile(m.path)
	if err != nil {
		return err
	}

	m.current.Store(cfg)
	m.loaded.Store(time.Now().UnixNano())
	m.logger.Info("config reloaded", "path", m.path,
		"providers", len(cfg.Providers))

	m.mu.Lock()
	listeners := append([]func(*Config){}, m.onChange...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Close stops the watcher and any pending reload.
func (m *Manager) Close() error {
	select {
	case <-m.done:
		return nil
	default:
	}
	close(m.done)

	m.mu.Lock()
	if m.debounce != nil {
		m.debounce.Stop()
	}
	m.mu.Unlock()

	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

// Package secret resolves provider credentials. A descriptor's api_key_env
// field is either a bare environment variable name or a scheme URI such as
// "env://OPENAI_API_KEY" or "vault://secret/data/openai#api_key"; the
// manager routes each reference to the resolver registered for its scheme.
package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Resolver fetches one secret value by reference.
type Resolver interface {
	// Resolve returns the secret for ref, with the scheme prefix already
	// stripped.
	Resolve(ctx context.Context, ref string) (string, error)

	// Close releases any resources held by the resolver.
	Close() error
}

// Manager routes secret references to resolvers by scheme. References
// without a scheme default to the env resolver, matching the field's name.
type Manager struct {
	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewManager creates an empty manager. Register at least the "env" resolver
// before resolving.
func NewManager() *Manager {
	return &Manager{resolvers: make(map[string]Resolver)}
}

// Register installs a resolver for a scheme such as "env" or "vault".
func (m *Manager) Register(scheme string, r Resolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolvers[scheme] = r
}

// Resolve routes ref to its scheme's resolver.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme := "env"
	rest := ref
	if parts := strings.SplitN(ref, "://", 2); len(parts) == 2 {
		scheme = parts[0]
		rest = parts[1]
	}

	m.mu.RLock()
	r, ok := m.resolvers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret resolver registered for scheme %q", scheme)
	}

	return r.Resolve(ctx, rest)
}

// Close closes all registered resolvers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, r := range m.resolvers {
		if err := r.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close resolvers: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Package registry tracks the live provider set. Each configured provider
// gets a Runtime bundling its descriptor, adapter, circuit breaker and
// bulkhead; lookups read an atomically swapped snapshot so routing never
// blocks on reload.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync/atomic"
	"time"

	"github.com/polyroute/polyroute/internal/breaker"
	"github.com/polyroute/polyroute/internal/bulkhead"
	"github.com/polyroute/polyroute/internal/config"
	"github.com/polyroute/polyroute/pkg/adapter"
	"github.com/polyroute/polyroute/pkg/types"
)

// WarmupCapability marks providers that benefit from periodic warm-up
// probes, typically local model servers that unload idle models.
const WarmupCapability = "local"

// SecretResolver resolves API key references into secret values.
type SecretResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Runtime is the live state the router tracks for one provider.
type Runtime struct {
	Descriptor types.ProviderDescriptor
	Adapter    adapter.Adapter
	Breaker    *breaker.Breaker
	Bulkhead   *bulkhead.Bulkhead

	// LoadError holds the construction failure that disabled this
	// provider, empty when the provider loaded cleanly.
	LoadError string
}

// Disabled reports whether the provider is excluded from routing.
func (r *Runtime) Disabled() bool {
	return r.Descriptor.Status == types.StatusDisabled
}

type snapshot struct {
	byID    map[string]*Runtime
	ordered []*Runtime
}

// LoadReport summarizes one Load call.
type LoadReport struct {
	Loaded   []string
	Carried  []string
	Disabled []string
	Removed  []string
}

// Config wires a Registry.
type Config struct {
	Factory         adapter.Factory
	Secrets         SecretResolver
	Breaker         breaker.Config
	HealthTTL       time.Duration
	ProbeTimeout    time.Duration
	WarmupInterval  time.Duration
	OnBreakerChange func(name string, from, to breaker.State)
	Logger          *slog.Logger
	Clock           func() time.Time
}

// Registry holds the current provider snapshot.
type Registry struct {
	cfg     Config
	current atomic.Pointer[snapshot]
	health  *HealthTracker
	logger  *slog.Logger
	clock   func() time.Time

	warmupLast    atomic.Int64
	warmupStarted atomic.Bool
}

// New creates an empty registry. Call Load to populate it.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	if cfg.WarmupInterval <= 0 {
		cfg.WarmupInterval = 300 * time.Second
	}

	r := &Registry{
		cfg:    cfg,
		logger: logger,
		clock:  clock,
	}
	r.health = newHealthTracker(cfg.HealthTTL, cfg.ProbeTimeout, logger, clock)
	r.current.Store(&snapshot{byID: map[string]*Runtime{}})
	return r
}

// Load builds runtimes for the given provider tables and swaps them in.
// A provider whose adapter or secret cannot be constructed is kept in the
// snapshot as disabled with the error retained, so one bad entry never
// blocks the rest. Providers whose descriptor is unchanged since the last
// load carry their runtime over, preserving breaker and bulkhead state.
func (r *Registry) Load(ctx context.Context, providers map[string]config.ProviderConfig) (LoadReport, error) {
	prior := r.current.Load()
	next := &snapshot{byID: make(map[string]*Runtime, len(providers))}
	var report LoadReport

	ids := make([]string, 0, len(providers))
	for id := range providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		desc := providers[id].Descriptor(id)
		if enabled, present := config.EnvEnabledOverride(id); present {
			if enabled {
				desc.Status = types.StatusActive
			} else {
				desc.Status = types.StatusDisabled
			}
		}

		if old, ok := prior.byID[id]; ok && old.LoadError == "" &&
			reflect.DeepEqual(old.Descriptor, desc) {
			next.byID[id] = old
			report.Carried = append(report.Carried, id)
			if old.Disabled() {
				report.Disabled = append(report.Disabled, id)
			}
			continue
		}

		rt := r.buildRuntime(ctx, desc)
		next.byID[id] = rt
		if rt.LoadError != "" {
			r.logger.Warn("provider disabled at load",
				"provider", id, "error", rt.LoadError)
		}
		if rt.Disabled() {
			report.Disabled = append(report.Disabled, id)
		} else {
			report.Loaded = append(report.Loaded, id)
		}
	}

	for id := range prior.byID {
		if _, ok := next.byID[id]; !ok {
			report.Removed = append(report.Removed, id)
			r.health.Forget(id)
		}
	}
	sort.Strings(report.Removed)

	next.ordered = make([]*Runtime, 0, len(next.byID))
	for _, id := range ids {
		next.ordered = append(next.ordered, next.byID[id])
	}

	r.current.Store(next)
	if len(next.byID) > 0 && countDisabled(next) == len(next.byID) {
		return report, fmt.Errorf("all %d providers disabled at load", len(next.byID))
	}
	return report, nil
}

func countDisabled(s *snapshot) int {
	n := 0
	for _, rt := range s.byID {
		if rt.Disabled() {
			n++
		}
	}
	return n
}

func (r *Registry) buildRuntime(ctx context.Context, desc types.ProviderDescriptor) *Runtime {
	rt := &Runtime{Descriptor: desc}

	if desc.Status == types.StatusDisabled {
		return rt
	}

	var apiKey string
	if desc.APIKeyEnv != "" {
		if r.cfg.Secrets == nil {
			rt.Descriptor.Status = types.StatusDisabled
			rt.LoadError = "no secret resolver configured"
			return rt
		}
		key, err := r.cfg.Secrets.Resolve(ctx, desc.APIKeyEnv)
		if err != nil {
			rt.Descriptor.Status = types.StatusDisabled
			rt.LoadError = fmt.Sprintf("resolve api key: %v", err)
			return rt
		}
		apiKey = key
	}

	ad, err := r.cfg.Factory(desc, apiKey)
	if err != nil {
		rt.Descriptor.Status = types.StatusDisabled
		rt.LoadError = fmt.Sprintf("build adapter: %v", err)
		return rt
	}

	brkCfg := r.cfg.Breaker
	brkCfg.Clock = r.clock
	brk := breaker.New(desc.ID, brkCfg)
	if r.cfg.OnBreakerChange != nil {
		brk.OnStateChange(r.cfg.OnBreakerChange)
	}

	rt.Adapter = ad
	rt.Breaker = brk
	rt.Bulkhead = bulkhead.New(desc.MaxConcurrent)
	return rt
}

// Get returns the runtime for a provider ID.
func (r *Registry) Get(id string) (*Runtime, bool) {
	rt, ok := r.current.Load().byID[id]
	return rt, ok
}

// List returns all runtimes ordered by provider ID.
func (r *Registry) List() []*Runtime {
	cur := r.current.Load()
	out := make([]*Runtime, len(cur.ordered))
	copy(out, cur.ordered)
	return out
}

// Filter narrows Select results. Zero-valued fields match every runtime.
type Filter struct {
	Model      string
	Capability string
	Status     types.ProviderStatus
}

func (f Filter) matches(rt *Runtime) bool {
	if f.Model != "" && !rt.Descriptor.SupportsModel(f.Model) {
		return false
	}
	if f.Capability != "" && !rt.Descriptor.HasCapability(f.Capability) {
		return false
	}
	if f.Status != "" && rt.Descriptor.Status != f.Status {
		return false
	}
	return true
}

// Select returns the runtimes matching the filter, ordered by provider ID.
func (r *Registry) Select(f Filter) []*Runtime {
	cur := r.current.Load()
	out := make([]*Runtime, 0, len(cur.ordered))
	for _, rt := range cur.ordered {
		if f.matches(rt) {
			out = append(out, rt)
		}
	}
	return out
}

// HealthyProviders returns the runtimes ready to take traffic: enabled,
// passing their health probe (cached, probing on expiry), and with a
// breaker admitting calls.
func (r *Registry) HealthyProviders(ctx context.Context) []*Runtime {
	cur := r.current.Load()
	out := make([]*Runtime, 0, len(cur.ordered))
	for _, rt := range cur.ordered {
		if rt.Disabled() || rt.Adapter == nil {
			continue
		}
		if !r.health.Check(ctx, rt).Healthy {
			continue
		}
		if rt.Breaker.Open() || rt.Breaker.AuthBlocked() {
			continue
		}
		out = append(out, rt)
	}
	return out
}

// IDs returns all provider IDs in order.
func (r *Registry) IDs() []string {
	cur := r.current.Load()
	out := make([]string, 0, len(cur.ordered))
	for _, rt := range cur.ordered {
		out = append(out, rt.Descriptor.ID)
	}
	return out
}

// Len returns the number of tracked providers.
func (r *Registry) Len() int {
	return len(r.current.Load().byID)
}

// Health exposes the health tracker.
func (r *Registry) Health() *HealthTracker {
	return r.health
}

// WarmUp probes providers carrying the warm-up capability so local model
// servers keep their models resident. Rounds are spaced at least the
// warm-up interval apart; early calls return zero without probing.
func (r *Registry) WarmUp(ctx context.Context) int {
	now := r.clock().UnixNano()
	last := r.warmupLast.Load()
	if last != 0 && now-last < r.cfg.WarmupInterval.Nanoseconds() {
		return 0
	}
	if !r.warmupLast.CompareAndSwap(last, now) {
		return 0
	}

	warmed := 0
	for _, rt := range r.Select(Filter{Capability: WarmupCapability}) {
		if ctx.Err() != nil {
			break
		}
		if rt.Disabled() || rt.Adapter == nil {
			continue
		}
		st := r.health.Refresh(ctx, rt)
		warmed++
		if !st.Healthy {
			r.logger.Warn("warmup probe failed",
				"provider", rt.Descriptor.ID, "detail", st.Detail)
		}
	}
	return warmed
}

// StartWarmupLoop runs WarmUp on the warm-up interval until the context
// is canceled. Safe to call once; later calls are no-ops.
func (r *Registry) StartWarmupLoop(ctx context.Context) {
	if !r.warmupStarted.CompareAndSwap(false, true) {
		return
	}
	go func() {
		// Tick a little over the interval so the spacing gate in
		// WarmUp never skips a round to timing jitter.
		ticker := time.NewTicker(r.cfg.WarmupInterval + r.cfg.WarmupInterval/10)
		defer ticker.Stop()

		r.WarmUp(ctx)
		for {
			select {
			case <-ticker.C:
				r.WarmUp(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

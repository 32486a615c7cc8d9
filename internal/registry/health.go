package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const (
	defaultHealthTTL    = 15 * time.Second
	defaultProbeTimeout = 3 * time.Second
)

// HealthState is one cached probe verdict.
type HealthState struct {
	Healthy   bool
	Detail    string
	Latency   time.Duration
	CheckedAt time.Time
}

type probeCall struct {
	done  chan struct{}
	state HealthState
}

// HealthTracker caches per-provider probe results with a TTL. A cache miss
// triggers one probe no matter how many goroutines ask concurrently; the
// rest wait for the shared result.
type HealthTracker struct {
	ttl          time.Duration
	probeTimeout time.Duration
	cache        *gocache.Cache
	logger       *slog.Logger
	clock        func() time.Time

	mu       sync.Mutex
	inflight map[string]*probeCall
}

func newHealthTracker(ttl, probeTimeout time.Duration, logger *slog.Logger, clock func() time.Time) *HealthTracker {
	if ttl <= 0 {
		ttl = defaultHealthTTL
	}
	if probeTimeout <= 0 {
		probeTimeout = defaultProbeTimeout
	}
	return &HealthTracker{
		ttl:          ttl,
		probeTimeout: probeTimeout,
		cache:        gocache.New(ttl, 2*ttl),
		logger:       logger,
		clock:        clock,
		inflight:     make(map[string]*probeCall),
	}
}

// Check returns the provider's health, probing on a cache miss.
func (h *HealthTracker) Check(ctx context.Context, rt *Runtime) HealthState {
	if st, ok := h.Cached(rt.Descriptor.ID); ok {
		return st
	}
	return h.probeShared(ctx, rt)
}

// Refresh probes regardless of the cache and installs the fresh result.
func (h *HealthTracker) Refresh(ctx context.Context, rt *Runtime) HealthState {
	return h.probeShared(ctx, rt)
}

// Cached returns the cached state without probing.
func (h *HealthTracker) Cached(id string) (HealthState, bool) {
	v, ok := h.cache.Get(id)
	if !ok {
		return HealthState{}, false
	}
	return v.(HealthState), true
}

// Forget drops the cached state for a removed provider.
func (h *HealthTracker) Forget(id string) {
	h.cache.Delete(id)
}

func (h *HealthTracker) probeShared(ctx context.Context, rt *Runtime) HealthState {
	id := rt.Descriptor.ID

	h.mu.Lock()
	if call, ok := h.inflight[id]; ok {
		h.mu.Unlock()
		select {
		case <-call.done:
			return call.state
		case <-ctx.Done():
			return HealthState{Detail: "probe wait canceled", CheckedAt: h.clock()}
		}
	}
	call := &probeCall{done: make(chan struct{})}
	h.inflight[id] = call
	h.mu.Unlock()

	call.state = h.probe(ctx, rt)
	h.cache.Set(id, call.state, gocache.DefaultExpiration)

	h.mu.Lock()
	delete(h.inflight, id)
	h.mu.Unlock()
	close(call.done)

	return call.state
}

func (h *HealthTracker) probe(ctx context.Context, rt *Runtime) HealthState {
	checked := h.clock()
	if rt.Adapter == nil {
		return HealthState{Detail: "no adapter", CheckedAt: checked}
	}

	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout)
	defer cancel()

	res := rt.Adapter.HealthProbe(probeCtx)
	st := HealthState{
		Healthy:   res.Healthy,
		Detail:    res.Detail,
		Latency:   res.Latency,
		CheckedAt: checked,
	}
	if !st.Healthy {
		h.logger.Debug("health probe failed",
			"provider", rt.Descriptor.ID, "detail", st.Detail)
	}
	return st
}

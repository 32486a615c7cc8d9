// Package telemetry keeps per-provider sliding windows of request outcomes.
// Windows are bounded ring buffers; derived aggregates (percentiles, error
// rate, EWMA cost) feed the policy engine's scoring.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/polyroute/polyroute/pkg/types"
)

const (
	// DefaultCapacity bounds the ring buffer per provider.
	DefaultCapacity = 1000
	// DefaultRecentN is the sample span for the recent error rate.
	DefaultRecentN = 100
	// RecentSpan bounds how far behind the newest sample the recent error
	// rate looks. Whichever of RecentN and RecentSpan admits fewer samples
	// wins.
	RecentSpan = 60 * time.Second
	// ewmaAlpha weights the newest cost sample.
	ewmaAlpha = 0.1
)

// Window holds the most recent outcomes for one provider. Writes are O(1);
// aggregate reads recompute lazily behind a dirty flag so repeated reads
// between writes stay cheap.
type Window struct {
	mu       sync.Mutex
	capacity int
	recentN  int

	samples []types.RequestOutcome
	head    int
	count   int

	ewmaCost   float64
	ewmaSeeded bool

	dirty  bool
	cached types.WindowSnapshot
}

// NewWindow creates a window. Non-positive arguments fall back to defaults.
func NewWindow(capacity, recentN int) *Window {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if recentN <= 0 {
		recentN = DefaultRecentN
	}
	return &Window{
		capacity: capacity,
		recentN:  recentN,
		samples:  make([]types.RequestOutcome, capacity),
	}
}

// Record appends one outcome, evicting the oldest when full. Successful
// samples with a cost also advance the EWMA cost.
func (w *Window) Record(o types.RequestOutcome) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}

	w.samples[w.head] = o
	w.head = (w.head + 1) % w.capacity
	if w.count < w.capacity {
		w.count++
	}

	if o.Status == types.OutcomeSuccess && o.Cost > 0 {
		if !w.ewmaSeeded {
			w.ewmaCost = o.Cost
			w.ewmaSeeded = true
		} else {
			w.ewmaCost = w.ewmaCost*(1-ewmaAlpha) + o.Cost*ewmaAlpha
		}
	}

	w.dirty = true
}

// Snapshot returns a consistent aggregate view of the window.
func (w *Window) Snapshot() types.WindowSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.dirty {
		return w.cached
	}

	snap := types.WindowSnapshot{Count: w.count, EWMACost: w.ewmaCost}

	// Completed attempts carry meaningful latencies; rejected and canceled
	// samples are counted but stay out of latency and error-rate math.
	latencies := make([]time.Duration, 0, w.count)
	var latencySum time.Duration

	recentCompleted, recentErrors := 0, 0
	recentBudget := w.recentN

	// The recent error rate is double-bounded: at most recentN completed
	// samples, none older than RecentSpan behind the newest sample. Anchoring
	// on the newest sample keeps the snapshot a pure function of the buffer.
	var recentCutoff time.Time
	if w.count > 0 {
		newest := w.samples[(w.head-1+w.capacity)%w.capacity]
		recentCutoff = newest.Timestamp.Add(-RecentSpan)
	}

	for i := 0; i < w.count; i++ {
		// Walk newest to oldest.
		idx := (w.head - 1 - i + w.capacity) % w.capacity
		s := w.samples[idx]

		switch s.Status {
		case types.OutcomeSuccess:
			snap.SuccessCount++
		case types.OutcomeFailure:
			snap.FailureCount++
		case types.OutcomeTimeout:
			snap.TimeoutCount++
		case types.OutcomeRejected:
			snap.RejectedCount++
		case types.OutcomeCanceled:
			snap.CanceledCount++
		}

		if i == 0 {
			snap.LastSample = s.Timestamp
		}

		completed := s.Status == types.OutcomeSuccess ||
			s.Status == types.OutcomeFailure ||
			s.Status == types.OutcomeTimeout

		if !completed {
			continue
		}

		latencies = append(latencies, s.Latency)
		latencySum += s.Latency

		if recentBudget > 0 && !s.Timestamp.Before(recentCutoff) {
			recentCompleted++
			if s.Status != types.OutcomeSuccess {
				recentErrors++
			}
			recentBudget--
		}
	}

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		snap.P50 = percentile(latencies, 0.50)
		snap.P95 = percentile(latencies, 0.95)
		snap.AvgLatency = latencySum / time.Duration(len(latencies))
	}
	if recentCompleted > 0 {
		snap.ErrorRateRecent = float64(recentErrors) / float64(recentCompleted)
	}

	w.cached = snap
	w.dirty = false
	return snap
}

// percentile picks from an ascending-sorted slice by nearest rank.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Store keys windows by provider ID. The registry owns one store and decides
// when a window survives a reload.
type Store struct {
	mu       sync.RWMutex
	capacity int
	recentN  int
	windows  map[string]*Window
}

// NewStore creates an empty store with per-window sizing.
func NewStore(capacity, recentN int) *Store {
	return &Store{
		capacity: capacity,
		recentN:  recentN,
		windows:  make(map[string]*Window),
	}
}

// Window returns the provider's window, creating it on first use.
func (s *Store) Window(providerID string) *Window {
	s.mu.RLock()
	w, ok := s.windows[providerID]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[providerID]; ok {
		return w
	}
	w = NewWindow(s.capacity, s.recentN)
	s.windows[providerID] = w
	return w
}

// Record appends one outcome to its provider's window.
func (s *Store) Record(o types.RequestOutcome) {
	s.Window(o.ProviderID).Record(o)
}

// Snapshot reads one provider's aggregates.
func (s *Store) Snapshot(providerID string) (types.WindowSnapshot, bool) {
	s.mu.RLock()
	w, ok := s.windows[providerID]
	s.mu.RUnlock()
	if !ok {
		return types.WindowSnapshot{}, false
	}
	return w.Snapshot(), true
}

// Snapshots reads every provider's aggregates.
func (s *Store) Snapshots() map[string]types.WindowSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]types.WindowSnapshot, len(s.windows))
	for id, w := range s.windows {
		out[id] = w.Snapshot()
	}
	return out
}

// Reset replaces a provider's window, discarding its history. Used when a
// reload changes the provider's descriptor.
func (s *Store) Reset(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.windows[providerID] = NewWindow(s.capacity, s.recentN)
}

// Drop removes a provider's window entirely.
func (s *Store) Drop(providerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.windows, providerID)
}

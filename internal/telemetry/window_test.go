package telemetry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polyroute/polyroute/pkg/types"
)

func sample(status types.OutcomeStatus, latency time.Duration) types.RequestOutcome {
	return types.RequestOutcome{
		ProviderID: "p1",
		Timestamp:  time.Now(),
		Latency:    latency,
		Status:     status,
	}
}

func TestWindow_CountsByStatus(t *testing.T) {
	w := NewWindow(10, 10)

	w.Record(sample(types.OutcomeSuccess, 100*time.Millisecond))
	w.Record(sample(types.OutcomeFailure, 200*time.Millisecond))
	w.Record(sample(types.OutcomeTimeout, 2*time.Second))
	w.Record(sample(types.OutcomeRejected, 0))
	w.Record(sample(types.OutcomeCanceled, 50*time.Millisecond))

	snap := w.Snapshot()
	assert.Equal(t, 5, snap.Count)
	assert.Equal(t, 1, snap.SuccessCount)
	assert.Equal(t, 1, snap.FailureCount)
	assert.Equal(t, 1, snap.TimeoutCount)
	assert.Equal(t, 1, snap.RejectedCount)
	assert.Equal(t, 1, snap.CanceledCount)
}

func TestWindow_EvictsOldestAtCapacity(t *testing.T) {
	w := NewWindow(3, 3)

	w.Record(sample(types.OutcomeFailure, time.Millisecond))
	w.Record(sample(types.OutcomeSuccess, time.Millisecond))
	w.Record(sample(types.OutcomeSuccess, time.Millisecond))
	// Evicts the failure.
	w.Record(sample(types.OutcomeSuccess, time.Millisecond))

	snap := w.Snapshot()
	assert.Equal(t, 3, snap.Count)
	assert.Equal(t, 3, snap.SuccessCount)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestWindow_Percentiles(t *testing.T) {
	w := NewWindow(100, 100)

	for i := 1; i <= 100; i++ {
		w.Record(sample(types.OutcomeSuccess, time.Duration(i)*time.Millisecond))
	}

	snap := w.Snapshot()
	assert.Equal(t, 51*time.Millisecond, snap.P50)
	assert.Equal(t, 96*time.Millisecond, snap.P95)
	assert.Equal(t, 50500*time.Microsecond, snap.AvgLatency)
}

func TestWindow_ErrorRateRecent_ExcludesRejectedAndCanceled(t *testing.T) {
	w := NewWindow(100, 100)

	for i := 0; i < 8; i++ {
		w.Record(sample(types.OutcomeSuccess, time.Millisecond))
	}
	w.Record(sample(types.OutcomeFailure, time.Millisecond))
	w.Record(sample(types.OutcomeTimeout, time.Millisecond))
	// Neither of these may move the error rate.
	w.Record(sample(types.OutcomeRejected, 0))
	w.Record(sample(types.OutcomeCanceled, 0))

	snap := w.Snapshot()
	assert.InDelta(t, 0.2, snap.ErrorRateRecent, 1e-9)
}

func TestWindow_ErrorRateRecent_OnlyRecentSamples(t *testing.T) {
	w := NewWindow(100, 10)

	// Old failures outside the recent span.
	for i := 0; i < 20; i++ {
		w.Record(sample(types.OutcomeFailure, time.Millisecond))
	}
	// Ten most recent are clean.
	for i := 0; i < 10; i++ {
		w.Record(sample(types.OutcomeSuccess, time.Millisecond))
	}

	snap := w.Snapshot()
	assert.Zero(t, snap.ErrorRateRecent)
	assert.Equal(t, 20, snap.FailureCount)
}

func TestWindow_ErrorRateRecent_AgesOut(t *testing.T) {
	w := NewWindow(100, 100)
	now := time.Now()

	// Failures well beyond the recent span, then fresh successes. The
	// sample budget would admit all of them; the time bound must not.
	for i := 0; i < 5; i++ {
		o := sample(types.OutcomeFailure, time.Millisecond)
		o.Timestamp = now.Add(-2 * time.Minute)
		w.Record(o)
	}
	for i := 0; i < 5; i++ {
		o := sample(types.OutcomeSuccess, time.Millisecond)
		o.Timestamp = now
		w.Record(o)
	}

	snap := w.Snapshot()
	assert.Zero(t, snap.ErrorRateRecent)
	assert.Equal(t, 5, snap.FailureCount, "aged-out samples still count toward totals")

	// A failure just inside the span still moves the rate.
	o := sample(types.OutcomeFailure, time.Millisecond)
	o.Timestamp = now.Add(30 * time.Second)
	w.Record(o)
	snap = w.Snapshot()
	assert.InDelta(t, 1.0/6.0, snap.ErrorRateRecent, 1e-9)
}

func TestWindow_EWMACost(t *testing.T) {
	w := NewWindow(10, 10)

	first := sample(types.OutcomeSuccess, time.Millisecond)
	first.Cost = 0.01
	w.Record(first)
	assert.InDelta(t, 0.01, w.Snapshot().EWMACost, 1e-9)

	second := sample(types.OutcomeSuccess, time.Millisecond)
	second.Cost = 0.02
	w.Record(second)
	assert.InDelta(t, 0.01*0.9+0.02*0.1, w.Snapshot().EWMACost, 1e-9)

	// Failures never move the cost average.
	failed := sample(types.OutcomeFailure, time.Millisecond)
	failed.Cost = 100
	w.Record(failed)
	assert.InDelta(t, 0.01*0.9+0.02*0.1, w.Snapshot().EWMACost, 1e-9)
}

func TestWindow_SnapshotCachedBetweenWrites(t *testing.T) {
	w := NewWindow(10, 10)
	w.Record(sample(types.OutcomeSuccess, time.Millisecond))

	first := w.Snapshot()
	second := w.Snapshot()
	assert.Equal(t, first, second)

	w.Record(sample(types.OutcomeFailure, time.Millisecond))
	third := w.Snapshot()
	assert.Equal(t, 1, third.FailureCount)
}

func TestWindow_ColdSnapshotIsZero(t *testing.T) {
	w := NewWindow(10, 10)
	snap := w.Snapshot()
	assert.Zero(t, snap.Count)
	assert.Zero(t, snap.P95)
	assert.Zero(t, snap.ErrorRateRecent)
}

func TestStore_GetOrCreateAndDrop(t *testing.T) {
	s := NewStore(10, 10)

	w1 := s.Window("p1")
	w2 := s.Window("p1")
	require.Same(t, w1, w2)

	s.Record(types.RequestOutcome{ProviderID: "p1", Status: types.OutcomeSuccess, Latency: time.Millisecond})
	snap, ok := s.Snapshot("p1")
	require.True(t, ok)
	assert.Equal(t, 1, snap.Count)

	s.Reset("p1")
	snap, ok = s.Snapshot("p1")
	require.True(t, ok)
	assert.Zero(t, snap.Count)

	s.Drop("p1")
	_, ok = s.Snapshot("p1")
	assert.False(t, ok)
}

func TestStore_ConcurrentRecord(t *testing.T) {
	s := NewStore(1000, 100)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", n%2)
			for j := 0; j < 200; j++ {
				s.Record(types.RequestOutcome{ProviderID: id, Status: types.OutcomeSuccess, Latency: time.Millisecond})
				_, _ = s.Snapshot(id)
			}
		}(i)
	}
	wg.Wait()

	snaps := s.Snapshots()
	assert.Equal(t, 800, snaps["p0"].Count)
	assert.Equal(t, 800, snaps["p1"].Count)
}

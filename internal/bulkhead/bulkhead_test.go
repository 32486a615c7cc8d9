package bulkhead

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestNew_DefaultCapacity(t *testing.T) {
	b := New(0)
	if b.Capacity() != DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", b.Capacity(), DefaultCapacity)
	}

	b = New(-3)
	if b.Capacity() != DefaultCapacity {
		t.Errorf("Capacity() = %d, want %d", b.Capacity(), DefaultCapacity)
	}
}

func TestBulkhead_AcquireUpToCapacity(t *testing.T) {
	b := New(3)

	for i := 0; i < 3; i++ {
		if !b.TryAcquire() {
			t.Fatalf("TryAcquire() = false on permit %d, want true", i)
		}
	}

	if b.TryAcquire() {
		t.Error("TryAcquire() = true at capacity, want false")
	}
	if b.InUse() != 3 {
		t.Errorf("InUse() = %d, want 3", b.InUse())
	}
	if b.Available() != 0 {
		t.Errorf("Available() = %d, want 0", b.Available())
	}
}

func TestBulkhead_ReleaseFreesPermit(t *testing.T) {
	b := New(1)

	if !b.TryAcquire() {
		t.Fatal("TryAcquire() = false, want true")
	}
	if b.TryAcquire() {
		t.Fatal("TryAcquire() = true at capacity, want false")
	}

	b.Release()
	if !b.TryAcquire() {
		t.Error("TryAcquire() = false after release, want true")
	}
}

func TestBulkhead_ReleaseWithoutAcquire(t *testing.T) {
	b := New(2)

	b.Release()
	b.Release()

	if b.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", b.InUse())
	}
	// The pool must not have grown past its capacity.
	if !b.TryAcquire() || !b.TryAcquire() {
		t.Fatal("expected two permits available")
	}
	if b.TryAcquire() {
		t.Error("TryAcquire() = true past capacity, want false")
	}
}

func TestBulkhead_PairingUnderConcurrency(t *testing.T) {
	const capacity = 8
	b := New(capacity)

	var acquired, released atomic.Int64
	var maxSeen atomic.Int64

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				if b.TryAcquire() {
					acquired.Add(1)
					if in := int64(b.InUse()); in > maxSeen.Load() {
						maxSeen.Store(in)
					}
					b.Release()
					released.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if acquired.Load() != released.Load() {
		t.Errorf("acquired = %d, released = %d, want equal", acquired.Load(), released.Load())
	}
	if b.InUse() != 0 {
		t.Errorf("InUse() = %d after drain, want 0", b.InUse())
	}
	if maxSeen.Load() > capacity {
		t.Errorf("observed %d permits in use, capacity %d", maxSeen.Load(), capacity)
	}
}

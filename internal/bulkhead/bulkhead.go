// Package bulkhead caps in-flight requests per provider with a fixed permit
// pool. Admission is strictly non-blocking: a full pool is a routing skip,
// never a queue and never a provider failure.
package bulkhead

import "sync"

// DefaultCapacity applies when a provider's max_concurrent is unset.
const DefaultCapacity = 10

// Bulkhead is a non-blocking counting permit pool.
type Bulkhead struct {
	mu       sync.Mutex
	capacity int
	inUse    int
}

// New creates a pool with the given capacity. Non-positive capacities fall
// back to DefaultCapacity.
func New(capacity int) *Bulkhead {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bulkhead{capacity: capacity}
}

// TryAcquire takes a permit if one is free. It never blocks.
func (b *Bulkhead) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inUse < b.capacity {
		b.inUse++
		return true
	}
	return false
}

// Release returns a permit. Releasing without a matching acquire leaves the
// pool untouched; the pairing is the dispatcher's contract and is enforced
// by tests, not by panics at runtime.
func (b *Bulkhead) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inUse > 0 {
		b.inUse--
	}
}

// InUse returns the number of permits currently held.
func (b *Bulkhead) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// Capacity returns the pool size.
func (b *Bulkhead) Capacity() int {
	return b.capacity
}

// Available returns the number of free permits.
func (b *Bulkhead) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity - b.inUse
}

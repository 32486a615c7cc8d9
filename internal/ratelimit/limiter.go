// Package ratelimit admits or denies requests per caller identity using
// sliding-window logs. Every request is checked against up to three
// identities (user, client IP, session) and four windows per identity; the
// first violation decides the verdict and its retry-after hint.
package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polyroute/polyroute/pkg/types"
)

// Window spans. The burst window smooths short spikes; the other three are
// the advertised quotas.
const (
	burstSpan  = 10 * time.Second
	minuteSpan = time.Minute
	hourSpan   = time.Hour
	daySpan    = 24 * time.Hour

	// DefaultSweepInterval is how often unused identity buckets are dropped.
	DefaultSweepInterval = 5 * time.Minute
)

// Config sets the per-identity quotas. A zero limit disables that window.
type Config struct {
	PerMinute int
	PerHour   int
	PerDay    int
	Burst     int

	// SweepInterval overrides the background cleanup cadence.
	SweepInterval time.Duration
	// Clock overrides the time source in tests. Nil means time.Now.
	Clock func() time.Time
}

// Decision is the verdict for one request.
type Decision struct {
	Allowed bool
	// LimitType names the violated window: burst, minute, hour or day.
	LimitType string
	// Identity is the violated identity key, e.g. "user:alice".
	Identity string
	// RetryAfter is when the oldest counted request ages out of the
	// violated window. Always positive on denial.
	RetryAfter time.Duration
}

// Admitter is the rate-limit check the router depends on. The local limiter
// ignores the context; the Redis-backed one uses it for I/O.
type Admitter interface {
	Allow(ctx context.Context, id types.Identity) Decision
}

type windowDef struct {
	name  string
	span  time.Duration
	limit int
}

type bucket struct {
	mu   sync.Mutex
	key  string
	logs [][]time.Time
}

// Limiter is the in-process sliding-window limiter. The bucket map is guarded
// by a read-preferring lock; window logs are guarded per bucket so unrelated
// identities never contend.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	windows []windowDef
	sweep   time.Duration
	now     func() time.Time
}

// New creates a limiter. Call Start to enable background cleanup.
func New(cfg Config) *Limiter {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = DefaultSweepInterval
	}

	// Check order is fixed: quota windows from narrow to wide, burst last.
	var windows []windowDef
	if cfg.PerMinute > 0 {
		windows = append(windows, windowDef{"minute", minuteSpan, cfg.PerMinute})
	}
	if cfg.PerHour > 0 {
		windows = append(windows, windowDef{"hour", hourSpan, cfg.PerHour})
	}
	if cfg.PerDay > 0 {
		windows = append(windows, windowDef{"day", daySpan, cfg.PerDay})
	}
	if cfg.Burst > 0 {
		windows = append(windows, windowDef{"burst", burstSpan, cfg.Burst})
	}

	return &Limiter{
		buckets: make(map[string]*bucket),
		windows: windows,
		sweep:   sweep,
		now:     now,
	}
}

// identityKeys returns the present identities in precedence order.
func identityKeys(id types.Identity) []string {
	keys := make([]string, 0, 3)
	if id.UserID != "" {
		keys = append(keys, "user:"+id.UserID)
	}
	if id.ClientIP != "" {
		keys = append(keys, "ip:"+id.ClientIP)
	}
	if id.SessionID != "" {
		keys = append(keys, "session:"+id.SessionID)
	}
	return keys
}

// Allow checks every identity against every window and records the request
// only when all pass. Check and record happen under the involved bucket
// locks, so a denied request leaves no trace.
func (l *Limiter) Allow(_ context.Context, id types.Identity) Decision {
	keys := identityKeys(id)
	if len(keys) == 0 || len(l.windows) == 0 {
		return Decision{Allowed: true}
	}

	byKey := make(map[string]*bucket, len(keys))
	for _, k := range keys {
		byKey[k] = l.bucket(k)
	}

	// Lock buckets in sorted key order so concurrent requests touching the
	// same identities cannot deadlock.
	order := make([]string, 0, len(keys))
	for k := range byKey {
		order = append(order, k)
	}
	sort.Strings(order)
	for _, k := range order {
		byKey[k].mu.Lock()
	}
	defer func() {
		for i := len(order) - 1; i >= 0; i-- {
			byKey[order[i]].mu.Unlock()
		}
	}()

	now := l.now()

	// First violation wins: identities in precedence order, windows in
	// check order within each.
	for _, k := range keys {
		b := byKey[k]
		for wi, w := range l.windows {
			log := pruneLog(b.logs[wi], now, w.span)
			b.logs[wi] = log
			if len(log) >= w.limit {
				return Decision{
					Allowed:    false,
					LimitType:  w.name,
					Identity:   k,
					RetryAfter: log[0].Add(w.span).Sub(now),
				}
			}
		}
	}

	for _, k := range keys {
		b := byKey[k]
		for wi := range l.windows {
			b.logs[wi] = append(b.logs[wi], now)
		}
	}
	return Decision{Allowed: true}
}

// bucket returns the identity's bucket, creating it on first use.
func (l *Limiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{key: key, logs: make([][]time.Time, len(l.windows))}
	l.buckets[key] = b
	return b
}

// pruneLog drops timestamps that have aged out. Entries exactly at the
// cutoff are dropped too, so a denial's retry-after is always positive.
func pruneLog(log []time.Time, now time.Time, span time.Duration) []time.Time {
	cutoff := now.Add(-span)
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return log
	}
	return append(log[:0], log[i:]...)
}

// Start runs the background sweep until ctx is canceled. Sweeping removes
// buckets whose windows have all drained, bounding memory under identity
// churn.
func (l *Limiter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(l.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.sweepOnce()
			}
		}
	}()
}

func (l *Limiter) sweepOnce() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		b.mu.Lock()
		empty := true
		for wi, w := range l.windows {
			b.logs[wi] = pruneLog(b.logs[wi], now, w.span)
			if len(b.logs[wi]) > 0 {
				empty = false
			}
		}
		b.mu.Unlock()
		if empty {
			delete(l.buckets, key)
		}
	}
}

// Len reports the live bucket count.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}

// String describes the configured windows, ordered as checked.
func (l *Limiter) String() string {
	parts := make([]string, len(l.windows))
	for i, w := range l.windows {
		parts[i] = fmt.Sprintf("%s=%d", w.name, w.limit)
	}
	return "ratelimit(" + strings.Join(parts, ",") + ")"
}

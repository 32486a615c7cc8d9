package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/polyroute/polyroute/pkg/types"
)

// slidingWindowScript checks every window for one identity and records the
// request only when all pass, in a single round trip. KEYS holds one sorted
// set per window; ARGV is [now_ms, member, span_ms, limit, span_ms, limit...].
// Returns {0} when allowed, {window_index, oldest_score_ms} on denial.
const slidingWindowScript = `
local now = tonumber(ARGV[1])
local member = ARGV[2]

for i = 1, #KEYS do
    local span = tonumber(ARGV[1 + 2*i])
    local limit = tonumber(ARGV[2 + 2*i])
    redis.call('ZREMRANGEBYSCORE', KEYS[i], 0, now - span)
    local count = redis.call('ZCARD', KEYS[i])
    if count >= limit then
        local oldest = redis.call('ZRANGE', KEYS[i], 0, 0, 'WITHSCORES')
        return {i, oldest[2]}
    end
end

for i = 1, #KEYS do
    local span = tonumber(ARGV[1 + 2*i])
    redis.call('ZADD', KEYS[i], now, member)
    redis.call('PEXPIRE', KEYS[i], span)
end
return {0}
`

// RedisLimiter shares sliding windows between router replicas. Each identity
// is checked with one script call; the hash tag keeps all of an identity's
// windows on one cluster slot. Redis trouble fails open to the local limiter
// so the router keeps serving.
//
// Identities are checked sequentially, so a denial on a later identity
// leaves the earlier identities' records in place. The bias is toward
// throttling slightly more, never less.
type RedisLimiter struct {
	client   *redis.Client
	script   *redis.Script
	windows  []windowDef
	fallback *Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewRedisLimiter creates a Redis-backed limiter with a local fallback.
func NewRedisLimiter(client *redis.Client, cfg Config, logger *slog.Logger) *RedisLimiter {
	local := New(cfg)
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLimiter{
		client:   client,
		script:   redis.NewScript(slidingWindowScript),
		windows:  local.windows,
		fallback: local,
		logger:   logger,
		now:      local.now,
	}
}

// Start runs the local fallback's background sweep until ctx is canceled.
// Fallback buckets only fill while Redis is unreachable; the sweep keeps
// them from outliving the outage.
func (r *RedisLimiter) Start(ctx context.Context) {
	r.fallback.Start(ctx)
}

// Allow checks identities in precedence order; the first violation wins.
func (r *RedisLimiter) Allow(ctx context.Context, id types.Identity) Decision {
	keys := identityKeys(id)
	if len(keys) == 0 || len(r.windows) == 0 {
		return Decision{Allowed: true}
	}

	for _, identityKey := range keys {
		dec, err := r.checkIdentity(ctx, identityKey)
		if err != nil {
			r.logger.Warn("redis rate limit check failed, using local limiter",
				"identity", identityKey, "error", err)
			return r.fallback.Allow(ctx, id)
		}
		if !dec.Allowed {
			return dec
		}
	}
	return Decision{Allowed: true}
}

func (r *RedisLimiter) checkIdentity(ctx context.Context, identityKey string) (Decision, error) {
	nowMs := r.now().UnixMilli()

	redisKeys := make([]string, len(r.windows))
	args := make([]interface{}, 0, 2+2*len(r.windows))
	args = append(args, nowMs, uuid.NewString())
	for i, w := range r.windows {
		redisKeys[i] = fmt.Sprintf("polyroute:rl:{%s}:%s", identityKey, w.name)
		args = append(args, w.span.Milliseconds(), w.limit)
	}

	raw, err := r.script.Run(ctx, r.client, redisKeys, args...).Result()
	if err != nil {
		return Decision{}, err
	}

	result, ok := raw.([]interface{})
	if !ok || len(result) == 0 {
		return Decision{}, fmt.Errorf("unexpected script result %T", raw)
	}

	idx, ok := result[0].(int64)
	if !ok {
		return Decision{}, fmt.Errorf("unexpected script index %T", result[0])
	}
	if idx == 0 {
		return Decision{Allowed: true}, nil
	}

	w := r.windows[idx-1]
	retry := w.span
	if len(result) > 1 {
		if oldestStr, ok := result[1].(string); ok {
			if oldestMs, perr := strconv.ParseFloat(oldestStr, 64); perr == nil {
				retry = time.Duration(int64(oldestMs)+w.span.Milliseconds()-nowMs) * time.Millisecond
			}
		}
	}
	if retry <= 0 {
		retry = time.Second
	}

	return Decision{
		Allowed:    false,
		LimitType:  w.name,
		Identity:   identityKey,
		RetryAfter: retry,
	}, nil
}

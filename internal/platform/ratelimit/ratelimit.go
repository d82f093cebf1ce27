// Package ratelimit paces outbound platform calls with a token bucket per
// platform. The bucket lives in Redis so several engine instances share one
// budget; without Redis it degrades to an in-process bucket. The Lua script
// refills and takes atomically, avoiding the GET-check-INCR race.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript refills the bucket from the elapsed time at the
// configured rate, capped at burst, then tries to take one token.
// Returns {allowed, wait_ms} where wait_ms is the time until the next
// token when denied.
const tokenBucketScript = `
local key = KEYS[1]
local rate = tonumber(ARGV[1])       -- tokens per second
local burst = tonumber(ARGV[2])
local now_ms = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "ts")
local tokens = tonumber(data[1])
local ts = tonumber(data[2])
if tokens == nil then
    tokens = burst
    ts = now_ms
end

local elapsed = math.max(0, now_ms - ts) / 1000.0
tokens = math.min(burst, tokens + elapsed * rate)

if tokens >= 1 then
    tokens = tokens - 1
    redis.call("HMSET", key, "tokens", tokens, "ts", now_ms)
    redis.call("PEXPIRE", key, 120000)
    return {1, 0}
end

local wait_ms = math.ceil((1 - tokens) / rate * 1000)
redis.call("HMSET", key, "tokens", tokens, "ts", now_ms)
redis.call("PEXPIRE", key, 120000)
return {0, wait_ms}
`

// Limiter paces calls for one platform at a fixed QPS with a small burst.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	key    string
	rate   float64
	burst  float64

	// In-process fallback state, used when redis is nil or unreachable.
	mu       sync.Mutex
	tokens   float64
	lastFill time.Time
}

// New creates a limiter for the given platform key. rate is tokens per
// second; burst defaults to max(1, rate). A nil redis client selects the
// in-process bucket.
func New(redisClient *redis.Client, platform string, rate float64) *Limiter {
	if rate <= 0 {
		rate = 1
	}
	burst := rate
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		redis:    redisClient,
		script:   redis.NewScript(tokenBucketScript),
		key:      "ratelimit:platform:" + platform,
		rate:     rate,
		burst:    burst,
		tokens:   burst,
		lastFill: time.Now(),
	}
}

// Allow tries to take one token, returning the wait until the next token
// when denied.
func (l *Limiter) Allow(ctx context.Context) (bool, time.Duration, error) {
	if l.redis == nil {
		ok, wait := l.allowLocal()
		return ok, wait, nil
	}

	res, err := l.script.Run(ctx, l.redis, []string{l.key},
		l.rate, l.burst, time.Now().UnixMilli()).Slice()
	if err != nil {
		// Redis down: degrade to the local bucket rather than stall
		// polling entirely.
		ok, wait := l.allowLocal()
		return ok, wait, nil
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	waitMs, _ := res[1].(int64)
	return allowed == 1, time.Duration(waitMs) * time.Millisecond, nil
}

// Wait blocks until a token is available or the context ends. Fetches for
// the same platform serialize here; different platforms have independent
// limiters and proceed in parallel.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		ok, wait, err := l.Allow(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = 50 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Limiter) allowLocal() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastFill).Seconds()
	l.tokens += elapsed * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastFill = now

	if l.tokens >= 1 {
		l.tokens--
		return true, 0
	}
	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	return false, wait
}

package ratelimit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/touwaeriol/claude-relay-service/pkg/store"
)

// Sliding window over a zset: member = attempt id, score = attempt time
// in unix ms. Aged attempts are pruned before the capacity check, so a
// rejected key recovers one slot at a time as old attempts expire.
// KEYS[1] window zset
// ARGV[1] cutoff ms, ARGV[2] limit, ARGV[3] now ms, ARGV[4] attempt id,
// ARGV[5] window ms.
// Returns {admitted, used, oldest attempt score}.
var slidingWindowScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local used = redis.call("ZCARD", KEYS[1])
if used >= tonumber(ARGV[2]) then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  return {0, used, oldest[2]}
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
return {1, used + 1, ARGV[3]}
`)

// RedisLimiter shares the window across gateway instances. Any Redis
// failure degrades to the per-instance memory fallback instead of
// failing the request; the scheduler stays the fail-closed gate.
type RedisLimiter struct {
	Client   *redis.Client
	Window   time.Duration
	Fallback *MemoryLimiter
}

func NewRedis(client *redis.Client, window time.Duration) *RedisLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Window:   window,
		Fallback: NewMemory(window),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, apiKeyID string, limit int) Verdict {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.degrade(ctx, apiKeyID, limit)
	}

	now := time.Now().UTC()
	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := slidingWindowScript.Run(runCtx, l.Client,
		[]string{store.APIKeyWindowKey(apiKeyID)},
		now.Add(-l.Window).UnixMilli(),
		limit,
		now.UnixMilli(),
		uuid.NewString(),
		l.Window.Milliseconds(),
	).Slice()
	if err != nil || len(res) < 3 {
		return l.degrade(ctx, apiKeyID, limit)
	}

	admitted, _ := res[0].(int64)
	used, _ := res[1].(int64)
	oldestMs := scoreMillis(res[2], now.UnixMilli())
	windowEnds := time.UnixMilli(oldestMs).Add(l.Window).UTC()
	return verdictFor(admitted == 1, int(used), limit, windowEnds, now)
}

func (l *RedisLimiter) degrade(ctx context.Context, apiKeyID string, limit int) Verdict {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, apiKeyID, limit)
	}
	now := time.Now().UTC()
	return verdictFor(true, 0, limit, now.Add(l.Window), now)
}

// scoreMillis decodes the oldest-attempt score, which Lua hands back as
// either a number or a string depending on the branch taken.
func scoreMillis(raw any, def int64) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case string:
		var ms int64
		var frac bool
		for _, r := range v {
			if r == '.' {
				frac = true
				continue
			}
			if frac {
				continue
			}
			if r < '0' || r > '9' {
				return def
			}
			ms = ms*10 + int64(r-'0')
		}
		if ms == 0 {
			return def
		}
		return ms
	}
	return def
}

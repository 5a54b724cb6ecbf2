package concurrency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/touwaeriol/claude-relay-service/pkg/store"
)

// acquireScript prunes expired leases, then grants one when the running
// set is below capacity. Returns {granted, runningAfter}.
var acquireScript = redis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local running = redis.call("ZCARD", KEYS[1])
if running < tonumber(ARGV[2]) then
  redis.call("ZADD", KEYS[1], ARGV[3], ARGV[4])
  redis.call("PEXPIRE", KEYS[1], ARGV[5])
  return {1, running + 1}
end
return {0, running}
`)

var enqueueScript = redis.NewScript(`
local waiting = redis.call("INCR", KEYS[1])
redis.call("PEXPIRE", KEYS[1], ARGV[1])
return waiting
`)

var dequeueScript = redis.NewScript(`
local waiting = redis.call("DECR", KEYS[1])
if waiting < 0 then
  redis.call("SET", KEYS[1], "0", "PX", ARGV[1])
  waiting = 0
end
return waiting
`)

// semaphore is the distributed primitive behind one resource id. Leases
// are zset members scored by their expiry so a crashed holder leaks at
// most one lease lifetime.
type semaphore struct {
	client   *redis.Client
	key      string
	queueKey string
	statsKey string
}

func newSemaphore(client *redis.Client, resourceID string) *semaphore {
	return &semaphore{
		client:   client,
		key:      store.SemaphoreKey(resourceID),
		queueKey: store.QueueCountKey(resourceID),
		statsKey: store.QueueStatsKey(resourceID),
	}
}

func (s *semaphore) tryAcquire(ctx context.Context, maxConcurrency int, leaseMs int64) (string, bool, error) {
	now := time.Now().UnixMilli()
	leaseID := uuid.NewString()
	res, err := acquireScript.Run(ctx, s.client, []string{s.key},
		now, maxConcurrency, now+leaseMs, leaseID, leaseMs+60_000).Result()
	if err != nil {
		return "", false, store.WrapBackend("semaphore acquire", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return "", false, store.WrapBackend("semaphore acquire", fmt.Errorf("unexpected script reply %v", res))
	}
	granted, _ := vals[0].(int64)
	if granted != 1 {
		return "", false, nil
	}
	return leaseID, true, nil
}

func (s *semaphore) release(ctx context.Context, leaseID string) error {
	if err := s.client.ZRem(ctx, s.key, leaseID).Err(); err != nil {
		return store.WrapBackend("semaphore release", err)
	}
	return nil
}

func (s *semaphore) enqueue(ctx context.Context) (int64, error) {
	res, err := enqueueScript.Run(ctx, s.client, []string{s.queueKey},
		store.QueueCountTTL.Milliseconds()).Int64()
	if err != nil {
		return 0, store.WrapBackend("queue enqueue", err)
	}
	return res, nil
}

func (s *semaphore) dequeue(ctx context.Context) error {
	err := dequeueScript.Run(ctx, s.client, []string{s.queueKey},
		store.QueueCountTTL.Milliseconds()).Err()
	if err != nil {
		return store.WrapBackend("queue dequeue", err)
	}
	return nil
}

func (s *semaphore) runningCount(ctx context.Context) (int64, error) {
	now := time.Now().UnixMilli()
	pipe := s.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, s.key, "-inf", fmt.Sprintf("%d", now))
	card := pipe.ZCard(ctx, s.key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, store.WrapBackend("semaphore count", err)
	}
	return card.Val(), nil
}

// recordWaitSample stores one queue wait observation. Best effort only.
func (s *semaphore) recordWaitSample(waitMs int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	sample := fmt.Sprintf(`{"at":%d,"wait_ms":%d}`, time.Now().UnixMilli(), waitMs)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, s.statsKey, sample)
	pipe.LTrim(ctx, s.statsKey, 0, 199)
	pipe.Expire(ctx, s.statsKey, store.QueueStatsTTL)
	_, _ = pipe.Exec(ctx)
}

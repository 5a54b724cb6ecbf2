package sessionquota

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/touwaeriol/claude-relay-service/pkg/store"
)

// CodeSessionLimitExceeded is the wire code for a quota refusal.
const CodeSessionLimitExceeded = "SESSION_LIMIT_EXCEEDED"

// ErrInvalidAccountID rejects empty account ids.
var ErrInvalidAccountID = errors.New("account id must be a non-empty string")

// ErrInvalidConfig rejects malformed quota configuration.
var ErrInvalidConfig = errors.New("invalid session quota config")

// Config bounds unique sessions per account over a sliding window.
type Config struct {
	Enabled       bool `json:"enabled"`
	MaxSessions   int  `json:"maxSessions"`
	WindowSeconds int  `json:"windowSeconds"`
}

// DefaultConfig is applied when an account carries no quota settings.
var DefaultConfig = Config{Enabled: false, MaxSessions: 5, WindowSeconds: 3600}

// Normalize accepts a JSON string, a decoded object, or a typed Config and
// clamps every field into its legal range.
func Normalize(raw any) (Config, error) {
	switch v := raw.(type) {
	case nil:
		return DefaultConfig, nil
	case Config:
		return v.withFloors(), nil
	case *Config:
		if v == nil {
			return DefaultConfig, nil
		}
		return v.withFloors(), nil
	case string:
		if strings.TrimSpace(v) == "" {
			return DefaultConfig, nil
		}
		var cfg Config
		if err := json.Unmarshal([]byte(v), &cfg); err != nil {
			return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return cfg.withFloors(), nil
	case []byte:
		return Normalize(string(v))
	case map[string]any:
		cfg := DefaultConfig
		if b, ok := v["enabled"].(bool); ok {
			cfg.Enabled = b
		}
		if n, ok := v["maxSessions"].(float64); ok {
			cfg.MaxSessions = int(math.Floor(n))
		}
		if n, ok := v["windowSeconds"].(float64); ok {
			cfg.WindowSeconds = int(math.Floor(n))
		}
		return cfg.withFloors(), nil
	default:
		return Config{}, fmt.Errorf("%w: unsupported config type %T", ErrInvalidConfig, raw)
	}
}

func (c Config) withFloors() Config {
	if c.MaxSessions < 1 {
		c.MaxSessions = 1
	}
	if c.WindowSeconds < 60 {
		c.WindowSeconds = 60
	}
	return c
}

// Status reports how an admit call resolved.
type Status string

const (
	StatusAdded    Status = "added"
	StatusExisting Status = "existing"
	StatusSkipped  Status = "skipped"
)

// Admission is the successful result of an admit call.
type Admission struct {
	Status        Status `json:"status"`
	Current       int    `json:"current"`
	Max           int    `json:"max"`
	WindowSeconds int    `json:"windowSeconds"`
}

// LimitExceededError is returned when the sliding window is full.
type LimitExceededError struct {
	AccountID     string
	Current       int
	Max           int
	WindowSeconds int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("session limit exceeded for %s: %d active, max %d in %ds window",
		e.AccountID, e.Current, e.Max, e.WindowSeconds)
}

func (e *LimitExceededError) Code() string { return CodeSessionLimitExceeded }

// admitScript resolves the whole check-and-admit atomically. Touching an
// already-tracked fingerprint never counts against the cap. Returns
// {admitted, count, added}.
var admitScript = redis.NewScript(`
local now = tonumber(ARGV[2])
local windowMs = tonumber(ARGV[3])
local max = tonumber(ARGV[5])
if redis.call("ZSCORE", KEYS[1], ARGV[1]) then
  redis.call("ZADD", KEYS[1], now, ARGV[1])
  redis.call("EXPIRE", KEYS[1], ARGV[4])
  return {1, redis.call("ZCARD", KEYS[1]), 0}
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - windowMs)
local n = redis.call("ZCARD", KEYS[1])
if n >= max then
  redis.call("EXPIRE", KEYS[1], ARGV[4])
  return {0, n, 0}
end
redis.call("ZADD", KEYS[1], now, ARGV[1])
redis.call("EXPIRE", KEYS[1], ARGV[4])
return {1, n + 1, 1}
`)

// Manager enforces the per-account unique-session quota.
type Manager struct {
	client *redis.Client
	now    func() int64
}

func NewManager(client *redis.Client) *Manager {
	return &Manager{client: client, now: nowMillis}
}

// Admit records the fingerprint inside the account's sliding window or
// refuses with LimitExceededError. Disabled configs and empty fingerprints
// skip the quota entirely.
func (m *Manager) Admit(ctx context.Context, accountID, fingerprint string, cfg Config) (Admission, error) {
	if strings.TrimSpace(accountID) == "" {
		return Admission{}, ErrInvalidAccountID
	}
	cfg = cfg.withFloors()
	if !cfg.Enabled || strings.TrimSpace(fingerprint) == "" {
		return Admission{Status: StatusSkipped, Max: cfg.MaxSessions, WindowSeconds: cfg.WindowSeconds}, nil
	}

	now := m.now()
	res, err := admitScript.Run(ctx, m.client, []string{store.SessionQuotaKey(accountID)},
		fingerprint, now, int64(cfg.WindowSeconds)*1000, cfg.WindowSeconds, cfg.MaxSessions).Result()
	if err != nil {
		return Admission{}, store.WrapBackend("session quota admit", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 3 {
		return Admission{}, store.WrapBackend("session quota admit", fmt.Errorf("unexpected script reply %v", res))
	}
	admitted, _ := vals[0].(int64)
	count, _ := vals[1].(int64)
	added, _ := vals[2].(int64)

	if admitted != 1 {
		return Admission{}, &LimitExceededError{
			AccountID:     accountID,
			Current:       int(count),
			Max:           cfg.MaxSessions,
			WindowSeconds: cfg.WindowSeconds,
		}
	}
	status := StatusExisting
	if added == 1 {
		status = StatusAdded
	}
	return Admission{
		Status:        status,
		Current:       int(count),
		Max:           cfg.MaxSessions,
		WindowSeconds: cfg.WindowSeconds,
	}, nil
}

// Count reports the live fingerprints inside the account's window.
func (m *Manager) Count(ctx context.Context, accountID string, windowSeconds int) (int64, error) {
	if windowSeconds < 60 {
		windowSeconds = 60
	}
	now := m.now()
	key := store.SessionQuotaKey(accountID)
	pipe := m.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now-int64(windowSeconds)*1000))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, store.WrapBackend("session quota count", err)
	}
	return card.Val(), nil
}

func nowMillis() int64 { return time.Now().UnixMilli() }

package scheduler

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/touwaeriol/claude-relay-service/pkg/store"
)

// Bindings maps a session fingerprint to the one account serving it.
type Bindings struct {
	client           *redis.Client
	ttl              time.Duration
	renewalThreshold time.Duration
}

// NewBindings builds the sticky-session map. ttl defaults to one week,
// renewalThreshold to one hour.
func NewBindings(client *redis.Client, ttl, renewalThreshold time.Duration) *Bindings {
	if ttl <= 0 {
		ttl = store.DefaultStickyTTL
	}
	if renewalThreshold <= 0 {
		renewalThreshold = time.Hour
	}
	return &Bindings{client: client, ttl: ttl, renewalThreshold: renewalThreshold}
}

// Get returns the bound account id, or "" when the session is unbound.
func (b *Bindings) Get(ctx context.Context, sessionHash string) (string, error) {
	id, err := b.client.Get(ctx, store.StickySessionKey(sessionHash)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", store.WrapBackend("sticky binding load", err)
	}
	return id, nil
}

// TTL reports the remaining binding lifetime.
func (b *Bindings) TTL(ctx context.Context, sessionHash string) (time.Duration, error) {
	ttl, err := b.client.PTTL(ctx, store.StickySessionKey(sessionHash)).Result()
	if err != nil {
		return 0, store.WrapBackend("sticky binding ttl", err)
	}
	return ttl, nil
}

// Register binds the session to an account with a fresh TTL.
func (b *Bindings) Register(ctx context.Context, sessionHash, accountID string) error {
	if err := b.client.Set(ctx, store.StickySessionKey(sessionHash), accountID, b.ttl).Err(); err != nil {
		return store.WrapBackend("sticky binding store", err)
	}
	return nil
}

// Delete removes a binding, typically when the bound account is retired.
func (b *Bindings) Delete(ctx context.Context, sessionHash string) error {
	if err := b.client.Del(ctx, store.StickySessionKey(sessionHash)).Err(); err != nil {
		return store.WrapBackend("sticky binding delete", err)
	}
	return nil
}

// Ensure registers a missing binding and extends an existing one whose
// remaining TTL fell under the renewal threshold.
func (b *Bindings) Ensure(ctx context.Context, sessionHash, accountID string, isNewSession bool) error {
	current, err := b.Get(ctx, sessionHash)
	if err != nil {
		return err
	}
	if current == "" {
		return b.Register(ctx, sessionHash, accountID)
	}
	if isNewSession {
		return nil
	}
	remaining, err := b.TTL(ctx, sessionHash)
	if err != nil {
		return err
	}
	if remaining >= 0 && remaining < b.renewalThreshold {
		return b.Register(ctx, sessionHash, accountID)
	}
	return nil
}

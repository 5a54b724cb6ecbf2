package digest

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/touwaeriol/claude-relay-service/pkg/store"
)

// Options tune one validation call.
type Options struct {
	// AllowCreate admits a conversation with no stored digest. When false
	// a missing record is a SESSION_NOT_NEW refusal.
	AllowCreate bool
	// Retention is the TTL applied to the stored digest on accept.
	Retention time.Duration
}

// Validator classifies a request's digest against the stored chain and
// persists accepted transitions. Rejections never mutate the store.
type Validator struct {
	client *redis.Client
}

func NewValidator(client *redis.Client) *Validator {
	return &Validator{client: client}
}

// Validate checks the canonical per-session record under sessionID.
func (v *Validator) Validate(ctx context.Context, sessionID, newDigest string, opts Options) (Result, error) {
	key := store.SessionDigestKey(sessionID)
	return v.validateKey(ctx, key, sessionID, "", newDigest, opts)
}

// ValidateExclusive checks the per-account copy owned by an exclusive
// account, keyed by the session fingerprint.
func (v *Validator) ValidateExclusive(ctx context.Context, accountID, sessionHash, newDigest string, opts Options) (Result, error) {
	key := store.ExclusiveDigestKey(accountID, sessionHash)
	return v.validateKey(ctx, key, sessionHash, accountID, newDigest, opts)
}

func (v *Validator) validateKey(ctx context.Context, key, sessionID, accountID, newDigest string, opts Options) (Result, error) {
	oldDigest, err := v.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			return Result{}, store.WrapBackend("digest load", err)
		}
		oldDigest = ""
	}
	if oldDigest == "" && !opts.AllowCreate {
		return Result{}, &NotOwnedError{AccountID: accountID, SessionID: sessionID}
	}
	res, err := Classify(oldDigest, newDigest)
	if err != nil {
		return Result{}, err
	}
	// Refresh rewrites the value and resets the TTL so active
	// conversations never expire mid-flight.
	if err := v.client.Set(ctx, key, newDigest, opts.Retention).Err(); err != nil {
		return Result{}, store.WrapBackend("digest store", err)
	}
	return res, nil
}

// Load returns the stored digest for a session, or "" when absent.
func (v *Validator) Load(ctx context.Context, sessionID string) (string, error) {
	d, err := v.client.Get(ctx, store.SessionDigestKey(sessionID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", store.WrapBackend("digest load", err)
	}
	return d, nil
}

// Exists reports whether a canonical digest record is present.
func (v *Validator) Exists(ctx context.Context, sessionID string) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, nil
	}
	n, err := v.client.Exists(ctx, store.SessionDigestKey(sessionID)).Result()
	if err != nil {
		return false, store.WrapBackend("digest exists", err)
	}
	return n > 0, nil
}

// cacheEntry memoizes one validation outcome for the request lifetime.
type cacheEntry struct {
	res Result
	err error
}

// ResultCache memoizes per-account validation results within a single
// request so evaluating several candidate accounts never revalidates.
// Not safe for concurrent use; one request owns one cache.
type ResultCache map[string]cacheEntry

func NewResultCache() ResultCache { return ResultCache{} }

// ValidateCached runs fn at most once per account id.
func (c ResultCache) ValidateCached(accountID string, fn func() (Result, error)) (Result, error) {
	if entry, ok := c[accountID]; ok {
		return entry.res, entry.err
	}
	res, err := fn()
	c[accountID] = cacheEntry{res: res, err: err}
	return res, err
}

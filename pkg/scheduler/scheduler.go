package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/touwaeriol/claude-relay-service/pkg/accounts"
	"github.com/touwaeriol/claude-relay-service/pkg/concurrency"
	"github.com/touwaeriol/claude-relay-service/pkg/digest"
	"github.com/touwaeriol/claude-relay-service/pkg/sessionquota"
)

// ErrNoEligibleAccounts reports that session rules disqualified every
// candidate.
var ErrNoEligibleAccounts = errors.New("no account is eligible for this session")

// Scheduler orchestrates admission: concurrency slots, session quota,
// digest validation and sticky bindings, in that order.
type Scheduler struct {
	Limiters *concurrency.Registry
	Quota    *sessionquota.Manager
	Digests  *digest.Validator
	Bindings *Bindings
}

// Grant holds every resource admitted for one request. Release is
// idempotent and unwinds in reverse acquisition order.
type Grant struct {
	Account accounts.Account
	Session *SessionContext

	keyHandle     *concurrency.Handle
	accountHandle *concurrency.Handle
	once          sync.Once
}

// Release frees the account slot, then the API-key slot.
func (g *Grant) Release() {
	g.once.Do(func() {
		if g.accountHandle != nil {
			g.accountHandle.Release()
		}
		if g.keyHandle != nil {
			g.keyHandle.Release()
		}
	})
}

// Done is closed when the API-key slot has been released by any path.
func (g *Grant) Done() <-chan struct{} { return g.keyHandle.Done() }

// Schedule admits one request end to end. On failure before admission the
// partial acquisitions unwind and the grant is nil. A digest violation
// returns BOTH the grant and the error: the slots stay held so the caller
// can abort the upstream call and release normally.
func (s *Scheduler) Schedule(ctx context.Context, apiKeyID string, keyLimiterCfg any,
	candidates []accounts.Account, sessionHash string, body RequestBody) (*Grant, error) {

	keyHandle, err := s.Limiters.Acquire(ctx, apiKeyID, keyLimiterCfg)
	if err != nil {
		return nil, err
	}

	sc, err := s.BuildSessionContext(ctx, sessionHash, body)
	if err != nil {
		keyHandle.Release()
		return nil, err
	}

	selected, ok := s.selectAccount(ctx, sc, FilterEligible(sc, candidates))
	if !ok {
		keyHandle.Release()
		return nil, fmt.Errorf("session %s: %w", sc.SessionID, ErrNoEligibleAccounts)
	}

	accountHandle, err := s.Limiters.Acquire(ctx, selected.AccountID, selected.LimiterConfigRaw())
	if err != nil {
		keyHandle.Release()
		return nil, err
	}

	quotaCfg, err := sessionquota.Normalize(selected.QuotaConfigRaw())
	if err == nil {
		_, err = s.Quota.Admit(ctx, selected.AccountID, sc.SessionHash, quotaCfg)
	}
	if err != nil {
		accountHandle.Release()
		keyHandle.Release()
		return nil, err
	}

	grant := &Grant{
		Account:       selected,
		Session:       sc,
		keyHandle:     keyHandle,
		accountHandle: accountHandle,
	}

	if selected.EnableMessageDigest {
		if err := s.validateDigests(ctx, sc, selected); err != nil {
			return grant, err
		}
	}

	if err := s.Bindings.Ensure(ctx, sc.SessionHash, selected.AccountID, sc.IsNewSession); err != nil {
		return grant, err
	}
	return grant, nil
}

// selectAccount picks the first eligible candidate, skipping bound
// exclusive accounts whose digest chain rejects this history.
func (s *Scheduler) selectAccount(ctx context.Context, sc *SessionContext, eligible []accounts.Account) (accounts.Account, bool) {
	for _, a := range eligible {
		if !sc.IsNewSession && a.ExclusiveSessionOnly && a.AccountID == sc.BoundAccountID && a.EnableMessageDigest {
			_, err := sc.DigestCache.ValidateCached(a.AccountID, func() (digest.Result, error) {
				return s.Digests.ValidateExclusive(ctx, a.AccountID, sc.SessionHash, sc.Digest,
					digest.Options{AllowCreate: false, Retention: a.Retention()})
			})
			if err != nil {
				continue
			}
		}
		return a, true
	}
	return accounts.Account{}, false
}

// validateDigests maintains the canonical per-session record and, for
// exclusive accounts, the per-account copy.
func (s *Scheduler) validateDigests(ctx context.Context, sc *SessionContext, acct accounts.Account) error {
	opts := digest.Options{
		AllowCreate: sc.IsNewSession || !acct.ExclusiveSessionOnly,
		Retention:   acct.Retention(),
	}
	if _, err := s.Digests.Validate(ctx, sc.SessionID, sc.Digest, opts); err != nil {
		return err
	}
	if acct.ExclusiveSessionOnly {
		_, err := sc.DigestCache.ValidateCached(acct.AccountID, func() (digest.Result, error) {
			return s.Digests.ValidateExclusive(ctx, acct.AccountID, sc.SessionHash, sc.Digest,
				digest.Options{AllowCreate: sc.IsNewSession, Retention: acct.Retention()})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

package scheduler

import "github.com/touwaeriol/claude-relay-service/pkg/accounts"

// FilterEligible drops candidates the session rules forbid. New sessions
// may land anywhere. Existing sessions keep their bound account plus every
// shared account; unbound existing sessions never reach exclusive accounts.
func FilterEligible(sc *SessionContext, candidates []accounts.Account) []accounts.Account {
	if sc.IsNewSession {
		return candidates
	}
	out := make([]accounts.Account, 0, len(candidates))
	for _, a := range candidates {
		if !a.ExclusiveSessionOnly || a.AccountID == sc.BoundAccountID {
			out = append(out, a)
		}
	}
	return out
}

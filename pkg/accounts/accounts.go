package accounts

import (
	"encoding/json"
	"time"
)

// StatusActive marks accounts that may receive traffic.
const StatusActive = "active"

// DefaultSessionRetention applies when an account carries no explicit
// retention for its conversation records.
const DefaultSessionRetention = 24 * time.Hour

// Account is one upstream credential as served by the catalog.
type Account struct {
	AccountID                string          `json:"accountId"`
	Platform                 string          `json:"platform"`
	ExclusiveSessionOnly     bool            `json:"exclusiveSessionOnly"`
	SessionRetentionSeconds  int             `json:"sessionRetentionSeconds"`
	SessionConcurrencyConfig json.RawMessage `json:"sessionConcurrencyConfig,omitempty"`
	ConcurrencyConfig        json.RawMessage `json:"concurrencyConfig,omitempty"`
	EnableMessageDigest      bool            `json:"enableMessageDigest"`
	Status                   string          `json:"status"`
}

// Active reports whether the account may be scheduled.
func (a Account) Active() bool { return a.Status == StatusActive }

// Retention returns the session record TTL for this account.
func (a Account) Retention() time.Duration {
	if a.SessionRetentionSeconds <= 0 {
		return DefaultSessionRetention
	}
	return time.Duration(a.SessionRetentionSeconds) * time.Second
}

// QuotaConfigRaw yields the session quota settings for normalization, or
// nil when the account carries none.
func (a Account) QuotaConfigRaw() any {
	if len(a.SessionConcurrencyConfig) == 0 {
		return nil
	}
	return string(a.SessionConcurrencyConfig)
}

// LimiterConfigRaw yields the concurrency settings for normalization, or
// nil when the account carries none.
func (a Account) LimiterConfigRaw() any {
	if len(a.ConcurrencyConfig) == 0 {
		return nil
	}
	return string(a.ConcurrencyConfig)
}

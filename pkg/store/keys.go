package store

import "time"

// Persisted key formats. These are part of the wire contract: different
// relay versions interoperate through them, so the prefixes never change
// without a migration.
const (
	semaphorePrefix       = "sem:"
	queueCountPrefix      = "concurrency:queue:"
	queueStatsPrefix      = "concurrency:queue:stats:"
	sessionQuotaPrefix    = "session_concurrency:"
	sessionDigestPrefix   = "claude:session:digest:"
	stickySessionPrefix   = "sticky_session:"
	exclusiveDigestPrefix = "exclusive_session_digest:"
	accountSnapshotPrefix = "account:snapshot:"
	apiKeyWindowPrefix    = "ratelimit:apikey:"
)

const (
	// QueueCountTTL bounds leakage of abandoned waiter counters.
	QueueCountTTL = 10 * time.Minute
	// QueueStatsTTL keeps queue wait samples around for a week of dashboards.
	QueueStatsTTL = 7 * 24 * time.Hour
	// DefaultStickyTTL is the default lifetime of a session-to-account binding.
	DefaultStickyTTL = 168 * time.Hour
)

func SemaphoreKey(resourceID string) string { return semaphorePrefix + resourceID }

func QueueCountKey(resourceID string) string { return queueCountPrefix + resourceID }

func QueueStatsKey(resourceID string) string { return queueStatsPrefix + resourceID }

func SessionQuotaKey(accountID string) string { return sessionQuotaPrefix + accountID }

func SessionDigestKey(sessionID string) string { return sessionDigestPrefix + sessionID }

func StickySessionKey(sessionHash string) string { return stickySessionPrefix + sessionHash }

func ExclusiveDigestKey(accountID, sessionHash string) string {
	return exclusiveDigestPrefix + accountID + ":" + sessionHash
}

func AccountSnapshotKey(accountID string) string { return accountSnapshotPrefix + accountID }

func APIKeyWindowKey(apiKeyID string) string { return apiKeyWindowPrefix + apiKeyID }

package accounts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/touwaeriol/claude-relay-service/pkg/store"
)

// ErrInvalidAccountID rejects empty account ids.
var ErrInvalidAccountID = errors.New("account id must be a non-empty string")

type catalogDB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Catalog serves account records from Postgres with a TTL-bounded Redis
// snapshot in front. The database row is authoritative; the snapshot only
// absorbs read load between config changes.
type Catalog struct {
	DB       catalogDB
	Cache    store.Cache
	CacheTTL time.Duration
}

const accountColumns = `account_id, platform, exclusive_session_only, session_retention_seconds,
		session_concurrency_config, concurrency_config, enable_message_digest, status`

// Get loads one account, preferring the cached snapshot.
func (c *Catalog) Get(ctx context.Context, accountID string) (Account, error) {
	if strings.TrimSpace(accountID) == "" {
		return Account{}, ErrInvalidAccountID
	}
	if c.Cache != nil {
		if raw, err := c.Cache.Get(ctx, store.AccountSnapshotKey(accountID)); err == nil {
			var acct Account
			if err := json.Unmarshal([]byte(raw), &acct); err == nil {
				return acct, nil
			}
		}
	}
	row := c.DB.QueryRow(ctx, `
		SELECT `+accountColumns+`
		FROM accounts WHERE account_id=$1
	`, accountID)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
		}
		return Account{}, fmt.Errorf("account lookup %s: %w", accountID, err)
	}
	c.storeSnapshot(ctx, acct)
	return acct, nil
}

// ListActive returns every schedulable account for a platform. An empty
// platform lists all.
func (c *Catalog) ListActive(ctx context.Context, platform string) ([]Account, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if platform == "" {
		rows, err = c.DB.Query(ctx, `
			SELECT `+accountColumns+`
			FROM accounts WHERE status=$1 ORDER BY account_id
		`, StatusActive)
	} else {
		rows, err = c.DB.Query(ctx, `
			SELECT `+accountColumns+`
			FROM accounts WHERE status=$1 AND platform=$2 ORDER BY account_id
		`, StatusActive, platform)
	}
	if err != nil {
		return nil, fmt.Errorf("account list: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("account list scan: %w", err)
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("account list: %w", err)
	}
	return out, nil
}

// Invalidate drops the cached snapshot after an operator config change.
func (c *Catalog) Invalidate(ctx context.Context, accountID string) error {
	if c.Cache == nil {
		return nil
	}
	return c.Cache.Del(ctx, store.AccountSnapshotKey(accountID))
}

func (c *Catalog) storeSnapshot(ctx context.Context, acct Account) {
	if c.Cache == nil {
		return
	}
	ttl := c.CacheTTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	if raw, err := json.Marshal(acct); err == nil {
		_ = c.Cache.Set(ctx, store.AccountSnapshotKey(acct.AccountID), string(raw), ttl)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		acct       Account
		quotaRaw   []byte
		limiterRaw []byte
		retention  *int
		exclusiveP *bool
		digestP    *bool
	)
	if err := row.Scan(&acct.AccountID, &acct.Platform, &exclusiveP, &retention,
		&quotaRaw, &limiterRaw, &digestP, &acct.Status); err != nil {
		return Account{}, err
	}
	if exclusiveP != nil {
		acct.ExclusiveSessionOnly = *exclusiveP
	}
	if retention != nil {
		acct.SessionRetentionSeconds = *retention
	}
	if digestP != nil {
		acct.EnableMessageDigest = *digestP
	}
	if len(quotaRaw) > 0 {
		acct.SessionConcurrencyConfig = json.RawMessage(quotaRaw)
	}
	if len(limiterRaw) > 0 {
		acct.ConcurrencyConfig = json.RawMessage(limiterRaw)
	}
	return acct, nil
}

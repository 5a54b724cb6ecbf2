// Package audit persists one row per admission decision. The trail is
// what operators query when an account's sessions were rejected and the
// event stream has already rotated out.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends and reads admission records. With Redact set, the API
// key id and request metadata are replaced by salted hashes before the
// row is written.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

type Record struct {
	RequestID   string
	APIKeyID    string
	AccountID   string
	Platform    string
	SessionHash string
	Decision    string
	Code        string
	Metadata    json.RawMessage
	CreatedAt   time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO admission_audit
		(request_id, api_key_id, account_id, platform, session_hash, decision, code, metadata, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.RequestID, rec.APIKeyID, rec.AccountID, rec.Platform, rec.SessionHash, rec.Decision, rec.Code, rec.Metadata, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, requestID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT request_id, api_key_id, account_id, platform, session_hash, decision, code, metadata, created_at
		FROM admission_audit WHERE request_id=$1
	`, requestID)
	var metadata json.RawMessage
	if err := row.Scan(&rec.RequestID, &rec.APIKeyID, &rec.AccountID, &rec.Platform, &rec.SessionHash, &rec.Decision, &rec.Code, &metadata, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Metadata = metadata
	return rec, nil
}

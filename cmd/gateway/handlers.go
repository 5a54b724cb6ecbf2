package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/touwaeriol/claude-relay-service/pkg/audit"
	"github.com/touwaeriol/claude-relay-service/pkg/concurrency"
	"github.com/touwaeriol/claude-relay-service/pkg/events"
	"github.com/touwaeriol/claude-relay-service/pkg/httpx"
	"github.com/touwaeriol/claude-relay-service/pkg/scheduler"
	"github.com/touwaeriol/claude-relay-service/pkg/sessionquota"
	"github.com/touwaeriol/claude-relay-service/pkg/store"
	"github.com/touwaeriol/claude-relay-service/pkg/telemetry"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Redis.Ping(ctx).Err(); err != nil {
		httpx.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "service": "gateway", "redis": err.Error(),
		})
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "gateway"})
}

// admissionResponse echoes the scheduling decision. Upstream relaying is
// handled by a separate proxy tier.
type admissionResponse struct {
	AccountID    string `json:"accountId"`
	Platform     string `json:"platform"`
	SessionID    string `json:"sessionId"`
	SessionHash  string `json:"sessionHash"`
	IsNewSession bool   `json:"isNewSession"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	apiKeyID := strings.TrimSpace(r.Header.Get("X-Api-Key-Id"))
	if apiKeyID == "" {
		httpx.WriteCode(w, "INVALID_ACCOUNT_ID", "missing X-Api-Key-Id header")
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	platform := strings.TrimSpace(r.Header.Get("X-Platform"))
	if platform == "" {
		platform = s.DefaultPlatform
	}

	if s.RateLimiter != nil {
		verdict := s.RateLimiter.Allow(r.Context(), apiKeyID, s.RateLimitRequests)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(verdict.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(verdict.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(verdict.WindowEnds.Unix(), 10))
		if !verdict.Allowed {
			if secs := int(verdict.RetryAfter / time.Second); secs > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
			s.Metrics.IncRejection("RATE_LIMIT_EXCEEDED")
			telemetry.AnnotateRejection(r.Context(), "RATE_LIMIT_EXCEEDED")
			s.Broadcast.Emit(events.TypeAdmissionRejected, map[string]string{
				"requestId": requestID,
				"code":      "RATE_LIMIT_EXCEEDED",
			})
			s.recordAudit(r, audit.Record{
				RequestID: requestID,
				APIKeyID:  apiKeyID,
				Platform:  platform,
				Decision:  "rejected",
				Code:      "RATE_LIMIT_EXCEEDED",
				CreatedAt: time.Now().UTC(),
			})
			httpx.WriteCode(w, "RATE_LIMIT_EXCEEDED", "request rate limit exceeded")
			return
		}
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "", "read body: "+err.Error())
		return
	}
	var body scheduler.RequestBody
	if err := json.Unmarshal(raw, &body); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "", "decode body: "+err.Error())
		return
	}

	sum := sha256.Sum256(raw)
	sessionHash := hex.EncodeToString(sum[:])

	var metaRaw json.RawMessage
	if len(body.Metadata) > 0 {
		metaRaw, _ = json.Marshal(body.Metadata)
	}

	candidates, err := s.Accounts.ListActive(r.Context(), platform)
	if err != nil {
		s.Metrics.IncRejection("BACKEND_UNAVAILABLE")
		telemetry.AnnotateRejection(r.Context(), "BACKEND_UNAVAILABLE")
		httpx.WriteCode(w, "BACKEND_UNAVAILABLE", "account catalog unavailable")
		return
	}

	var keyCfg any
	if strings.TrimSpace(s.KeyLimiterConfig) != "" {
		keyCfg = s.KeyLimiterConfig
	}

	start := time.Now()
	grant, err := s.Scheduler.Schedule(r.Context(), apiKeyID, keyCfg, candidates, sessionHash, body)
	s.Metrics.ObserveAcquireLatency(time.Since(start))
	if err != nil {
		code := admissionCode(err)
		s.Metrics.IncRejection(code)
		telemetry.AnnotateRejection(r.Context(), code)
		if grant != nil {
			// Slots stay held through the upstream abort, then unwind.
			grant.Release()
			s.Metrics.IncReleasedSlots()
			s.Broadcast.Emit(events.TypeDigestViolation, map[string]string{
				"sessionHash": sessionHash,
				"accountId":   grant.Account.AccountID,
				"code":        code,
			})
		} else {
			s.Broadcast.Emit(events.TypeAdmissionRejected, map[string]string{
				"sessionHash": sessionHash,
				"code":        code,
			})
		}
		if code == "SESSION_LIMIT_EXCEEDED" {
			s.Metrics.IncQuotaOutcome("rejected")
			s.Broadcast.Emit(events.TypeQuotaRejected, map[string]string{"sessionHash": sessionHash})
		}
		rec := audit.Record{
			RequestID:   requestID,
			APIKeyID:    apiKeyID,
			Platform:    platform,
			SessionHash: sessionHash,
			Decision:    "rejected",
			Code:        code,
			Metadata:    metaRaw,
			CreatedAt:   time.Now().UTC(),
		}
		if grant != nil {
			rec.AccountID = grant.Account.AccountID
		}
		s.recordAudit(r, rec)
		httpx.WriteCode(w, code, err.Error())
		return
	}
	defer func() {
		grant.Release()
		s.Metrics.IncReleasedSlots()
		s.Broadcast.Emit(events.TypeSlotReleased, map[string]string{
			"sessionHash": sessionHash,
			"accountId":   grant.Account.AccountID,
		})
	}()

	s.Metrics.IncAdmission("request")
	telemetry.AnnotateAdmission(r.Context(), apiKeyID, grant.Account.AccountID, grant.Account.Platform, sessionHash)
	if grant.Session.IsNewSession {
		s.Metrics.IncBindingOp("registered")
		s.Broadcast.Emit(events.TypeBindingRegistered, map[string]string{
			"sessionHash": sessionHash,
			"accountId":   grant.Account.AccountID,
		})
	}
	s.Broadcast.Emit(events.TypeAdmissionGranted, map[string]string{
		"sessionHash": sessionHash,
		"accountId":   grant.Account.AccountID,
	})
	s.recordAudit(r, audit.Record{
		RequestID:   requestID,
		APIKeyID:    apiKeyID,
		AccountID:   grant.Account.AccountID,
		Platform:    grant.Account.Platform,
		SessionHash: sessionHash,
		Decision:    "granted",
		Metadata:    metaRaw,
		CreatedAt:   time.Now().UTC(),
	})

	httpx.WriteJSON(w, http.StatusOK, admissionResponse{
		AccountID:    grant.Account.AccountID,
		Platform:     grant.Account.Platform,
		SessionID:    grant.Session.SessionID,
		SessionHash:  sessionHash,
		IsNewSession: grant.Session.IsNewSession,
	})
}

type coder interface{ Code() string }

// admissionCode maps any scheduling failure onto its wire code.
func admissionCode(err error) string {
	if err == nil {
		return ""
	}
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	switch {
	case errors.Is(err, scheduler.ErrNoEligibleAccounts):
		return "NO_ELIGIBLE_ACCOUNTS"
	case errors.Is(err, sessionquota.ErrInvalidAccountID):
		return "INVALID_ACCOUNT_ID"
	case errors.Is(err, sessionquota.ErrInvalidConfig):
		return "INVALID_CONFIG"
	}
	return concurrency.ErrorCode(err)
}

// recordAudit is best effort. The decision already went out on the
// wire; a failed insert is logged, not returned.
func (s *Server) recordAudit(r *http.Request, rec audit.Record) {
	if s.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 2*time.Second)
	defer cancel()
	if err := s.Audit.Append(ctx, rec); err != nil {
		log.Printf("audit append %s: %v", rec.RequestID, err)
	}
}

func (s *Server) handleConcurrencyStats(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, s.Limiters.Stats())
}

type bindingResponse struct {
	SessionHash string `json:"sessionHash"`
	AccountID   string `json:"accountId"`
	TTLSeconds  int64  `json:"ttlSeconds"`
}

func (s *Server) handleGetBinding(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	accountID, err := s.Bindings.Get(r.Context(), hash)
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "binding lookup: "+err.Error())
		return
	}
	if accountID == "" {
		httpx.WriteError(w, http.StatusNotFound, "", "no binding for session")
		return
	}
	ttl, err := s.Bindings.TTL(r.Context(), hash)
	if err != nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "BACKEND_UNAVAILABLE", "binding ttl: "+err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, bindingResponse{
		SessionHash: hash,
		AccountID:   accountID,
		TTLSeconds:  int64(ttl.Seconds()),
	})
}

func (s *Server) handleDeleteBinding(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if err := s.Bindings.Delete(r.Context(), hash); err != nil {
		if errors.Is(err, store.ErrBackendUnavailable) {
			httpx.WriteCode(w, "BACKEND_UNAVAILABLE", "binding delete: "+err.Error())
			return
		}
		httpx.WriteError(w, http.StatusInternalServerError, "", "binding delete: "+err.Error())
		return
	}
	s.Metrics.IncBindingOp("deleted")
	w.WriteHeader(http.StatusNoContent)
}

type auditRecordResponse struct {
	RequestID   string          `json:"requestId"`
	APIKeyID    string          `json:"apiKeyId"`
	AccountID   string          `json:"accountId,omitempty"`
	Platform    string          `json:"platform,omitempty"`
	SessionHash string          `json:"sessionHash,omitempty"`
	Decision    string          `json:"decision"`
	Code        string          `json:"code,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "", "audit trail disabled")
		return
	}
	requestID := chi.URLParam(r, "requestId")
	rec, err := s.Audit.Get(r.Context(), requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpx.WriteError(w, http.StatusNotFound, "", "no audit record for request")
			return
		}
		httpx.WriteError(w, http.StatusServiceUnavailable, "", "audit lookup: "+err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, auditRecordResponse{
		RequestID:   rec.RequestID,
		APIKeyID:    rec.APIKeyID,
		AccountID:   rec.AccountID,
		Platform:    rec.Platform,
		SessionHash: rec.SessionHash,
		Decision:    rec.Decision,
		Code:        rec.Code,
		Metadata:    rec.Metadata,
		CreatedAt:   rec.CreatedAt,
	})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.WriteError(w, http.StatusServiceUnavailable, "", "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, events.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub.C():
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

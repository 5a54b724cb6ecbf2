package scheduler

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/touwaeriol/claude-relay-service/pkg/digest"
)

// RequestBody is the subset of a chat-completion request the scheduler
// inspects. Everything else passes through untouched.
type RequestBody struct {
	Model    string           `json:"model,omitempty"`
	System   json.RawMessage  `json:"system,omitempty"`
	Messages []digest.Message `json:"messages"`
	Metadata map[string]any   `json:"metadata,omitempty"`
}

// SessionContext carries everything the scheduler derives from one request.
type SessionContext struct {
	SessionHash    string
	SessionID      string
	IsNewSession   bool
	BoundAccountID string
	Digest         string
	DigestCache    digest.ResultCache
	Body           RequestBody
}

// BuildSessionContext derives the per-request session view. A session is
// new only when the history has no turns other than user and system ones,
// no binding or digest record exists, and the metadata carries no resume
// indicator.
func (s *Scheduler) BuildSessionContext(ctx context.Context, sessionHash string, body RequestBody) (*SessionContext, error) {
	sc := &SessionContext{
		SessionHash: sessionHash,
		SessionID:   sessionID(sessionHash, body.Metadata),
		Digest:      digest.Compute(body.Messages),
		DigestCache: digest.NewResultCache(),
		Body:        body,
	}

	bound, err := s.Bindings.Get(ctx, sessionHash)
	if err != nil {
		return nil, err
	}
	sc.BoundAccountID = bound

	if hasAssistantHistory(body.Messages) || bound != "" || resumeIndicated(body.Metadata) {
		return sc, nil
	}
	exists, err := s.Digests.Exists(ctx, sc.SessionID)
	if err != nil {
		return nil, err
	}
	sc.IsNewSession = !exists
	return sc, nil
}

// sessionID prefers a caller-supplied stable id over the body fingerprint.
func sessionID(sessionHash string, meta map[string]any) string {
	for _, key := range []string{"user_id", "conversation_id", "session_id"} {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return sessionHash
}

func hasAssistantHistory(messages []digest.Message) bool {
	for _, m := range messages {
		role := strings.ToLower(m.Role)
		if role != "user" && role != "system" {
			return true
		}
	}
	return false
}

func resumeIndicated(meta map[string]any) bool {
	if len(meta) == 0 {
		return false
	}
	if v, ok := meta["resume"].(bool); ok && v {
		return true
	}
	if v, ok := meta["isResume"].(bool); ok && v {
		return true
	}
	if v, ok := meta["sessionType"].(string); ok {
		switch strings.ToLower(v) {
		case "resume", "existing":
			return true
		}
	}
	for _, key := range []string{"conversation_id", "session_id"} {
		if v, ok := meta[key].(string); ok && strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}

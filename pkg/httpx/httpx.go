// Package httpx carries the gateway's wire conventions: the JSON error
// envelope, the mapping from admission error codes to HTTP statuses,
// and the middleware that hardens the API surface.
package httpx

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ErrorBody is the envelope for every non-2xx JSON response. Code is
// one of the admission error codes; it is empty for plain transport
// errors (bad JSON, unknown route).
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusForCode maps an admission error code onto its HTTP status.
// Unknown codes surface as 500 so a new code cannot silently pass as a
// client error.
func StatusForCode(code string) int {
	switch code {
	case "QUEUE_FULL", "RATE_LIMIT_EXCEEDED", "SESSION_LIMIT_EXCEEDED":
		return http.StatusTooManyRequests
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "CLIENT_DISCONNECTED":
		return http.StatusRequestTimeout
	case "NO_ELIGIBLE_ACCOUNTS":
		return http.StatusForbidden
	case "SESSION_NOT_NEW", "SESSION_CONTENT_MISMATCH", "SESSION_APPEND_VIOLATION",
		"SESSION_ROLLBACK_VIOLATION", "SESSION_BRANCH_VIOLATION":
		return http.StatusConflict
	case "INVALID_ACCOUNT_ID", "INVALID_CONFIG":
		return http.StatusBadRequest
	case "BACKEND_UNAVAILABLE":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func WriteJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError emits the error envelope with an explicit status, for
// failures outside the admission code taxonomy.
func WriteError(w http.ResponseWriter, status int, code, msg string) {
	WriteJSON(w, status, ErrorBody{Error: msg, Code: code})
}

// WriteCode emits an admission error with the status its code maps to.
func WriteCode(w http.ResponseWriter, code, msg string) {
	WriteError(w, StatusForCode(code), code, msg)
}

// SecurityHeaders hardens the JSON API surface. The gateway never
// serves markup, so everything renderable is denied outright and no
// admission decision is ever cacheable.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

const (
	corsAllowMethods  = "GET,POST,DELETE,OPTIONS"
	corsAllowHeaders  = "Authorization,Content-Type,X-Api-Key-Id,X-Platform"
	corsExposeHeaders = "X-Request-Id,X-RateLimit-Limit,X-RateLimit-Remaining,X-RateLimit-Reset,Retry-After"
)

// CORS gates browser access to the admin endpoints behind an explicit
// origin allowlist and exposes the admission response headers the
// console reads. Non-browser traffic (no Origin header) passes through.
func CORS(allowedOrigins string) func(http.Handler) http.Handler {
	allowed := map[string]struct{}{}
	allowAll := false
	for _, part := range strings.Split(allowedOrigins, ",") {
		origin := strings.TrimSpace(part)
		switch origin {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[origin] = struct{}{}
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			preflight := r.Method == http.MethodOptions &&
				strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")) != ""
			if _, ok := allowed[origin]; !ok && !allowAll {
				if preflight {
					WriteError(w, http.StatusForbidden, "", "origin not allowed")
					return
				}
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")
			h.Add("Vary", "Access-Control-Request-Method")
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", corsAllowMethods)
			h.Set("Access-Control-Allow-Headers", corsAllowHeaders)
			h.Set("Access-Control-Expose-Headers", corsExposeHeaders)
			h.Set("Access-Control-Max-Age", "600")
			if preflight {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

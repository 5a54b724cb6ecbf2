package concurrency

import (
	"errors"
	"fmt"

	"github.com/touwaeriol/claude-relay-service/pkg/store"
)

// Wire error codes surfaced to callers.
const (
	CodeQueueFull          = "QUEUE_FULL"
	CodeTimeout            = "TIMEOUT"
	CodeClientDisconnected = "CLIENT_DISCONNECTED"
	CodeInvalidAccountID   = "INVALID_ACCOUNT_ID"
	CodeInvalidConfig      = "INVALID_CONFIG"
	CodeBackendUnavailable = "BACKEND_UNAVAILABLE"
)

var (
	// ErrClientDisconnected reports that the client went away while the
	// request was queued or running.
	ErrClientDisconnected = errors.New("client disconnected")
	// ErrInvalidResourceID rejects empty resource ids.
	ErrInvalidResourceID = errors.New("resource id must be a non-empty string")
	// ErrInvalidConfig rejects malformed limiter configuration.
	ErrInvalidConfig = errors.New("invalid limiter config")
)

// QueueFullError is returned when the bounded wait queue has no room left.
type QueueFullError struct {
	ResourceID     string
	CurrentWaiting int
	MaxQueueSize   int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("queue full for %s: %d waiting, max %d", e.ResourceID, e.CurrentWaiting, e.MaxQueueSize)
}

func (e *QueueFullError) Code() string { return CodeQueueFull }

// WaitTimeoutError is returned when a waiter was not admitted within the
// configured queue wait window.
type WaitTimeoutError struct {
	ResourceID string
	Timeout    int
}

func (e *WaitTimeoutError) Error() string {
	return fmt.Sprintf("queue wait timed out for %s after %ds", e.ResourceID, e.Timeout)
}

func (e *WaitTimeoutError) Code() string { return CodeTimeout }

func (e *WaitTimeoutError) TimeoutType() string { return "queue" }

func (e *WaitTimeoutError) TimeoutMs() int64 { return int64(e.Timeout) * 1000 }

// ExecutionTimeoutError is raised when an admitted job runs past its
// execution budget. The slot has already been released when callers see it.
type ExecutionTimeoutError struct {
	ResourceID string
	Timeout    int
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("execution timed out for %s after %ds", e.ResourceID, e.Timeout)
}

func (e *ExecutionTimeoutError) Code() string { return CodeTimeout }

func (e *ExecutionTimeoutError) TimeoutType() string { return "execution" }

func (e *ExecutionTimeoutError) TimeoutMs() int64 { return int64(e.Timeout) * 1000 }

type coder interface{ Code() string }

// ErrorCode maps any acquire failure onto its wire code. Unknown errors
// classify as backend loss so admission stays fail-closed.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var c coder
	if errors.As(err, &c) {
		return c.Code()
	}
	switch {
	case errors.Is(err, ErrClientDisconnected):
		return CodeClientDisconnected
	case errors.Is(err, ErrInvalidResourceID):
		return CodeInvalidAccountID
	case errors.Is(err, ErrInvalidConfig):
		return CodeInvalidConfig
	case store.IsBackendUnavailable(err):
		return CodeBackendUnavailable
	}
	return CodeBackendUnavailable
}

package store

import (
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrBackendUnavailable is returned whenever the backing store cannot be
// reached or answers with a transport-level failure. Admission paths treat
// it as fail-closed.
var ErrBackendUnavailable = errors.New("backend unavailable")

// ErrNotFound reports a missing key. Callers that treat absence as a normal
// state match against this instead of redis.Nil.
var ErrNotFound = errors.New("not found")

// WrapBackend converts a raw client error into the store error taxonomy.
// A nil error passes through, redis.Nil becomes ErrNotFound, everything
// else is a backend failure tagged with the failing operation.
func WrapBackend(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %v: %w", op, err, ErrBackendUnavailable)
}

// IsNotFound reports whether err is a missing-key result.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, redis.Nil)
}

// IsBackendUnavailable reports whether err is a store transport failure.
func IsBackendUnavailable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable)
}

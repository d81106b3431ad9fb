package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrDecode wraps malformed responses and event payloads. Decode failures
// are neither retried nor fatal: the owning component drops the offending
// item, logs, and continues.
var ErrDecode = errors.New("malformed payload")

// Error is an HTTP-level error returned by the backend.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

// IsPermanent reports whether err is a permanent request error
// (validation, authorization): surfaced to the caller, never retried
// automatically.
func IsPermanent(err error) bool {
	var re *Error
	if errors.As(err, &re) {
		return re.Status >= 400 && re.Status < 500 && re.Status != 408 && re.Status != 429
	}
	return false
}

// IsTransient reports whether err is worth retrying with backoff:
// timeouts, connection drops, throttling, and server-side failures.
// Anything reaching the transport without a permanent verdict is treated
// as transient; retries are idempotent via correlation ids.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var re *Error
	if errors.As(err, &re) {
		return re.Status == 408 || re.Status == 429 || re.Status >= 500
	}
	if errors.Is(err, ErrDecode) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

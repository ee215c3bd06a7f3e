package api

import (
	"errors"
	"fmt"
)

// Error taxonomy. Callers match with errors.Is; wrapped context travels via %w.
var (
	// ErrInvalidInput marks malformed model or dataset metadata. Never retried.
	ErrInvalidInput = errors.New("invalid input")

	// ErrComputation marks a degenerate statistical computation (for example zero
	// variance). Comparator-level code downgrades these to low-confidence results;
	// they surface only when no fallback exists.
	ErrComputation = errors.New("computation error")

	// ErrStoreUnavailable marks persistence I/O failure. Retried with bounded
	// exponential backoff before surfacing.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConcurrentOperation marks an apply/rollback attempted while another is in
	// flight for the same model. Rejected immediately; the caller may retry.
	ErrConcurrentOperation = errors.New("concurrent operation in progress")

	// ErrInvalidState marks a lifecycle transition the patch status machine forbids.
	ErrInvalidState = errors.New("invalid patch state")

	// ErrNotFound marks a missing model, patch, snapshot, or state record.
	ErrNotFound = errors.New("not found")
)

// InputErrorf wraps ErrInvalidInput with context.
func InputErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidInput}, args...)...)
}

// StateErrorf wraps ErrInvalidState with context.
func StateErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{ErrInvalidState}, args...)...)
}

// Retryable reports whether err is worth retrying. Only store I/O qualifies;
// deterministic computation and validation failures never do.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors forming the adapter-level taxonomy. Implementations wrap
// these with %w so the engine can classify failures with errors.Is.
var (
	// ErrTimeout marks a call that exceeded its bound. Transient: retried
	// per the owning component's policy, never fatal by itself.
	ErrTimeout = errors.New("adapter call timed out")

	// ErrNotReady marks a characteristic that is temporarily unwritable.
	// Retryable within the same chunk budget.
	ErrNotReady = errors.New("characteristic not ready")

	// ErrNotConnected marks an operation on a session the radio no longer
	// has. Drives the connection back to disconnected.
	ErrNotConnected = errors.New("peripheral not connected")
)

// OpError annotates a driver failure with the operation and peripheral it
// belongs to, preserving the underlying error for errors.Is/As.
type OpError struct {
	Op       string // "connect", "discover", "write", "notify", "disconnect"
	Identity string
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Identity, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// IsRetryableWrite reports whether err is the poll-retryable "not ready"
// condition rather than a hard write failure.
func IsRetryableWrite(err error) bool {
	return errors.Is(err, ErrNotReady)
}

// Normalize maps known driver error strings onto the sentinel taxonomy so
// classification survives upstream message drift. Unrecognized errors pass
// through unchanged.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNotReady) || errors.Is(err, ErrTimeout) {
		return err
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "not ready"), strings.Contains(msg, "busy"):
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

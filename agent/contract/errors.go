package contract

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrTransientProvider     = errors.New("transient provider error")
	ErrTimeout               = errors.New("advisor call timed out")
	ErrMemoryService         = errors.New("memory service error")
	ErrCheckpointConflict    = errors.New("checkpoint conflict")
	ErrCheckpointNotFound    = errors.New("checkpoint not found")
	ErrCheckpointUnavailable = errors.New("checkpoint store unavailable")
	ErrRoundFailed           = errors.New("round failed")
)

// TransientProviderError marks a provider failure worth one retry
// (rate limit, 5xx, dropped connection).
type TransientProviderError struct {
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient provider error (status=%d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

func (e *TransientProviderError) Is(target error) bool { return target == ErrTransientProvider }

// TimeoutError is returned when a single advisor call exceeds its own deadline.
type TimeoutError struct {
	Role  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("advisor %s timed out after %s", e.Role, e.After)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// MemoryServiceError wraps any failure of the external memory service.
type MemoryServiceError struct {
	Op  string
	Err error
}

func (e *MemoryServiceError) Error() string {
	return fmt.Sprintf("memory service %s: %v", e.Op, e.Err)
}

func (e *MemoryServiceError) Unwrap() error { return e.Err }

func (e *MemoryServiceError) Is(target error) bool { return target == ErrMemoryService }

// CheckpointConflictError rejects an invocation that would double-process a session.
type CheckpointConflictError struct {
	SessionID string
	Reason    string
}

func (e *CheckpointConflictError) Error() string {
	return fmt.Sprintf("checkpoint conflict for session %s: %s", e.SessionID, e.Reason)
}

func (e *CheckpointConflictError) Is(target error) bool { return target == ErrCheckpointConflict }

// CheckpointNotFoundError is returned for unknown or expired continuation tokens.
type CheckpointNotFoundError struct {
	Token string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint not found for token %q", e.Token)
}

func (e *CheckpointNotFoundError) Is(target error) bool { return target == ErrCheckpointNotFound }

// IsFatal reports whether err must abort the whole invocation.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCheckpointConflict) ||
		errors.Is(err, ErrCheckpointNotFound) ||
		errors.Is(err, ErrCheckpointUnavailable) ||
		errors.Is(err, ErrValidation)
}

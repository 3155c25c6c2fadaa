package store

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a referenced entity does not exist.
// The HTTP layer maps it to 404.
var ErrNotFound = errors.New("not found")

// ErrUnauthorized is returned when a credential check fails, such as a bad
// webhook signature. Mapped to 401.
var ErrUnauthorized = errors.New("unauthorized")

// ValidationError marks malformed input: a missing required field or an
// illegal enum value. Mapped to 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError builds a ValidationError for a field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError marks a transition that violates an invariant, such as
// resolving a task that is still blocked or spawning past the depth limit.
// Mapped to 409.
type ConflictError struct {
	Reason    string
	BlockedBy []string
}

func (e *ConflictError) Error() string {
	if len(e.BlockedBy) > 0 {
		return fmt.Sprintf("%s: blocked by unresolved tasks [%s]", e.Reason, strings.Join(e.BlockedBy, ", "))
	}
	return e.Reason
}

// CapacityError marks an exhausted bounded resource (hard spawn limit,
// rate limit). Mapped to 429.
type CapacityError struct {
	Reason string
}

func (e *CapacityError) Error() string { return e.Reason }

// Spawn controller rejection reasons, persisted on the request row.
const (
	ReasonDepthLimitExceeded = "DepthLimitExceeded"
	ReasonHardLimitReached   = "HardLimitReached"
	ReasonSpawnFailed        = "SpawnFailed"
)

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCapacity reports whether err is a CapacityError.
func IsCapacity(err error) bool {
	var ce *CapacityError
	return errors.As(err, &ce)
}

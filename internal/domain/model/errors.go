package model

import (
	"errors"
	"strings"
)

// Sentinel kinds. Callers match them with errors.Is.
var (
	// Configuration faults.
	ErrInvalidSeed = errors.New("invalid seed")

	// Expected, user-facing outcomes.
	ErrNotEligible         = errors.New("not eligible")
	ErrWindowInactive      = errors.New("claim window inactive")
	ErrCapacityExceeded    = errors.New("capacity exceeded")
	ErrAlreadyClaimed      = errors.New("entry already claimed")
	ErrResourceNotFound    = errors.New("resource not found")
	ErrParticipantNotFound = errors.New("participant not found")

	// Infrastructure faults.
	ErrConflictRetryExhausted = errors.New("conflict retry exhausted")
	ErrStorage                = errors.New("storage error")

	// Store signals returned by EntryStore implementations.
	ErrEntryNotFound = errors.New("entry not found")
	ErrEntryConflict = errors.New("entry already exists")
)

// Error carries the operation and kind of a failure together with its cause.
type Error struct {
	Op   string
	Kind error
	Err  error
}

// NewKind returns an error of the given kind without an underlying cause.
func NewKind(op string, kind error) error {
	return &Error{Op: op, Kind: kind}
}

// WrapKind returns an error of the given kind wrapping err.
func WrapKind(op string, kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsUserFacing reports whether err is an expected outcome that callers should
// map to a precise response rather than treat as a fault.
func IsUserFacing(err error) bool {
	switch {
	case errors.Is(err, ErrStorage), errors.Is(err, ErrConflictRetryExhausted):
		return false
	case errors.Is(err, ErrNotEligible),
		errors.Is(err, ErrWindowInactive),
		errors.Is(err, ErrCapacityExceeded),
		errors.Is(err, ErrAlreadyClaimed),
		errors.Is(err, ErrResourceNotFound),
		errors.Is(err, ErrParticipantNotFound):
		return true
	}
	return false
}

// KindOf returns a short, stable label for err suitable for metrics.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflictRetryExhausted):
		return "conflict_retry_exhausted"
	case errors.Is(err, ErrStorage):
		return "storage"
	case errors.Is(err, ErrNotEligible):
		return "not_eligible"
	case errors.Is(err, ErrWindowInactive):
		return "window_inactive"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrAlreadyClaimed):
		return "already_claimed"
	case errors.Is(err, ErrResourceNotFound):
		return "resource_not_found"
	case errors.Is(err, ErrParticipantNotFound):
		return "participant_not_found"
	case errors.Is(err, ErrInvalidSeed):
		return "invalid_seed"
	}
	return "unknown"
}

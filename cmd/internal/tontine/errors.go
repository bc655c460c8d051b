package tontine

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the engine matches exactly one of these via errors.Is.
var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrForbidden         = errors.New("forbidden")
	ErrInvalidState      = errors.New("invalid state")
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrResourceExhausted = errors.New("resource exhausted")
)

// State reasons. Each one also matches ErrInvalidState.
var (
	ErrAlreadyMember     = fmt.Errorf("%w: already a member", ErrInvalidState)
	ErrGroupFull         = fmt.Errorf("%w: group is full", ErrInvalidState)
	ErrGroupNotJoinable  = fmt.Errorf("%w: group is not accepting members", ErrInvalidState)
	ErrInvalidOperation  = fmt.Errorf("%w: operation not allowed", ErrInvalidState)
	ErrRoundOpen         = fmt.Errorf("%w: round recipient not yet received", ErrInvalidState)
	ErrRoundNotCollected = fmt.Errorf("%w: round has unpaid contributions", ErrInvalidState)
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind is one of the sentinels above; Msg is human-readable context.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

// ConflictError reports a concurrent-modification or uniqueness conflict for a logical field
// ("invite_code", "group", "version"). Conflicts are safe to retry.
type ConflictError struct {
	Op    string
	Field string
}

func (e ConflictError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrConflict)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrConflict, e.Field)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// NotFoundError reports a missing group, member, round or contribution.
type NotFoundError struct {
	Op       string
	Resource string
}

func (e NotFoundError) Error() string {
	if e.Resource == "" {
		return fmt.Sprintf("%s: %v", e.Op, ErrNotFound)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, ErrNotFound, e.Resource)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

func invalid(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidInput, Msg: msg}
}

func forbidden(op, msg string) error {
	return OpError{Op: op, Kind: ErrForbidden, Msg: msg}
}

func stateErr(op string, reason error, msg string) error {
	return OpError{Op: op, Kind: reason, Msg: msg}
}

func idErr(op string, err error) error {
	return fmt.Errorf("%s: mint id: %w", op, err)
}

func notFound(op, resource string) error {
	return NotFoundError{Op: op, Resource: resource}
}

// IsConflict reports whether err is a retryable conflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsNotFound reports whether err represents ErrNotFound (including NotFoundError).
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }

// IsForbidden reports whether err represents ErrForbidden.
func IsForbidden(err error) bool { return errors.Is(err, ErrForbidden) }

// IsInvalidState reports whether err represents ErrInvalidState or one of its reasons.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// ErrorKind returns a short stable label for err, used for metric labels and API error codes.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsInvalidInput(err):
		return "invalid_input"
	case IsForbidden(err):
		return "forbidden"
	case IsNotFound(err):
		return "not_found"
	case IsConflict(err):
		return "conflict"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case IsInvalidState(err):
		return "invalid_state"
	default:
		return "internal"
	}
}

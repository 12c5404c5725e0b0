package protocol

import (
	"context"
	"errors"

	"github.com/aretw0/tessera/pkg/core"
)

// Error is the wire form of a failed call. Kind names the core sentinel the
// server-side error matched, so errors.Is keeps working across the wire.
type Error struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel named by Kind, or nil for unclassified errors.
func (e *Error) Unwrap() error {
	for _, k := range kinds {
		if k.name == e.Kind {
			return k.err
		}
	}
	return nil
}

// kinds is ordered most specific first: the conflict subclasses wrap ErrConflict.
var kinds = []struct {
	name string
	err  error
}{
	{"authentication_expired", core.ErrAuthenticationExpired},
	{"permission_denied", core.ErrPermissionDenied},
	{"not_found", core.ErrNotFound},
	{"invalid_name", core.ErrInvalidName},
	{"already_exists", core.ErrAlreadyExists},
	{"locked", core.ErrLocked},
	{"same_value", core.ErrSameValue},
	{"not_empty", core.ErrNotEmpty},
	{"being_edited", core.ErrBeingEdited},
	{"conflict", core.ErrConflict},
	{"commit_failed", core.ErrCommitFailed},
	{"protocol_violation", core.ErrProtocolViolation},
	{"canceled", core.ErrCanceled},
	{"access_violation", core.ErrAccessViolation},
	{"read_only", core.ErrReadOnly},
}

// KindOf returns the wire kind of err, or "internal".
func KindOf(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "canceled"
	}
	return "internal"
}

// NewError converts err for the wire. A nil err returns nil.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: KindOf(err), Message: err.Error()}
}

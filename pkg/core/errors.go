package core

import (
	"errors"
	"fmt"
)

// Common errors.
//
// Conflict-class errors wrap ErrConflict, so callers can tell "not allowed"
// (ErrPermissionDenied) from "not applicable" with a single errors.Is check.
var (
	ErrAuthenticationExpired = errors.New("authentication expired")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrNotFound              = errors.New("not found")
	ErrInvalidName           = errors.New("invalid name")

	ErrConflict      = errors.New("conflict")
	ErrAlreadyExists = fmt.Errorf("%w: already exists", ErrConflict)
	ErrLocked        = fmt.Errorf("%w: locked", ErrConflict)
	ErrSameValue     = fmt.Errorf("%w: same value", ErrConflict)
	ErrNotEmpty      = fmt.Errorf("%w: not empty", ErrConflict)
	ErrBeingEdited   = fmt.Errorf("%w: being edited", ErrConflict)

	ErrCommitFailed      = errors.New("repository commit failed")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrCanceled          = errors.New("canceled")
	ErrAccessViolation   = errors.New("dispatcher access violation")
	ErrReadOnly          = errors.New("repository is in read-only mode")
)

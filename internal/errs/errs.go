package errs

import "errors"

// Shared failure taxonomy. Callers match with errors.Is and wrap with %w so
// context survives across service boundaries.
var (
	// ErrValidation rejects malformed input before any state change.
	ErrValidation = errors.New("invalid request")

	// ErrInvalidTransition rejects a state-machine move not in the
	// transition table. No side effect has happened.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound means the referenced entity does not exist (or is
	// soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrConflict signals an optimistic-lock mismatch or duplicate unique
	// key. The caller should reload and retry with fresh state.
	ErrConflict = errors.New("conflict")

	// ErrExternalService wraps collaborator timeouts and failures.
	ErrExternalService = errors.New("external service unavailable")

	// ErrNotCancellable: the order has reached SHIPPING or later.
	ErrNotCancellable = errors.New("order no longer cancellable")

	// ErrAlreadyScanned: a QR token is single-shot.
	ErrAlreadyScanned = errors.New("qr code already scanned")

	// ErrInvalidCoordinates: |lat|>90 or |lng|>180.
	ErrInvalidCoordinates = errors.New("coordinates out of range")
)

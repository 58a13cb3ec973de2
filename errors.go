package quoteflow

import "errors"

// Error taxonomy for the engine's public surface. Callers should match
// with errors.Is; every engine error wraps exactly one of these.
var (
	// ErrNotFound indicates an unknown execution or stage reference.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an illegal state transition, such as
	// resuming an execution that is not awaiting human input or
	// cancelling one that already reached a terminal state.
	ErrConflict = errors.New("conflict")

	// ErrValidation indicates a malformed stage name or update payload.
	ErrValidation = errors.New("validation failed")

	// ErrStageExecution indicates an opaque executor failure. The engine
	// converts these into durable failed state; they are never returned
	// raw from the public surface.
	ErrStageExecution = errors.New("stage execution failed")

	// ErrStorage indicates a persistence or dispatch infrastructure
	// failure, distinguished from business failure so that jobs retry
	// instead of failing the execution.
	ErrStorage = errors.New("storage failure")
)

// IsNotFound reports whether the error wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether the error wraps ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

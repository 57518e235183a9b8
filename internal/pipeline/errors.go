package pipeline

import "errors"

var (
	// ErrValidation marks a request rejected before anything was persisted.
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when a document already has an active pipeline.
	ErrConflict = errors.New("active pipeline already exists for document")

	// ErrNotFound is returned when a pipeline id does not exist.
	ErrNotFound = errors.New("pipeline not found")

	// ErrInvalidState is returned when an operation does not apply to the
	// pipeline's current state, e.g. resuming a pipeline that was never
	// interrupted.
	ErrInvalidState = errors.New("operation not valid in current pipeline state")

	// ErrInvalidTransition is returned by the store when a stage status
	// change is not one of the legal lifecycle transitions.
	ErrInvalidTransition = errors.New("illegal stage transition")

	// ErrExecutionActive is returned when Execute is called for a pipeline
	// that already holds its execution lease.
	ErrExecutionActive = errors.New("pipeline execution already in progress")
)

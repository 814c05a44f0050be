package workflow

import "errors"

var (
	// ErrInvalidTransition reports a lifecycle method called from an
	// incompatible state. The instance is left unchanged.
	ErrInvalidTransition = errors.New("invalid workflow transition")
	// ErrCapacityExceeded reports a non-blocking start rejected by
	// admission control.
	ErrCapacityExceeded = errors.New("workflow capacity exceeded")
	// ErrWorkflowNotFound reports an unknown workflow ID.
	ErrWorkflowNotFound = errors.New("workflow not found")
	// ErrUnknownStrategy reports a workflow type with no registered
	// strategy factory.
	ErrUnknownStrategy = errors.New("unknown workflow type")
)

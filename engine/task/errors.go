package task

import "errors"

// Graph construction and mutation errors. All are raised synchronously
// before any state change, leaving the graph exactly as it was.
var (
	ErrDuplicateTask    = errors.New("task already exists in graph")
	ErrUnknownTask      = errors.New("task not found in graph")
	ErrCyclicDependency = errors.New("dependency would create a cycle")
)

package core

import "strings"

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

// StatusType is shared by tasks and workflows. Tasks use
// PENDING/READY/RUNNING/SUCCESS/FAILED/SKIPPED; workflows use
// PENDING/RUNNING/PAUSED/SUCCESS/FAILED/CANCELED.
type StatusType string

const (
	StatusPending  StatusType = "PENDING"
	StatusReady    StatusType = "READY"
	StatusRunning  StatusType = "RUNNING"
	StatusPaused   StatusType = "PAUSED"
	StatusSuccess  StatusType = "SUCCESS"
	StatusFailed   StatusType = "FAILED"
	StatusSkipped  StatusType = "SKIPPED"
	StatusCanceled StatusType = "CANCELED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are possible.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusSkipped, StatusCanceled:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Priority
// -----------------------------------------------------------------------------

// PriorityType orders tasks inside a ready set. It is only a tie-break:
// dependency order always wins.
type PriorityType string

const (
	PriorityLow      PriorityType = "low"
	PriorityMedium   PriorityType = "medium"
	PriorityHigh     PriorityType = "high"
	PriorityCritical PriorityType = "critical"
)

// Rank returns the numeric weight of the priority, higher runs first.
// Unknown values rank below low so malformed planner output never jumps
// the queue.
func (p PriorityType) Rank() int {
	switch p {
	case PriorityCritical:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParsePriority maps free-form planner output onto a PriorityType,
// defaulting to medium.
func ParsePriority(s string) PriorityType {
	switch PriorityType(strings.ToLower(strings.TrimSpace(s))) {
	case PriorityLow:
		return PriorityLow
	case PriorityHigh:
		return PriorityHigh
	case PriorityCritical:
		return PriorityCritical
	default:
		return PriorityMedium
	}
}

// -----------------------------------------------------------------------------
// Input / Output
// -----------------------------------------------------------------------------

type Input map[string]any

type Output map[string]any

// Merge returns a new Input with values from other overriding i.
func (i Input) Merge(other Input) Input {
	merged := make(Input, len(i)+len(other))
	for k, v := range i {
		merged[k] = v
	}
	for k, v := range other {
		merged[k] = v
	}
	return merged
}

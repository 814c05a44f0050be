package core

import "fmt"

// Error is the structured failure value carried on task and workflow
// state. Execution failures travel as values, not raised errors, so the
// scheduler can apply retry and continuation policy uniformly.
type Error struct {
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func NewError(err error, code string, details map[string]any) *Error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Error{Message: msg, Code: code, Details: details}
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

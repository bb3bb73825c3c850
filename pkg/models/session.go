package models

import "time"

// SessionStatus represents the overall state of a generation session.
type SessionStatus string

const (
	// SessionPending indicates the session has been accepted but no task
	// has been dispatched yet.
	SessionPending SessionStatus = "pending"
	// SessionRunning indicates at least one task is in flight.
	SessionRunning SessionStatus = "running"
	// SessionPartial indicates the session finished with a mix of
	// succeeded and failed/skipped tasks.
	SessionPartial SessionStatus = "partial"
	// SessionSucceeded indicates every task succeeded.
	SessionSucceeded SessionStatus = "succeeded"
	// SessionFailed indicates no task succeeded, or the session was
	// rejected outright (for example, no capable worker).
	SessionFailed SessionStatus = "failed"
)

// Valid returns true if the status is a known value.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPending, SessionRunning, SessionPartial, SessionSucceeded, SessionFailed:
		return true
	default:
		return false
	}
}

// Terminal returns true if the session has reached a final status.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionPartial, SessionSucceeded, SessionFailed:
		return true
	default:
		return false
	}
}

// SessionSummary is the persisted record of one session, used by the
// snapshot store and the status CLI.
type SessionSummary struct {
	// ID is the session identifier.
	ID string `json:"id"`
	// Name is the request spec name, if any.
	Name string `json:"name,omitempty"`
	// Status is the session's final (or current) status.
	Status SessionStatus `json:"status"`
	// StartedAt is when the session was submitted.
	StartedAt time.Time `json:"started_at"`
	// FinishedAt is when the session reached a terminal status.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

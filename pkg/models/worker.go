package models

import "time"

// WorkerStatus represents the current availability of a worker.
type WorkerStatus string

const (
	// WorkerStatusIdle indicates the worker is registered and has no task.
	WorkerStatusIdle WorkerStatus = "idle"
	// WorkerStatusBusy indicates the worker holds exactly one assigned task.
	WorkerStatusBusy WorkerStatus = "busy"
	// WorkerStatusUnavailable indicates the worker was deregistered or
	// stopped reporting. Unavailable workers are never deleted mid-session.
	WorkerStatusUnavailable WorkerStatus = "unavailable"
)

// Valid returns true if the status is a known value.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerStatusIdle, WorkerStatusBusy, WorkerStatusUnavailable:
		return true
	default:
		return false
	}
}

// ActionRecord is one entry in a worker's append-only action history.
type ActionRecord struct {
	// TaskID is the task the worker executed.
	TaskID string `json:"task_id"`
	// Outcome describes how the attempt ended (succeeded, failed, timeout).
	Outcome string `json:"outcome"`
	// Timestamp is when the outcome was recorded.
	Timestamp time.Time `json:"timestamp"`
}

// Worker describes a registered generation worker. The capability set is
// immutable after registration; changing it requires re-registration.
type Worker struct {
	// ID is the unique, stable identifier for this worker.
	ID string `json:"id"`
	// Capabilities is the set of capability tags the worker declared.
	Capabilities []Capability `json:"capabilities"`
	// Status is the current availability of the worker.
	Status WorkerStatus `json:"status"`
	// History is the append-only log of task outcomes.
	History []ActionRecord `json:"history,omitempty"`
	// RegisteredAt is when the worker registered.
	RegisteredAt time.Time `json:"registered_at"`
}

// HasCapability returns true if the worker declared the given capability.
func (w *Worker) HasCapability(c Capability) bool {
	for _, have := range w.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

package models

import "time"

// Capability is a named generation skill (e.g. "firmware", "tinyml") used
// for task-to-worker matching. Matching is exact set membership; there is
// no keyword or fuzzy matching.
type Capability string

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	// TaskStatusPending indicates the task has not been dispatched yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusDispatched indicates the task has been published to a worker.
	TaskStatusDispatched TaskStatus = "dispatched"
	// TaskStatusRunning indicates a worker has started generating.
	TaskStatusRunning TaskStatus = "running"
	// TaskStatusSucceeded indicates the task completed successfully.
	TaskStatusSucceeded TaskStatus = "succeeded"
	// TaskStatusFailed indicates the task failed after exhausting retries.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusRetrying indicates the task failed and is awaiting another attempt.
	TaskStatusRetrying TaskStatus = "retrying"
	// TaskStatusSkipped indicates the task was never attempted because a
	// dependency failed.
	TaskStatusSkipped TaskStatus = "skipped"
)

// Valid returns true if the status is a known value.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusDispatched, TaskStatusRunning,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusRetrying, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Terminal returns true if the status is final for the task. A retrying
// task is not terminal; it will be dispatched again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Task is one capability-scoped unit of work within a session.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `json:"id"`
	// SessionID is the ID of the session this task belongs to.
	SessionID string `json:"session_id"`
	// Type is the capability required to execute this task.
	Type Capability `json:"type"`
	// Payload is the opaque generation spec handed to the worker.
	Payload map[string]any `json:"payload,omitempty"`
	// DependsOn lists task IDs that must succeed before this task runs.
	DependsOn []string `json:"depends_on,omitempty"`
	// Status is the current state of the task.
	Status TaskStatus `json:"status"`
	// AssignedWorker is the ID of the worker holding the current attempt.
	// It never changes within an attempt; a retry may reassign.
	AssignedWorker string `json:"assigned_worker,omitempty"`
	// Result is the artifact produced by a successful attempt.
	Result *Artifact `json:"result,omitempty"`
	// Attempts is the number of dispatches so far, including the current one.
	Attempts int `json:"attempts"`
	// Error contains the failure reason if the task failed.
	Error string `json:"error,omitempty"`
	// CreatedAt is when the orchestrator created the task.
	CreatedAt time.Time `json:"created_at"`
	// CompletedAt is when the task reached a terminal status, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Artifact is the opaque output of one generation task.
type Artifact struct {
	// TaskID is the ID of the task that produced this artifact.
	TaskID string `json:"task_id"`
	// Producer is the ID of the worker that produced this artifact.
	Producer string `json:"producer"`
	// Content is the generated output, keyed by output name.
	Content map[string]any `json:"content"`
	// CreatedAt is when the artifact was produced.
	CreatedAt time.Time `json:"created_at"`
}

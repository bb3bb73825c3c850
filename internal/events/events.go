// Package events defines the bus topics and message payloads that the
// orchestrator and workers exchange. Workers and the orchestrator never
// hold references to each other; this package is their entire shared
// vocabulary.
package events

import "time"

// Bus topics. Task lifecycle messages stay on their own topics so
// subscribers can pick exactly the stream they need; ordering is only
// guaranteed within one topic.
const (
	// TopicDispatch carries task assignments from the orchestrator to a
	// specific worker.
	TopicDispatch = "task.dispatch"
	// TopicStarted announces that a worker began generating.
	TopicStarted = "task.started"
	// TopicCompleted announces a successful attempt.
	TopicCompleted = "task.completed"
	// TopicFailed announces a failed attempt, worker-reported or
	// orchestrator-synthesized.
	TopicFailed = "task.failed"
	// TopicCancel asks the assigned worker to stop a task cooperatively.
	TopicCancel = "task.cancel"
)

// FailureClass tells the retry policy how to treat a failed attempt.
type FailureClass string

const (
	// FailureRetryable marks transient failures eligible for bounded retry.
	FailureRetryable FailureClass = "retryable"
	// FailureFatal marks failures that retrying cannot fix (bad payload,
	// unsupported capability).
	FailureFatal FailureClass = "fatal"
	// FailureTimeout marks a deadline miss synthesized by the
	// orchestrator. Treated like a retryable failure by the retry policy.
	FailureTimeout FailureClass = "timeout"
)

// Retryable returns true if the class is eligible for retry.
func (c FailureClass) Retryable() bool {
	return c == FailureRetryable || c == FailureTimeout
}

// Dispatch is the payload on TopicDispatch. It is addressed: only the
// named worker acts on it, though any subscriber may observe it.
type Dispatch struct {
	// SessionID is the session the task belongs to.
	SessionID string
	// TaskID is the task being assigned.
	TaskID string
	// WorkerID is the worker this attempt is assigned to.
	WorkerID string
	// Capability is the capability the task requires.
	Capability string
	// Payload is the opaque generation spec.
	Payload map[string]any
	// Attempt is the 1-based attempt number.
	Attempt int
	// Deadline is when the orchestrator will synthesize a timeout failure.
	Deadline time.Time
}

// Started is the payload on TopicStarted.
type Started struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Attempt   int
}

// Completed is the payload on TopicCompleted. The artifact itself lives
// in the shared context under ContextKey; the message only references it.
type Completed struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Attempt   int
	// ContextKey is the shared-context key holding the artifact.
	ContextKey string
}

// Failed is the payload on TopicFailed.
type Failed struct {
	SessionID string
	TaskID    string
	WorkerID  string
	Attempt   int
	Class     FailureClass
	Reason    string
}

// Cancel is the payload on TopicCancel.
type Cancel struct {
	SessionID string
	TaskID    string
}

// ArtifactKey returns the shared-context key a worker writes its final
// artifact under.
func ArtifactKey(taskID string) string {
	return "artifact." + taskID
}

package orchestrator

import (
	"log"
	"sync/atomic"
	"time"
)

// EventType represents the type of orchestrator event.
type EventType string

const (
	// EventSessionSubmitted indicates a request was accepted and decomposed.
	EventSessionSubmitted EventType = "session_submitted"
	// EventTaskDispatched indicates a task was assigned and published.
	EventTaskDispatched EventType = "task_dispatched"
	// EventTaskStarted indicates a worker began generating.
	EventTaskStarted EventType = "task_started"
	// EventTaskCompleted indicates a task completed successfully.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed indicates a task failed terminally.
	EventTaskFailed EventType = "task_failed"
	// EventTaskRetrying indicates a failed attempt will be retried.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskSkipped indicates a task was skipped because a dependency failed.
	EventTaskSkipped EventType = "task_skipped"
	// EventSessionDone indicates the session reached a terminal status.
	EventSessionDone EventType = "session_done"
)

// Event represents an event emitted by the orchestrator.
// These events drive the watch TUI and progress reporting.
type Event struct {
	// Type is the kind of event.
	Type EventType
	// SessionID is the session the event belongs to.
	SessionID string
	// TaskID is the ID of the related task, if applicable.
	TaskID string
	// Capability is the capability of the related task, if applicable.
	Capability string
	// WorkerID is the ID of the related worker, if applicable.
	WorkerID string
	// Attempt is the attempt number for task events.
	Attempt int
	// Message provides additional context about the event.
	Message string
	// Error contains error details for failure events.
	Error error
	// Timestamp is when the event occurred.
	Timestamp time.Time
}

// EventEmitter handles event emission for the orchestrator.
// It provides a simple, thread-safe way to emit events to subscribers.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int) *EventEmitter {
	return &EventEmitter{
		events: make(chan Event, bufferSize),
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	// Try immediate send first
	select {
	case e.events <- event:
		return
	default:
		// Channel full, try with timeout
	}

	// Give the receiver a short chance to drain before dropping.
	select {
	case e.events <- event:
		return
	case <-time.After(100 * time.Millisecond):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // Log every 10th drop to avoid spam
			log.Printf("[orchestrator] WARNING: event channel full, dropped event (total dropped: %d): type=%s", count, event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
// This is used by subscribers (e.g., the watch TUI) to receive updates.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel.
// This should be called when the orchestrator is stopped.
func (e *EventEmitter) Close() {
	close(e.events)
}

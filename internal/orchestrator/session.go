package orchestrator

import (
	"sync"
	"time"

	"github.com/anvilworks/anvil/internal/events"
	"github.com/anvilworks/anvil/internal/graph"
	"github.com/anvilworks/anvil/pkg/models"
)

// taskEvent is one lifecycle notification routed from the bus (or
// synthesized by a deadline timer) into a session's pipeline loop.
type taskEvent struct {
	taskID     string
	workerID   string
	attempt    int
	started    bool
	completed  bool
	contextKey string
	class      events.FailureClass
	reason     string
	// synthesized marks orchestrator-generated timeout failures, which
	// carry no worker report.
	synthesized bool
}

// Result is the aggregated outcome of one session. It is immutable once
// the session is terminal; repeated Result calls return the same value.
type Result struct {
	// SessionID is the session this result belongs to.
	SessionID string
	// Status is the terminal session status.
	Status models.SessionStatus
	// Artifacts maps deliverable names to produced artifacts.
	Artifacts map[string]*models.Artifact
	// Failures maps deliverable names to failure reasons for tasks that
	// failed or were skipped.
	Failures map[string]string
}

// session is the orchestrator's in-memory state for one request.
type session struct {
	id        string
	name      string
	graph     *graph.DependencyGraph
	startedAt time.Time

	// taskByID and nameByTask translate between deliverable names and
	// task IDs; both are fixed at decomposition time.
	tasks      map[string]*models.Task
	nameByTask map[string]string

	// taskEvents feeds the pipeline loop. Sized to hold every event the
	// session can produce so bus handlers never block on a dead loop.
	taskEvents chan taskEvent
	// cancelCh is signalled once by Cancel.
	cancelCh  chan struct{}
	cancelled bool

	// inflight tracks task IDs with an outstanding dispatch, owned by
	// the pipeline loop.
	inflight map[string]bool
	// timers holds the deadline timer per in-flight task.
	timers map[string]*time.Timer

	// done closes when the session reaches a terminal status.
	done chan struct{}

	mu     sync.RWMutex
	status models.SessionStatus
	result *Result
}

// setStatus updates the session status under lock.
func (s *session) setStatus(st models.SessionStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Status returns the session's current status.
func (s *session) Status() models.SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// finalize computes the terminal status and result from task states.
// Called exactly once, by the pipeline loop.
func (s *session) finalize() {
	artifacts := make(map[string]*models.Artifact)
	failures := make(map[string]string)

	succeeded := 0
	for id, task := range s.tasks {
		name := s.nameByTask[id]
		switch task.Status {
		case models.TaskStatusSucceeded:
			succeeded++
			artifacts[name] = task.Result
		case models.TaskStatusFailed:
			failures[name] = task.Error
		case models.TaskStatusSkipped:
			failures[name] = "skipped: dependency failed"
		default:
			// Cancelled mid-flight without a terminal report.
			failures[name] = "cancelled"
		}
	}

	var status models.SessionStatus
	switch {
	case succeeded == len(s.tasks):
		status = models.SessionSucceeded
	case succeeded > 0:
		status = models.SessionPartial
	default:
		status = models.SessionFailed
	}

	s.mu.Lock()
	s.status = status
	s.result = &Result{
		SessionID: s.id,
		Status:    status,
		Artifacts: artifacts,
		Failures:  failures,
	}
	s.mu.Unlock()
}

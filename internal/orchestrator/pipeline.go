package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/anvilworks/anvil/internal/events"
	"github.com/anvilworks/anvil/internal/registry"
	"github.com/anvilworks/anvil/pkg/models"
)

// dispatchPoll bounds how long a ready task waits when every capable
// worker is busy, including workers held by other sessions whose release
// produces no event on this session's loop.
const dispatchPoll = 100 * time.Millisecond

// runSession is the pipeline executor: a single goroutine that walks the
// session's dependency graph, dispatching tasks whose dependencies have
// succeeded and applying the retry, timeout, and skip policies as
// lifecycle events arrive. All task mutation happens here.
func (o *Orchestrator) runSession(s *session) {
	defer o.wg.Done()

	s.setStatus(models.SessionRunning)
	cancelled := false
	cancelCh := s.cancelCh

	for {
		if !cancelled {
			o.dispatchReady(s)
		}

		if cancelled && len(s.inflight) == 0 {
			o.haltRemaining(s, "cancelled")
			break
		}
		if s.graph.Done() && len(s.inflight) == 0 {
			break
		}

		select {
		case ev := <-s.taskEvents:
			o.handleTaskEvent(s, ev, cancelled)
		case <-cancelCh:
			cancelCh = nil
			cancelled = true
			o.cancelOutstanding(s)
		case <-time.After(dispatchPoll):
			// Re-check for freed workers.
		}
	}

	for _, timer := range s.timers {
		timer.Stop()
	}
	s.finalize()
	close(s.done)
	o.persistFinish(s)

	o.logger.Log("[orchestrator] session %s done: %s", s.id, s.Status())
	o.emitter.Emit(Event{
		Type:      EventSessionDone,
		SessionID: s.id,
		Message:   string(s.Status()),
		Timestamp: time.Now(),
	})
}

// dispatchReady assigns and publishes every ready task that has an
// acquirable worker. Assignment is sequential (the registry acquire is
// the mutual-exclusion point); the publishes fan out concurrently since
// a blocking-policy bus may stall on a full queue.
func (o *Orchestrator) dispatchReady(s *session) {
	type assignment struct {
		task     *models.Task
		workerID string
		deadline time.Time
	}

	var assigned []assignment
	for _, taskID := range s.graph.GetReady() {
		if s.inflight[taskID] {
			continue
		}
		task := s.tasks[taskID]
		if task.Status != models.TaskStatusPending && task.Status != models.TaskStatusRetrying {
			continue
		}

		candidates := o.registry.FindCandidates(task.Type)
		if len(candidates) == 0 {
			// The last capable worker deregistered mid-session; no amount
			// of polling can dispatch this task.
			o.failAttempt(s, task, taskEvent{
				taskID:  task.ID,
				attempt: task.Attempts,
				class:   events.FailureFatal,
				reason:  fmt.Sprintf("no capable worker remains for %q", task.Type),
			}, false)
			continue
		}

		var workerID string
		for _, candidate := range candidates {
			if err := o.registry.Acquire(candidate, taskID); err == nil {
				workerID = candidate
				break
			}
		}
		if workerID == "" {
			// Every capable worker is busy; the poll tick retries. A busy
			// worker that never reports keeps its session polling, which is
			// the documented cost of never preempting an assignment.
			continue
		}

		task.Attempts++
		task.Status = models.TaskStatusDispatched
		task.AssignedWorker = workerID
		assigned = append(assigned, assignment{
			task:     task,
			workerID: workerID,
			deadline: time.Now().Add(o.taskTimeout),
		})
	}

	if len(assigned) == 0 {
		return
	}

	var mu sync.Mutex
	failed := make(map[string]error)
	var g errgroup.Group
	for _, a := range assigned {
		a := a
		g.Go(func() error {
			_, err := o.bus.Publish(events.TopicDispatch, "orchestrator", events.Dispatch{
				SessionID:  s.id,
				TaskID:     a.task.ID,
				WorkerID:   a.workerID,
				Capability: string(a.task.Type),
				Payload:    a.task.Payload,
				Attempt:    a.task.Attempts,
				Deadline:   a.deadline,
			})
			if err != nil {
				mu.Lock()
				failed[a.task.ID] = err
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	for _, a := range assigned {
		if err := failed[a.task.ID]; err != nil {
			// Queue full under fail-fast: roll the attempt back and let
			// the poll tick retry. Recoverable by design.
			o.logger.Log("[orchestrator] dispatch %s: %v", a.task.ID, err)
			o.registry.Unassign(a.workerID)
			a.task.Attempts--
			a.task.Status = models.TaskStatusPending
			a.task.AssignedWorker = ""
			continue
		}

		s.inflight[a.task.ID] = true
		taskID, attempt := a.task.ID, a.task.Attempts
		s.timers[taskID] = time.AfterFunc(time.Until(a.deadline), func() {
			o.route(s.id, taskEvent{
				taskID:      taskID,
				attempt:     attempt,
				class:       events.FailureTimeout,
				reason:      "task deadline exceeded",
				synthesized: true,
			})
		})

		o.logger.Log("[orchestrator] dispatched %s to %s (attempt %d)", a.task.ID, a.workerID, a.task.Attempts)
		o.emitter.Emit(Event{
			Type:       EventTaskDispatched,
			SessionID:  s.id,
			TaskID:     a.task.ID,
			Capability: string(a.task.Type),
			WorkerID:   a.workerID,
			Attempt:    a.task.Attempts,
			Timestamp:  time.Now(),
		})
	}
}

// handleTaskEvent applies one lifecycle event to the session. Stale
// events (earlier attempts, already-terminal tasks) only release the
// reporting worker; at-least-once delivery makes duplicates normal.
func (o *Orchestrator) handleTaskEvent(s *session, ev taskEvent, cancelled bool) {
	task := s.tasks[ev.taskID]
	if task == nil {
		return
	}

	switch {
	case ev.started:
		if ev.attempt == task.Attempts && task.Status == models.TaskStatusDispatched {
			task.Status = models.TaskStatusRunning
			o.emitter.Emit(Event{
				Type:       EventTaskStarted,
				SessionID:  s.id,
				TaskID:     task.ID,
				Capability: string(task.Type),
				WorkerID:   ev.workerID,
				Attempt:    ev.attempt,
				Timestamp:  time.Now(),
			})
		}

	case ev.completed:
		if task.Status.Terminal() || ev.attempt != task.Attempts {
			return
		}
		o.completeTask(s, task, ev)

	default:
		if task.Status.Terminal() || ev.attempt != task.Attempts {
			return
		}
		// A retrying task already had this attempt adjudicated by the
		// deadline timer; the worker's own report only frees the worker.
		if task.Status != models.TaskStatusDispatched && task.Status != models.TaskStatusRunning {
			return
		}
		o.failAttempt(s, task, ev, cancelled)
	}
}

// completeTask marks a task succeeded and collects its artifact from the
// shared context.
func (o *Orchestrator) completeTask(s *session, task *models.Task, ev taskEvent) {
	o.stopTimer(s, task.ID)
	delete(s.inflight, task.ID)

	value, _, err := o.store.Get(ev.contextKey)
	if err != nil {
		// A completion report whose artifact is missing is a worker bug;
		// treat it as a fatal failure.
		o.failAttempt(s, task, taskEvent{
			taskID:  task.ID,
			attempt: ev.attempt,
			class:   events.FailureFatal,
			reason:  fmt.Sprintf("artifact missing from shared context: %v", err),
		}, false)
		return
	}
	artifact, ok := value.(*models.Artifact)
	if !ok {
		o.failAttempt(s, task, taskEvent{
			taskID:  task.ID,
			attempt: ev.attempt,
			class:   events.FailureFatal,
			reason:  fmt.Sprintf("unexpected artifact type %T", value),
		}, false)
		return
	}

	now := time.Now()
	task.Status = models.TaskStatusSucceeded
	task.Result = artifact
	task.CompletedAt = &now
	s.graph.MarkSucceeded(task.ID)

	o.logger.Log("[orchestrator] task %s succeeded (attempt %d)", task.ID, ev.attempt)
	o.emitter.Emit(Event{
		Type:       EventTaskCompleted,
		SessionID:  s.id,
		TaskID:     task.ID,
		Capability: string(task.Type),
		WorkerID:   ev.workerID,
		Attempt:    ev.attempt,
		Timestamp:  now,
	})
}

// failAttempt applies the retry policy to a failed attempt. Retryable
// and timeout failures earn another attempt up to the configured bound;
// fatal failures and exhausted retries are terminal and skip all
// transitive dependents.
func (o *Orchestrator) failAttempt(s *session, task *models.Task, ev taskEvent, cancelled bool) {
	o.stopTimer(s, task.ID)
	delete(s.inflight, task.ID)

	if ev.synthesized {
		// Nudge the worker; it reports (and is released) once its
		// context cancellation lands.
		if _, err := o.bus.Publish(events.TopicCancel, "orchestrator", events.Cancel{
			SessionID: s.id,
			TaskID:    task.ID,
		}); err != nil {
			o.logger.Log("[orchestrator] cancel %s: %v", task.ID, err)
		}
	}

	canRetry := ev.class.Retryable() && task.Attempts <= o.maxRetries && !cancelled
	if canRetry {
		task.Status = models.TaskStatusRetrying
		task.AssignedWorker = ""
		o.logger.Log("[orchestrator] task %s attempt %d failed (%s), retrying: %s",
			task.ID, ev.attempt, ev.class, ev.reason)
		o.emitter.Emit(Event{
			Type:       EventTaskRetrying,
			SessionID:  s.id,
			TaskID:     task.ID,
			Capability: string(task.Type),
			Attempt:    ev.attempt,
			Message:    ev.reason,
			Timestamp:  time.Now(),
		})
		return
	}

	now := time.Now()
	task.Status = models.TaskStatusFailed
	task.Error = fmt.Sprintf("%s: %s", ev.class, ev.reason)
	task.CompletedAt = &now

	o.logger.Log("[orchestrator] task %s failed terminally (attempt %d, %s): %s",
		task.ID, ev.attempt, ev.class, ev.reason)
	o.emitter.Emit(Event{
		Type:       EventTaskFailed,
		SessionID:  s.id,
		TaskID:     task.ID,
		Capability: string(task.Type),
		Attempt:    ev.attempt,
		Error:      fmt.Errorf("%s", task.Error),
		Timestamp:  now,
	})

	for _, skippedID := range s.graph.MarkFailed(task.ID) {
		skipped := s.tasks[skippedID]
		skipped.Status = models.TaskStatusSkipped
		skipped.CompletedAt = &now
		o.emitter.Emit(Event{
			Type:       EventTaskSkipped,
			SessionID:  s.id,
			TaskID:     skippedID,
			Capability: string(skipped.Type),
			Message:    "dependency failed: " + task.ID,
			Timestamp:  now,
		})
	}
}

// cancelOutstanding publishes a cancel for every in-flight task.
func (o *Orchestrator) cancelOutstanding(s *session) {
	for taskID := range s.inflight {
		if _, err := o.bus.Publish(events.TopicCancel, "orchestrator", events.Cancel{
			SessionID: s.id,
			TaskID:    taskID,
		}); err != nil {
			o.logger.Log("[orchestrator] cancel %s: %v", taskID, err)
		}
	}
	o.logger.Log("[orchestrator] session %s cancelled with %d tasks in flight", s.id, len(s.inflight))
}

// haltRemaining marks every non-terminal task failed with the given
// reason. Used when a cancelled session stops dispatching.
func (o *Orchestrator) haltRemaining(s *session, reason string) {
	now := time.Now()
	for _, task := range s.tasks {
		if task.Status.Terminal() {
			continue
		}
		task.Status = models.TaskStatusFailed
		task.Error = reason
		task.CompletedAt = &now
	}
}

// stopTimer stops and forgets the deadline timer for a task.
func (o *Orchestrator) stopTimer(s *session, taskID string) {
	if timer, ok := s.timers[taskID]; ok {
		timer.Stop()
		delete(s.timers, taskID)
	}
}

// outcomeFor maps a failure class to the registry history outcome.
func outcomeFor(class events.FailureClass) registry.Outcome {
	if class == events.FailureTimeout {
		return registry.OutcomeTimeout
	}
	return registry.OutcomeFailed
}

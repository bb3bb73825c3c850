// Package registry tracks registered workers, their declared capability
// sets, and their availability. It is the single authority for task
// assignment: the idle-to-busy flip and the assignment record happen as
// one atomic step, so no worker ever holds two concurrent tasks.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/anvilworks/anvil/pkg/models"
)

// ErrDuplicateID indicates a registration with an ID that is already
// active. Re-registering an unavailable worker is allowed and replaces
// its capability set.
var ErrDuplicateID = errors.New("duplicate worker id")

// ErrUnknownWorker indicates an operation on a worker that was never
// registered.
var ErrUnknownWorker = errors.New("unknown worker")

// ErrWorkerNotIdle indicates an Acquire on a worker that is busy or
// unavailable.
var ErrWorkerNotIdle = errors.New("worker not idle")

// Outcome classifies how an attempt ended for the worker's history.
type Outcome string

const (
	// OutcomeSucceeded records a successful attempt.
	OutcomeSucceeded Outcome = "succeeded"
	// OutcomeFailed records a worker-reported failure.
	OutcomeFailed Outcome = "failed"
	// OutcomeTimeout records an orchestrator-synthesized timeout.
	OutcomeTimeout Outcome = "timeout"
)

// entry is the registry's internal record for one worker.
type entry struct {
	worker *models.Worker
	// regIndex preserves registration order for deterministic tie-breaks.
	regIndex int
	// failures counts non-succeeded outcomes.
	failures int
	// currentTask is the task ID of the in-flight assignment, if any.
	currentTask string
}

// Registry is the worker registry and capability index. Safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*entry
	nextIdx int
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[string]*entry)}
}

// Register adds a worker with its declared capability set. The capability
// set is immutable for the lifetime of the registration. Registering an ID
// that is currently idle or busy fails with ErrDuplicateID; registering an
// unavailable ID re-registers the worker with the new capabilities and a
// fresh history.
func (r *Registry) Register(id string, caps []models.Capability) error {
	if id == "" {
		return fmt.Errorf("register: empty worker id")
	}
	if len(caps) == 0 {
		return fmt.Errorf("register %s: empty capability set", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.workers[id]; ok {
		if existing.worker.Status != models.WorkerStatusUnavailable {
			return fmt.Errorf("register %s: %w", id, ErrDuplicateID)
		}
	}

	r.workers[id] = &entry{
		worker: &models.Worker{
			ID:           id,
			Capabilities: append([]models.Capability(nil), caps...),
			Status:       models.WorkerStatusIdle,
			RegisteredAt: time.Now(),
		},
		regIndex: r.nextIdx,
	}
	r.nextIdx++
	return nil
}

// Deregister marks a worker unavailable. The record is kept for the
// session so history and status queries keep working.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.workers[id]; ok {
		e.worker.Status = models.WorkerStatusUnavailable
		e.currentTask = ""
	}
}

// FindCandidates returns the IDs of workers declaring the capability,
// ordered idle-first, then by fewest recorded failures, then by
// registration order. Unavailable workers are excluded.
func (r *Registry) FindCandidates(cap models.Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*entry
	for _, e := range r.workers {
		if e.worker.Status == models.WorkerStatusUnavailable {
			continue
		}
		if e.worker.HasCapability(cap) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		aIdle := a.worker.Status == models.WorkerStatusIdle
		bIdle := b.worker.Status == models.WorkerStatusIdle
		if aIdle != bIdle {
			return aIdle
		}
		if a.failures != b.failures {
			return a.failures < b.failures
		}
		return a.regIndex < b.regIndex
	})

	ids := make([]string, len(matched))
	for i, e := range matched {
		ids[i] = e.worker.ID
	}
	return ids
}

// HasCapability reports whether any registered, non-unavailable worker
// declares the capability, regardless of whether it is currently busy.
func (r *Registry) HasCapability(cap models.Capability) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.workers {
		if e.worker.Status == models.WorkerStatusUnavailable {
			continue
		}
		if e.worker.HasCapability(cap) {
			return true
		}
	}
	return false
}

// Acquire atomically flips an idle worker to busy and records the task
// assignment. Fails with ErrWorkerNotIdle if the worker already holds a
// task or is unavailable.
func (r *Registry) Acquire(workerID, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[workerID]
	if !ok {
		return fmt.Errorf("acquire %s: %w", workerID, ErrUnknownWorker)
	}
	if e.worker.Status != models.WorkerStatusIdle {
		return fmt.Errorf("acquire %s for %s: %w", workerID, taskID, ErrWorkerNotIdle)
	}
	e.worker.Status = models.WorkerStatusBusy
	e.currentTask = taskID
	return nil
}

// Release flips a busy worker back to idle and appends the outcome to its
// history. Releasing an unknown worker, or releasing with a task ID that
// does not match the current assignment, is a no-op: a duplicate report
// must never free a worker that has since taken a different task.
// Releasing with a non-succeeded outcome bumps the failure count used by
// FindCandidates.
func (r *Registry) Release(workerID, taskID string, outcome Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.workers[workerID]
	if !ok {
		return
	}
	if e.currentTask != taskID {
		return
	}
	if e.worker.Status == models.WorkerStatusBusy {
		e.worker.Status = models.WorkerStatusIdle
	}
	e.currentTask = ""
	e.worker.History = append(e.worker.History, models.ActionRecord{
		TaskID:    taskID,
		Outcome:   string(outcome),
		Timestamp: time.Now(),
	})
	if outcome != OutcomeSucceeded {
		e.failures++
	}
}

// Unassign reverts an Acquire without recording an outcome. Used when a
// dispatch could not be published after the worker was already acquired.
func (r *Registry) Unassign(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.workers[workerID]
	if !ok {
		return
	}
	if e.worker.Status == models.WorkerStatusBusy {
		e.worker.Status = models.WorkerStatusIdle
	}
	e.currentTask = ""
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (models.Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok {
		return models.Worker{}, false
	}
	w := *e.worker
	w.Capabilities = append([]models.Capability(nil), e.worker.Capabilities...)
	w.History = append([]models.ActionRecord(nil), e.worker.History...)
	return w, true
}

// CurrentTask returns the task currently assigned to the worker, if any.
func (r *Registry) CurrentTask(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.workers[id]
	if !ok || e.currentTask == "" {
		return "", false
	}
	return e.currentTask, true
}

// All returns copies of every worker record, in registration order.
func (r *Registry) All() []models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].regIndex < entries[j].regIndex
	})

	out := make([]models.Worker, len(entries))
	for i, e := range entries {
		w := *e.worker
		w.Capabilities = append([]models.Capability(nil), e.worker.Capabilities...)
		w.History = append([]models.ActionRecord(nil), e.worker.History...)
		out[i] = w
	}
	return out
}

// Count returns the number of non-unavailable workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, e := range r.workers {
		if e.worker.Status != models.WorkerStatusUnavailable {
			n++
		}
	}
	return n
}

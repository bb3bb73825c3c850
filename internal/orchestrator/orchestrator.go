// Package orchestrator accepts generation requests, decomposes them into
// capability-scoped task graphs, routes tasks to workers through the bus,
// and aggregates the results. It is the only component that mutates task
// and session state; all worker communication is message passing.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anvilworks/anvil/internal/bus"
	"github.com/anvilworks/anvil/internal/events"
	"github.com/anvilworks/anvil/internal/graph"
	"github.com/anvilworks/anvil/internal/registry"
	"github.com/anvilworks/anvil/internal/sharedctx"
	"github.com/anvilworks/anvil/pkg/models"
)

// DefaultTaskTimeout is the per-task deadline when none is configured.
const DefaultTaskTimeout = 5 * time.Second

// DefaultMaxRetries is the number of extra attempts a retryable failure
// earns when none is configured.
const DefaultMaxRetries = 1

// SnapshotStore persists session outcomes and shared-context snapshots
// for audit. The orchestrator works without one; persistence failures
// are logged, never fatal.
type SnapshotStore interface {
	RecordSession(summary models.SessionSummary) error
	FinishSession(id string, status models.SessionStatus, finishedAt time.Time) error
	SnapshotContext(sessionID string, entries []models.ContextEntry) error
}

// Orchestrator is the task router and session coordinator. Safe for
// concurrent use.
type Orchestrator struct {
	bus      *bus.Bus
	registry *registry.Registry
	store    *sharedctx.Store

	taskTimeout time.Duration
	maxRetries  int
	snapshots   SnapshotStore
	emitter     *EventEmitter
	logger      *DebugLogger

	mu       sync.RWMutex
	sessions map[string]*session
	subs     []bus.SubscriptionID
	closed   bool

	wg sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTaskTimeout sets the per-task deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.taskTimeout = d
		}
	}
}

// WithMaxRetries sets how many extra attempts a retryable failure earns.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		if n >= 0 {
			o.maxRetries = n
		}
	}
}

// WithSnapshotStore sets the persistence layer for session audit records.
func WithSnapshotStore(s SnapshotStore) Option {
	return func(o *Orchestrator) { o.snapshots = s }
}

// WithLogger sets the debug logger.
func WithLogger(l *DebugLogger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an Orchestrator over the given bus, registry, and shared
// context store, and subscribes it to the task lifecycle topics.
func New(b *bus.Bus, reg *registry.Registry, store *sharedctx.Store, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		bus:         b,
		registry:    reg,
		store:       store,
		taskTimeout: DefaultTaskTimeout,
		maxRetries:  DefaultMaxRetries,
		emitter:     NewEventEmitter(256),
		logger:      NopLogger(),
		sessions:    make(map[string]*session),
	}
	for _, opt := range opts {
		opt(o)
	}
	setPackageLogger(o.logger)

	subscriptions := []struct {
		topic   string
		handler bus.Handler
	}{
		{events.TopicStarted, o.onStarted},
		{events.TopicCompleted, o.onCompleted},
		{events.TopicFailed, o.onFailed},
	}
	for _, sub := range subscriptions {
		id, err := b.Subscribe(sub.topic, sub.handler)
		if err != nil {
			for _, prev := range o.subs {
				b.Unsubscribe(prev)
			}
			return nil, fmt.Errorf("subscribe %s: %w", sub.topic, err)
		}
		o.subs = append(o.subs, id)
	}
	return o, nil
}

// Events returns the orchestrator's event stream for progress display.
func (o *Orchestrator) Events() <-chan Event {
	return o.emitter.Events()
}

// Submit decomposes a request into a task graph and starts the session's
// pipeline. If any required capability has no registered worker, the
// session is recorded as failed, nothing is published, and the error
// wraps ErrNoCapableWorker; the returned session ID is still valid for
// Status and Result queries.
func (o *Orchestrator) Submit(spec *RequestSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return "", ErrClosed
	}

	sessionID := uuid.New().String()[:8]

	for _, cap := range spec.Capabilities() {
		if !o.registry.HasCapability(cap) {
			o.failSessionLocked(sessionID, spec, cap)
			return sessionID, fmt.Errorf("capability %q: %w", cap, ErrNoCapableWorker)
		}
	}

	s := &session{
		id:         sessionID,
		name:       spec.Name,
		graph:      graph.New(),
		startedAt:  time.Now(),
		tasks:      make(map[string]*models.Task),
		nameByTask: make(map[string]string),
		cancelCh:   make(chan struct{}),
		inflight:   make(map[string]bool),
		timers:     make(map[string]*time.Timer),
		done:       make(chan struct{}),
		status:     models.SessionPending,
	}
	s.graph.SetDebugLog(debugLog)

	nameToID := make(map[string]string, len(spec.Deliverables))
	for _, d := range spec.Deliverables {
		nameToID[d.Name] = sessionID + "-" + d.Name
	}
	var tasks []*models.Task
	for _, d := range spec.Deliverables {
		deps := make([]string, len(d.DependsOn))
		for i, dep := range d.DependsOn {
			deps[i] = nameToID[dep]
		}
		task := &models.Task{
			ID:        nameToID[d.Name],
			SessionID: sessionID,
			Type:      models.Capability(d.Capability),
			Payload:   d.Payload,
			DependsOn: deps,
			Status:    models.TaskStatusPending,
			CreatedAt: time.Now(),
		}
		tasks = append(tasks, task)
		s.tasks[task.ID] = task
		s.nameByTask[task.ID] = d.Name
	}
	if err := s.graph.Build(tasks); err != nil {
		return "", fmt.Errorf("decompose request %q: %w", spec.Name, err)
	}

	// Large enough for every lifecycle event the session can produce, so
	// routing never blocks on a finished loop.
	s.taskEvents = make(chan taskEvent, 4*len(tasks)*(o.maxRetries+2))

	o.sessions[sessionID] = s
	o.persistSubmit(s)
	o.emitter.Emit(Event{
		Type:      EventSessionSubmitted,
		SessionID: sessionID,
		Message:   spec.Name,
		Timestamp: time.Now(),
	})
	o.logger.Log("[orchestrator] session %s submitted: %d tasks", sessionID, len(tasks))

	o.wg.Add(1)
	go o.runSession(s)

	return sessionID, nil
}

// failSessionLocked records a session that was rejected before any task
// was created. Assumes o.mu is held.
func (o *Orchestrator) failSessionLocked(sessionID string, spec *RequestSpec, missing models.Capability) {
	failures := make(map[string]string, len(spec.Deliverables))
	for _, d := range spec.Deliverables {
		failures[d.Name] = fmt.Sprintf("no capable worker for %q", missing)
	}
	now := time.Now()
	s := &session{
		id:        sessionID,
		name:      spec.Name,
		startedAt: now,
		tasks:     make(map[string]*models.Task),
		done:      make(chan struct{}),
		status:    models.SessionFailed,
		result: &Result{
			SessionID: sessionID,
			Status:    models.SessionFailed,
			Artifacts: map[string]*models.Artifact{},
			Failures:  failures,
		},
	}
	close(s.done)
	o.sessions[sessionID] = s

	o.persistSubmit(s)
	o.persistFinish(s)
	o.logger.Log("[orchestrator] session %s rejected: no worker for %q", sessionID, missing)
}

// Status returns the session's current status.
func (o *Orchestrator) Status(sessionID string) (models.SessionStatus, error) {
	o.mu.RLock()
	s := o.sessions[sessionID]
	o.mu.RUnlock()
	if s == nil {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}
	return s.Status(), nil
}

// Result blocks until the session reaches a terminal status, then returns
// its aggregated result. Once terminal, every call returns the same
// result.
func (o *Orchestrator) Result(ctx context.Context, sessionID string) (*Result, error) {
	o.mu.RLock()
	s := o.sessions[sessionID]
	o.mu.RUnlock()
	if s == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}

	select {
	case <-s.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result, nil
}

// Cancel requests cooperative cancellation of a session. Outstanding
// tasks receive a cancel message; pending tasks are never dispatched.
// The session still drains to a terminal status.
func (o *Orchestrator) Cancel(sessionID string) error {
	o.mu.RLock()
	s := o.sessions[sessionID]
	o.mu.RUnlock()
	if s == nil {
		return fmt.Errorf("session %s: %w", sessionID, ErrUnknownSession)
	}

	s.mu.Lock()
	if !s.cancelled && s.cancelCh != nil {
		s.cancelled = true
		close(s.cancelCh)
	}
	s.mu.Unlock()
	return nil
}

// Sessions returns summaries of all known sessions.
func (o *Orchestrator) Sessions() []models.SessionSummary {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.SessionSummary, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, models.SessionSummary{
			ID:        s.id,
			Name:      s.name,
			Status:    s.Status(),
			StartedAt: s.startedAt,
		})
	}
	return out
}

// Close cancels all running sessions, waits for them to reach terminal
// status, and detaches from the bus.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	sessions := make([]*session, 0, len(o.sessions))
	for _, s := range o.sessions {
		sessions = append(sessions, s)
	}
	o.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if !s.cancelled && s.result == nil && s.cancelCh != nil {
			s.cancelled = true
			close(s.cancelCh)
		}
		s.mu.Unlock()
	}
	o.wg.Wait()

	for _, id := range o.subs {
		o.bus.Unsubscribe(id)
	}
	o.emitter.Close()
}

// onStarted routes a worker's start report into its session loop.
func (o *Orchestrator) onStarted(msg models.Message) error {
	p, ok := msg.Payload.(events.Started)
	if !ok {
		return fmt.Errorf("started payload type %T", msg.Payload)
	}
	o.route(p.SessionID, taskEvent{
		taskID:   p.TaskID,
		workerID: p.WorkerID,
		attempt:  p.Attempt,
		started:  true,
	})
	return nil
}

// onCompleted routes a worker's success report into its session loop.
// The worker is released here, not in the loop, so a report that lands
// after its session finished still frees the worker.
func (o *Orchestrator) onCompleted(msg models.Message) error {
	p, ok := msg.Payload.(events.Completed)
	if !ok {
		return fmt.Errorf("completed payload type %T", msg.Payload)
	}
	o.registry.Release(p.WorkerID, p.TaskID, registry.OutcomeSucceeded)
	o.route(p.SessionID, taskEvent{
		taskID:     p.TaskID,
		workerID:   p.WorkerID,
		attempt:    p.Attempt,
		completed:  true,
		contextKey: p.ContextKey,
	})
	return nil
}

// onFailed routes a worker's failure report into its session loop.
func (o *Orchestrator) onFailed(msg models.Message) error {
	p, ok := msg.Payload.(events.Failed)
	if !ok {
		return fmt.Errorf("failed payload type %T", msg.Payload)
	}
	o.registry.Release(p.WorkerID, p.TaskID, outcomeFor(p.Class))
	o.route(p.SessionID, taskEvent{
		taskID:   p.TaskID,
		workerID: p.WorkerID,
		attempt:  p.Attempt,
		class:    p.Class,
		reason:   p.Reason,
	})
	return nil
}

// route forwards a task event to its session's pipeline loop. Events for
// unknown or finished sessions are dropped.
func (o *Orchestrator) route(sessionID string, ev taskEvent) {
	o.mu.RLock()
	s := o.sessions[sessionID]
	o.mu.RUnlock()
	if s == nil {
		return
	}
	select {
	case s.taskEvents <- ev:
	case <-s.done:
	}
}

// persistSubmit records a new session in the snapshot store.
func (o *Orchestrator) persistSubmit(s *session) {
	if o.snapshots == nil {
		return
	}
	err := o.snapshots.RecordSession(models.SessionSummary{
		ID:        s.id,
		Name:      s.name,
		Status:    s.Status(),
		StartedAt: s.startedAt,
	})
	if err != nil {
		o.logger.Log("[orchestrator] record session %s: %v", s.id, err)
	}
}

// persistFinish records a session's terminal status and a shared-context
// snapshot for audit.
func (o *Orchestrator) persistFinish(s *session) {
	if o.snapshots == nil {
		return
	}
	if err := o.snapshots.FinishSession(s.id, s.Status(), time.Now()); err != nil {
		o.logger.Log("[orchestrator] finish session %s: %v", s.id, err)
	}
	if o.store != nil {
		if err := o.snapshots.SnapshotContext(s.id, o.store.Snapshot()); err != nil {
			o.logger.Log("[orchestrator] snapshot session %s: %v", s.id, err)
		}
	}
}

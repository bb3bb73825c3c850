package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/anvilworks/anvil/internal/bus"
	"github.com/anvilworks/anvil/internal/events"
	"github.com/anvilworks/anvil/internal/sharedctx"
	"github.com/anvilworks/anvil/pkg/models"
)

// Runner hosts one Worker on the bus. It consumes dispatch messages
// addressed to the worker, runs Generate with the task deadline, writes
// the artifact to the shared context, and reports the outcome on the
// completion or failure topic.
type Runner struct {
	worker Worker
	bus    *bus.Bus
	store  *sharedctx.Store

	ctx  context.Context
	stop context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	subs    []bus.SubscriptionID
	started bool
}

// NewRunner creates a Runner for the worker. Call Start to begin
// consuming dispatches.
func NewRunner(w Worker, b *bus.Bus, store *sharedctx.Store) *Runner {
	return &Runner{
		worker:  w,
		bus:     b,
		store:   store,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start subscribes the runner to the dispatch and cancel topics. The
// runner keeps consuming until Stop is called or ctx is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("runner %s already started", r.worker.ID())
	}

	r.ctx, r.stop = context.WithCancel(ctx)

	dispatchSub, err := r.bus.Subscribe(events.TopicDispatch, r.onDispatch)
	if err != nil {
		return fmt.Errorf("subscribe dispatch: %w", err)
	}
	cancelSub, err := r.bus.Subscribe(events.TopicCancel, r.onCancel)
	if err != nil {
		r.bus.Unsubscribe(dispatchSub)
		return fmt.Errorf("subscribe cancel: %w", err)
	}
	r.subs = []bus.SubscriptionID{dispatchSub, cancelSub}
	r.started = true
	return nil
}

// Stop unsubscribes the runner and cancels any in-flight attempt.
// Cancellation is cooperative; Stop does not wait for Generate to return.
func (r *Runner) Stop() {
	r.mu.Lock()
	subs := r.subs
	r.subs = nil
	stop := r.stop
	r.started = false
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	for _, id := range subs {
		r.bus.Unsubscribe(id)
	}
}

// onDispatch handles one dispatch message. Messages addressed to other
// workers are ignored. The attempt runs inline on the subscription's
// drain goroutine: the registry guarantees a worker holds at most one
// task, so there is nothing to run concurrently with.
func (r *Runner) onDispatch(msg models.Message) error {
	d, ok := msg.Payload.(events.Dispatch)
	if !ok {
		return fmt.Errorf("dispatch payload type %T", msg.Payload)
	}
	if d.WorkerID != r.worker.ID() {
		return nil
	}

	taskCtx, cancel := context.WithDeadline(r.ctx, d.Deadline)
	r.mu.Lock()
	r.cancels[d.TaskID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.cancels, d.TaskID)
		r.mu.Unlock()
		cancel()
	}()

	if _, err := r.bus.Publish(events.TopicStarted, r.worker.ID(), events.Started{
		SessionID: d.SessionID,
		TaskID:    d.TaskID,
		WorkerID:  d.WorkerID,
		Attempt:   d.Attempt,
	}); err != nil {
		return fmt.Errorf("publish started: %w", err)
	}

	task := &models.Task{
		ID:        d.TaskID,
		SessionID: d.SessionID,
		Type:      models.Capability(d.Capability),
		Payload:   d.Payload,
		Status:    models.TaskStatusRunning,
		Attempts:  d.Attempt,
	}

	artifact, err := r.worker.Generate(taskCtx, task)
	if err != nil {
		return r.reportFailure(d, err)
	}
	if artifact == nil {
		// A nil artifact with a nil error is a worker bug; report it
		// instead of letting it poison the shared context.
		return r.reportFailure(d, Fatalf("worker %s returned no artifact", r.worker.ID()))
	}

	key := events.ArtifactKey(d.TaskID)
	if err := r.putArtifact(key, artifact); err != nil {
		return r.reportFailure(d, err)
	}

	if _, err := r.bus.Publish(events.TopicCompleted, r.worker.ID(), events.Completed{
		SessionID:  d.SessionID,
		TaskID:     d.TaskID,
		WorkerID:   d.WorkerID,
		Attempt:    d.Attempt,
		ContextKey: key,
	}); err != nil {
		return fmt.Errorf("publish completed: %w", err)
	}
	return nil
}

// putArtifact writes the artifact with optimistic retry. A retried
// attempt may find the key left over from an earlier attempt; the loop
// re-reads the version and overwrites.
func (r *Runner) putArtifact(key string, artifact *models.Artifact) error {
	for {
		_, version, err := r.store.Get(key)
		if err != nil && !errors.Is(err, sharedctx.ErrNotFound) {
			return err
		}
		_, err = r.store.Put(key, artifact, version, r.worker.ID())
		if err == nil {
			return nil
		}
		if !errors.Is(err, sharedctx.ErrStale) {
			return err
		}
	}
}

// reportFailure publishes the classified failure for an attempt.
func (r *Runner) reportFailure(d events.Dispatch, genErr error) error {
	_, err := r.bus.Publish(events.TopicFailed, r.worker.ID(), events.Failed{
		SessionID: d.SessionID,
		TaskID:    d.TaskID,
		WorkerID:  d.WorkerID,
		Attempt:   d.Attempt,
		Class:     Classify(genErr),
		Reason:    genErr.Error(),
	})
	if err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// onCancel cancels the in-flight attempt for the task, if this runner
// holds it. Workers observe the cancellation through their Generate ctx.
func (r *Runner) onCancel(msg models.Message) error {
	c, ok := msg.Payload.(events.Cancel)
	if !ok {
		return fmt.Errorf("cancel payload type %T", msg.Payload)
	}
	r.mu.Lock()
	cancel := r.cancels[c.TaskID]
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// Package worker defines the contract every generation worker implements
// and the runner that hosts a worker on the bus. Workers never talk to
// each other or to the orchestrator directly; everything goes through bus
// messages and the shared context store.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/anvilworks/anvil/internal/events"
	"github.com/anvilworks/anvil/pkg/models"
)

// Worker is the capability contract. Generate is invoked once per
// dispatched attempt; the generation backend it calls (a local inference
// service, a template engine) is opaque to the core, and its failures
// surface as ordinary task failures.
type Worker interface {
	// ID returns the worker's unique, stable identifier.
	ID() string
	// Capabilities returns the declared capability set. The set must not
	// change after registration.
	Capabilities() []models.Capability
	// Generate executes one task attempt. It must honor ctx cancellation
	// between work units; in-flight generation is never killed preemptively.
	Generate(ctx context.Context, task *models.Task) (*models.Artifact, error)
}

// FatalError marks a failure that retrying cannot fix, such as an invalid
// payload or a capability the worker does not actually support.
type FatalError struct {
	Reason string
}

func (e *FatalError) Error() string { return e.Reason }

// RetryableError marks a transient failure eligible for bounded retry.
type RetryableError struct {
	Reason string
}

func (e *RetryableError) Error() string { return e.Reason }

// Fatalf builds a FatalError.
func Fatalf(format string, args ...any) error {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// Retryablef builds a RetryableError.
func Retryablef(format string, args ...any) error {
	return &RetryableError{Reason: fmt.Sprintf(format, args...)}
}

// Classify maps a Generate error to a failure class. Deadline and
// cancellation errors are timeouts; unclassified errors are fatal, since
// blindly retrying an unknown failure mode tends to waste the retry.
func Classify(err error) events.FailureClass {
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return events.FailureRetryable
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return events.FailureTimeout
	}
	return events.FailureFatal
}

// GenerateFunc adapts a plain function into a Worker. This is how the
// surrounding application plugs its generation backend in.
type GenerateFunc func(ctx context.Context, task *models.Task) (*models.Artifact, error)

// funcWorker is the Worker returned by NewFunc.
type funcWorker struct {
	id   string
	caps []models.Capability
	fn   GenerateFunc
}

// NewFunc creates a Worker with a fixed ID and capability set around a
// generate function.
func NewFunc(id string, caps []models.Capability, fn GenerateFunc) Worker {
	return &funcWorker{
		id:   id,
		caps: append([]models.Capability(nil), caps...),
		fn:   fn,
	}
}

func (w *funcWorker) ID() string { return w.id }

func (w *funcWorker) Capabilities() []models.Capability {
	return append([]models.Capability(nil), w.caps...)
}

func (w *funcWorker) Generate(ctx context.Context, task *models.Task) (*models.Artifact, error) {
	artifact, err := w.fn(ctx, task)
	if err != nil {
		return nil, err
	}
	if artifact == nil {
		return nil, Fatalf("worker %s returned no artifact for task %s", w.id, task.ID)
	}
	if artifact.TaskID == "" {
		artifact.TaskID = task.ID
	}
	if artifact.Producer == "" {
		artifact.Producer = w.id
	}
	if artifact.CreatedAt.IsZero() {
		artifact.CreatedAt = time.Now()
	}
	return artifact, nil
}

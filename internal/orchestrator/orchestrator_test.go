package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/anvilworks/anvil/internal/bus"
	"github.com/anvilworks/anvil/internal/registry"
	"github.com/anvilworks/anvil/internal/sharedctx"
	"github.com/anvilworks/anvil/internal/worker"
	"github.com/anvilworks/anvil/pkg/models"
)

// harness wires a bus, registry, store, and orchestrator with short
// timeouts suitable for tests.
type harness struct {
	bus   *bus.Bus
	reg   *registry.Registry
	store *sharedctx.Store
	orch  *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	b := bus.New(bus.WithCapacity(64))
	reg := registry.New()
	store := sharedctx.New()

	all := append([]Option{
		WithTaskTimeout(200 * time.Millisecond),
		WithMaxRetries(1),
	}, opts...)
	orch, err := New(b, reg, store, all...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	t.Cleanup(func() {
		orch.Close()
		b.Close()
	})
	return &harness{bus: b, reg: reg, store: store, orch: orch}
}

// addWorker registers a worker and starts a runner hosting it.
func (h *harness) addWorker(t *testing.T, id string, caps []models.Capability, fn worker.GenerateFunc) {
	t.Helper()
	if err := h.reg.Register(id, caps); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
	r := worker.NewRunner(worker.NewFunc(id, caps, fn), h.bus, h.store)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start runner %s: %v", id, err)
	}
	t.Cleanup(r.Stop)
}

func echoWorker(ctx context.Context, task *models.Task) (*models.Artifact, error) {
	return &models.Artifact{Content: map[string]any{"task": task.ID}}, nil
}

func waitResult(t *testing.T, o *Orchestrator, sessionID string) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := o.Result(ctx, sessionID)
	if err != nil {
		t.Fatalf("Result(%s): %v", sessionID, err)
	}
	return res
}

func TestDependencyChainSucceeds(t *testing.T) {
	h := newHarness(t)

	var firmwareDone atomic.Bool
	var orderViolated atomic.Bool
	h.addWorker(t, "fw-1", []models.Capability{"firmware"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			firmwareDone.Store(true)
			return &models.Artifact{Content: map[string]any{"image": "fw.bin"}}, nil
		})
	h.addWorker(t, "sw-1", []models.Capability{"software"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			if !firmwareDone.Load() {
				orderViolated.Store(true)
			}
			return &models.Artifact{Content: map[string]any{"pkg": "sw.tar"}}, nil
		})

	spec := &RequestSpec{
		Name: "device build",
		Deliverables: []Deliverable{
			{Name: "firmware", Capability: "firmware"},
			{Name: "software", Capability: "software", DependsOn: []string{"firmware"}},
		},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionSucceeded {
		t.Fatalf("status = %s, want %s (failures: %v)", res.Status, models.SessionSucceeded, res.Failures)
	}
	if orderViolated.Load() {
		t.Error("software ran before firmware completed")
	}
	if len(res.Artifacts) != 2 {
		t.Fatalf("artifacts = %d, want 2", len(res.Artifacts))
	}
	if res.Artifacts["firmware"] == nil || res.Artifacts["firmware"].Content["image"] != "fw.bin" {
		t.Errorf("firmware artifact = %+v", res.Artifacts["firmware"])
	}
	if res.Artifacts["software"].Producer != "sw-1" {
		t.Errorf("software producer = %q, want sw-1", res.Artifacts["software"].Producer)
	}
}

func TestSubmitNoCapableWorkerFailsFast(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "fw-1", []models.Capability{"firmware"}, echoWorker)

	before := h.bus.Published()
	spec := &RequestSpec{
		Name: "with ui",
		Deliverables: []Deliverable{
			{Name: "firmware", Capability: "firmware"},
			{Name: "ui", Capability: "ui", DependsOn: []string{"firmware"}},
		},
	}
	id, err := h.orch.Submit(spec)
	if !errors.Is(err, ErrNoCapableWorker) {
		t.Fatalf("Submit error = %v, want ErrNoCapableWorker", err)
	}
	if id == "" {
		t.Fatal("Submit returned empty session id on rejection")
	}
	if got := h.bus.Published(); got != before {
		t.Errorf("published %d messages for rejected session, want 0", got-before)
	}

	status, err := h.orch.Status(id)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status != models.SessionFailed {
		t.Errorf("status = %s, want %s", status, models.SessionFailed)
	}

	res := waitResult(t, h.orch, id)
	if len(res.Failures) != 2 {
		t.Errorf("failures = %v, want entry per deliverable", res.Failures)
	}
}

func TestTimeoutRetriesThenFails(t *testing.T) {
	h := newHarness(t, WithTaskTimeout(50*time.Millisecond), WithMaxRetries(1))

	var attempts atomic.Int32
	h.addWorker(t, "slow-1", []models.Capability{"render"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			attempts.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	spec := &RequestSpec{
		Name:         "slow render",
		Deliverables: []Deliverable{{Name: "render", Capability: "render"}},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionFailed {
		t.Fatalf("status = %s, want %s", res.Status, models.SessionFailed)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2 (original plus one retry)", got)
	}
	reason, ok := res.Failures["render"]
	if !ok || reason == "" {
		t.Fatalf("no failure recorded for render: %v", res.Failures)
	}
}

func TestRetryableFailureSucceedsOnRetry(t *testing.T) {
	h := newHarness(t)

	var attempts atomic.Int32
	h.addWorker(t, "flaky-1", []models.Capability{"compile"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			if attempts.Add(1) == 1 {
				return nil, worker.Retryablef("backend overloaded")
			}
			return &models.Artifact{Content: map[string]any{"ok": true}}, nil
		})

	spec := &RequestSpec{
		Name:         "flaky compile",
		Deliverables: []Deliverable{{Name: "compile", Capability: "compile"}},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionSucceeded {
		t.Fatalf("status = %s, want %s (failures: %v)", res.Status, models.SessionSucceeded, res.Failures)
	}
	if got := attempts.Load(); got != 2 {
		t.Errorf("attempts = %d, want 2", got)
	}
}

func TestFatalFailureSkipsDependents(t *testing.T) {
	h := newHarness(t)

	h.addWorker(t, "fw-1", []models.Capability{"firmware"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			return nil, worker.Fatalf("unsupported board")
		})
	var softwareRan atomic.Bool
	h.addWorker(t, "sw-1", []models.Capability{"software"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			softwareRan.Store(true)
			return &models.Artifact{}, nil
		})

	spec := &RequestSpec{
		Name: "doomed build",
		Deliverables: []Deliverable{
			{Name: "firmware", Capability: "firmware"},
			{Name: "software", Capability: "software", DependsOn: []string{"firmware"}},
		},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionFailed {
		t.Fatalf("status = %s, want %s", res.Status, models.SessionFailed)
	}
	if softwareRan.Load() {
		t.Error("dependent task ran despite failed dependency")
	}
	if res.Failures["software"] != "skipped: dependency failed" {
		t.Errorf("software failure = %q", res.Failures["software"])
	}
}

func TestIndependentTaskSurvivesSiblingFailure(t *testing.T) {
	h := newHarness(t)

	h.addWorker(t, "fw-1", []models.Capability{"firmware"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			return nil, worker.Fatalf("bad payload")
		})
	h.addWorker(t, "doc-1", []models.Capability{"docs"}, echoWorker)

	spec := &RequestSpec{
		Name: "mixed",
		Deliverables: []Deliverable{
			{Name: "firmware", Capability: "firmware"},
			{Name: "docs", Capability: "docs"},
		},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionPartial {
		t.Fatalf("status = %s, want %s", res.Status, models.SessionPartial)
	}
	if res.Artifacts["docs"] == nil {
		t.Error("docs artifact missing from partial result")
	}
	if _, ok := res.Failures["firmware"]; !ok {
		t.Error("firmware failure missing from partial result")
	}
}

func TestResultIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "fw-1", []models.Capability{"firmware"}, echoWorker)

	spec := &RequestSpec{
		Name:         "once",
		Deliverables: []Deliverable{{Name: "firmware", Capability: "firmware"}},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	first := waitResult(t, h.orch, id)
	second := waitResult(t, h.orch, id)
	if first != second {
		t.Error("repeated Result calls returned different values")
	}
	if second.Status != models.SessionSucceeded {
		t.Errorf("status = %s, want %s", second.Status, models.SessionSucceeded)
	}
}

func TestCancelDrainsToTerminal(t *testing.T) {
	h := newHarness(t, WithTaskTimeout(5*time.Second))

	started := make(chan struct{})
	h.addWorker(t, "slow-1", []models.Capability{"render"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})

	spec := &RequestSpec{
		Name:         "cancel me",
		Deliverables: []Deliverable{{Name: "render", Capability: "render"}},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	if err := h.orch.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionFailed {
		t.Errorf("status = %s, want %s", res.Status, models.SessionFailed)
	}
	if len(res.Artifacts) != 0 {
		t.Errorf("cancelled session produced artifacts: %v", res.Artifacts)
	}
}

func TestNilArtifactWorkerFailsTaskTerminally(t *testing.T) {
	h := newHarness(t, WithTaskTimeout(100*time.Millisecond), WithMaxRetries(1))

	h.addWorker(t, "buggy-1", []models.Capability{"render"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			return nil, nil
		})

	spec := &RequestSpec{
		Name:         "buggy worker",
		Deliverables: []Deliverable{{Name: "render", Capability: "render"}},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The session must still reach a terminal status; a worker bug can
	// never hang Result.
	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionFailed {
		t.Fatalf("status = %s, want %s", res.Status, models.SessionFailed)
	}
	reason, ok := res.Failures["render"]
	if !ok || !strings.Contains(reason, "no artifact") {
		t.Errorf("failure reason = %q, want no-artifact report", reason)
	}
}

func TestDeregisteredWorkerFailsPendingTask(t *testing.T) {
	h := newHarness(t)

	gate := make(chan struct{})
	h.addWorker(t, "fw-1", []models.Capability{"firmware"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			<-gate
			return &models.Artifact{}, nil
		})
	h.addWorker(t, "sw-1", []models.Capability{"software"}, echoWorker)

	spec := &RequestSpec{
		Name: "vanishing worker",
		Deliverables: []Deliverable{
			{Name: "firmware", Capability: "firmware"},
			{Name: "software", Capability: "software", DependsOn: []string{"firmware"}},
		},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// The software worker leaves while firmware is still generating.
	h.reg.Deregister("sw-1")
	close(gate)

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionPartial {
		t.Fatalf("status = %s, want %s (failures: %v)", res.Status, models.SessionPartial, res.Failures)
	}
	if res.Artifacts["firmware"] == nil {
		t.Error("firmware artifact missing")
	}
	reason, ok := res.Failures["software"]
	if !ok || !strings.Contains(reason, "no capable worker") {
		t.Errorf("failure reason = %q, want no-capable-worker report", reason)
	}
}

func TestSubmitRejectsCycle(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "fw-1", []models.Capability{"firmware", "software"}, echoWorker)

	spec := &RequestSpec{
		Name: "cyclic",
		Deliverables: []Deliverable{
			{Name: "a", Capability: "firmware", DependsOn: []string{"b"}},
			{Name: "b", Capability: "software", DependsOn: []string{"a"}},
		},
	}
	if _, err := h.orch.Submit(spec); err == nil {
		t.Fatal("Submit accepted a cyclic request")
	}
}

func TestUnknownSession(t *testing.T) {
	h := newHarness(t)

	if _, err := h.orch.Status("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Status error = %v, want ErrUnknownSession", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := h.orch.Result(ctx, "nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Result error = %v, want ErrUnknownSession", err)
	}
	if err := h.orch.Cancel("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("Cancel error = %v, want ErrUnknownSession", err)
	}
}

func TestBusyWorkerSerializesTasks(t *testing.T) {
	h := newHarness(t, WithTaskTimeout(5*time.Second))

	var concurrent atomic.Int32
	var peak atomic.Int32
	h.addWorker(t, "solo-1", []models.Capability{"render"},
		func(ctx context.Context, task *models.Task) (*models.Artifact, error) {
			n := concurrent.Add(1)
			if p := peak.Load(); n > p {
				peak.Store(n)
			}
			time.Sleep(20 * time.Millisecond)
			concurrent.Add(-1)
			return &models.Artifact{}, nil
		})

	spec := &RequestSpec{
		Name: "three renders",
		Deliverables: []Deliverable{
			{Name: "r1", Capability: "render"},
			{Name: "r2", Capability: "render"},
			{Name: "r3", Capability: "render"},
		},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	res := waitResult(t, h.orch, id)
	if res.Status != models.SessionSucceeded {
		t.Fatalf("status = %s, want %s (failures: %v)", res.Status, models.SessionSucceeded, res.Failures)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("worker held %d tasks at once, want 1", got)
	}
}

func TestSessionsListsSubmissions(t *testing.T) {
	h := newHarness(t)
	h.addWorker(t, "fw-1", []models.Capability{"firmware"}, echoWorker)

	spec := &RequestSpec{
		Name:         "listed",
		Deliverables: []Deliverable{{Name: "firmware", Capability: "firmware"}},
	}
	id, err := h.orch.Submit(spec)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitResult(t, h.orch, id)

	sessions := h.orch.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions))
	}
	if sessions[0].ID != id || sessions[0].Name != "listed" {
		t.Errorf("session summary = %+v", sessions[0])
	}
	if sessions[0].Status != models.SessionSucceeded {
		t.Errorf("session status = %s, want %s", sessions[0].Status, models.SessionSucceeded)
	}
}

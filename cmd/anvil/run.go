package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/anvilworks/anvil/internal/bus"
	"github.com/anvilworks/anvil/internal/config"
	"github.com/anvilworks/anvil/internal/orchestrator"
	"github.com/anvilworks/anvil/internal/registry"
	"github.com/anvilworks/anvil/internal/sharedctx"
	"github.com/anvilworks/anvil/internal/state"
	"github.com/anvilworks/anvil/internal/tui"
	"github.com/anvilworks/anvil/internal/worker"
	"github.com/anvilworks/anvil/pkg/models"
)

var (
	runRosterPath string
	runWatch      bool
	runNoState    bool
)

var runCmd = &cobra.Command{
	Use:   "run <request.yaml>",
	Short: "Execute a generation request",
	Long: `Execute a request spec end to end: register the worker roster, decompose
the request into a task graph, and dispatch tasks to workers until every
deliverable succeeds, fails, or is skipped.

The roster file declares the available workers and their capabilities.
Editing it while a session runs registers the new workers on the fly.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runRosterPath, "workers", "workers.yaml", "Path to the worker roster file")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Show live task progress in a TUI")
	runCmd.Flags().BoolVar(&runNoState, "no-state", false, "Skip recording the session to the state database")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	spec, err := orchestrator.LoadRequest(args[0])
	if err != nil {
		return err
	}
	roster, err := config.LoadRoster(runRosterPath)
	if err != nil {
		return err
	}

	policy := bus.PolicyBlock
	if cfg.Bus.Backpressure == "fail_fast" {
		policy = bus.PolicyFailFast
	}
	b := bus.New(bus.WithCapacity(cfg.Bus.QueueCapacity), bus.WithPolicy(policy))
	defer b.Close()
	reg := registry.New()
	store := sharedctx.New()

	opts := []orchestrator.Option{
		orchestrator.WithTaskTimeout(cfg.Orchestrator.TaskTimeout),
		orchestrator.WithMaxRetries(cfg.Orchestrator.MaxRetries),
	}
	if cwd, err := os.Getwd(); err == nil {
		logger := orchestrator.NewDebugLoggerForDir(cwd)
		opts = append(opts, orchestrator.WithLogger(logger))
		defer logger.Close()
	}
	if !runNoState {
		db, err := state.Open(cfg.State.Path)
		if err != nil {
			return fmt.Errorf("open state db: %w", err)
		}
		defer db.Close()
		if err := db.Migrate(); err != nil {
			return fmt.Errorf("migrate state db: %w", err)
		}
		opts = append(opts, orchestrator.WithSnapshotStore(db))
	}

	orch, err := orchestrator.New(b, reg, store, opts...)
	if err != nil {
		return fmt.Errorf("create orchestrator: %w", err)
	}
	defer orch.Close()

	pool := newWorkerPool(b, store, reg)
	defer pool.stopAll()
	if err := pool.sync(roster); err != nil {
		return err
	}

	watcher, err := config.WatchRoster(runRosterPath,
		func(r *config.Roster) {
			if err := pool.sync(r); err != nil {
				fmt.Fprintf(os.Stderr, "roster reload: %v\n", err)
			}
		},
		func(err error) {
			fmt.Fprintf(os.Stderr, "roster watch: %v\n", err)
		})
	if err == nil {
		defer watcher.Close()
	}

	sessionID, err := orch.Submit(spec)
	if err != nil {
		if sessionID != "" {
			color.Red("session %s rejected: %v", sessionID, err)
		}
		return err
	}

	if runWatch {
		program := tea.NewProgram(tui.New(orch.Events()))
		if _, err := program.Run(); err != nil {
			return fmt.Errorf("watch: %w", err)
		}
	} else {
		printEvents(orch.Events())
	}

	result, err := orch.Result(context.Background(), sessionID)
	if err != nil {
		return fmt.Errorf("session result: %w", err)
	}
	printResult(result)
	fmt.Printf("  bus: %d messages published, %d handler failures\n",
		b.Published(), b.HandlerFailures())

	if result.Status == models.SessionFailed {
		os.Exit(1)
	}
	return nil
}

// printEvents streams progress lines until the session is done.
func printEvents(events <-chan orchestrator.Event) {
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventSessionSubmitted:
			fmt.Printf("session %s: %s\n", ev.SessionID, ev.Message)
		case orchestrator.EventTaskDispatched:
			fmt.Printf("  %s -> %s (attempt %d)\n", ev.Capability, ev.WorkerID, ev.Attempt)
		case orchestrator.EventTaskCompleted:
			color.Green("  %s done", ev.Capability)
		case orchestrator.EventTaskRetrying:
			color.Yellow("  %s retrying: %s", ev.Capability, ev.Message)
		case orchestrator.EventTaskFailed:
			color.Red("  %s failed: %v", ev.Capability, ev.Error)
		case orchestrator.EventTaskSkipped:
			color.Yellow("  %s skipped (%s)", ev.Capability, ev.Message)
		case orchestrator.EventSessionDone:
			return
		}
	}
}

// printResult summarizes the terminal session state.
func printResult(result *orchestrator.Result) {
	fmt.Println()
	switch result.Status {
	case models.SessionSucceeded:
		color.Green("session %s succeeded", result.SessionID)
	case models.SessionPartial:
		color.Yellow("session %s partially succeeded", result.SessionID)
	default:
		color.Red("session %s %s", result.SessionID, result.Status)
	}

	names := make([]string, 0, len(result.Artifacts))
	for name := range result.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a := result.Artifacts[name]
		fmt.Printf("  %s: produced by %s at %s\n", name, a.Producer, a.CreatedAt.Format(time.Kitchen))
	}

	names = names[:0]
	for name := range result.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Printf("  %s: %s\n", name, result.Failures[name])
	}
}

// workerPool hosts the roster's built-in generator workers and keeps the
// running set in sync with roster reloads.
type workerPool struct {
	bus     *bus.Bus
	store   *sharedctx.Store
	reg     *registry.Registry
	runners map[string]*worker.Runner
}

func newWorkerPool(b *bus.Bus, store *sharedctx.Store, reg *registry.Registry) *workerPool {
	return &workerPool{
		bus:     b,
		store:   store,
		reg:     reg,
		runners: make(map[string]*worker.Runner),
	}
}

// sync registers roster additions and deregisters removals.
func (p *workerPool) sync(roster *config.Roster) error {
	want := make(map[string]config.WorkerSpec, len(roster.Workers))
	for _, ws := range roster.Workers {
		want[ws.ID] = ws
	}

	for id, runner := range p.runners {
		if _, ok := want[id]; ok {
			continue
		}
		runner.Stop()
		p.reg.Deregister(id)
		delete(p.runners, id)
	}

	for id, ws := range want {
		if _, ok := p.runners[id]; ok {
			continue
		}
		caps := ws.CapabilitySet()
		if err := p.reg.Register(id, caps); err != nil {
			return fmt.Errorf("register worker %s: %w", id, err)
		}
		runner := worker.NewRunner(worker.NewFunc(id, caps, generateStub), p.bus, p.store)
		if err := runner.Start(context.Background()); err != nil {
			p.reg.Deregister(id)
			return fmt.Errorf("start worker %s: %w", id, err)
		}
		p.runners[id] = runner
	}
	return nil
}

// stopAll stops every hosted runner.
func (p *workerPool) stopAll() {
	for id, runner := range p.runners {
		runner.Stop()
		delete(p.runners, id)
	}
}

// generateStub is the built-in generation backend: it echoes the task
// payload into the artifact. Real deployments plug their backend in via
// worker.NewFunc; this keeps the CLI usable end to end without one.
func generateStub(ctx context.Context, task *models.Task) (*models.Artifact, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	content := map[string]any{
		"capability": string(task.Type),
	}
	for k, v := range task.Payload {
		content[k] = v
	}
	return &models.Artifact{Content: content}, nil
}

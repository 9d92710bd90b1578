package conveyor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/conveyor-ci/conveyor/artifact"
	"github.com/conveyor-ci/conveyor/runner"
	"github.com/conveyor-ci/conveyor/script"
	"go.jetify.com/typeid"
	"golang.org/x/sync/semaphore"
)

// NewRunID returns a new unique run identifier
func NewRunID() string {
	id, err := typeid.WithPrefix("run")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	Logger     *slog.Logger
	Runner     runner.Runner
	Artifacts  artifact.Store
	RunLogger  RunLogger
	Callbacks  RunCallbacks
	Formatter  RunFormatter
	Compiler   script.Compiler
	MaxWorkers int
}

// Engine executes workflow runs. Its control surface is StartRun and
// CancelRun; everything else is observation. The concurrency gate registry
// and the run table are the only process-wide mutable structures.
type Engine struct {
	logger     *slog.Logger
	runner     runner.Runner
	artifacts  artifact.Store
	runLogger  RunLogger
	callbacks  RunCallbacks
	formatter  RunFormatter
	compiler   script.Compiler
	maxWorkers int

	gates *GateRegistry
	mutex sync.RWMutex
	runs  map[string]*Run
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Runner == nil {
		opts.Runner = runner.NewRegistry()
	}
	if opts.Artifacts == nil {
		opts.Artifacts = artifact.NewMemoryStore()
	}
	if opts.RunLogger == nil {
		opts.RunLogger = NewNullRunLogger()
	}
	if opts.Callbacks == nil {
		opts.Callbacks = &BaseRunCallbacks{}
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorScriptingEngine(script.DefaultEngineGlobals())
	}
	if opts.MaxWorkers <= 0 {
		opts.MaxWorkers = 4
	}
	return &Engine{
		logger:     opts.Logger,
		runner:     opts.Runner,
		artifacts:  opts.Artifacts,
		runLogger:  opts.RunLogger,
		callbacks:  opts.Callbacks,
		formatter:  opts.Formatter,
		compiler:   opts.Compiler,
		maxWorkers: opts.MaxWorkers,
		gates:      NewGateRegistry(),
		runs:       map[string]*Run{},
	}, nil
}

// StartRun expands the workflow against the trigger context, builds the
// dependency graph, and begins executing it. Configuration errors (cycles,
// bad matrix specs, undeclared needs references) are returned here, before
// any job starts.
func (e *Engine) StartRun(ctx context.Context, workflow *Workflow, trigger *TriggerContext) (*Run, error) {
	if workflow == nil {
		return nil, fmt.Errorf("workflow is required")
	}
	if trigger == nil {
		trigger = &TriggerContext{Event: "manual"}
	}

	run, err := newRun(e, workflow, trigger)
	if err != nil {
		return nil, err
	}

	e.mutex.Lock()
	e.runs[run.id] = run
	e.mutex.Unlock()

	go run.execute(ctx)
	return run, nil
}

// Execute is a convenience wrapper around StartRun that blocks until the run
// completes and returns its report.
func (e *Engine) Execute(ctx context.Context, workflow *Workflow, trigger *TriggerContext) (*RunReport, error) {
	run, err := e.StartRun(ctx, workflow, trigger)
	if err != nil {
		return nil, err
	}
	return run.Wait(ctx)
}

// CancelRun signals cancellation to a run. It reports whether the run was
// found. Cancellation is cooperative: in-flight step invocations are
// signalled through their contexts and the run records Cancelled once they
// acknowledge or a grace timeout elapses.
func (e *Engine) CancelRun(runID string) bool {
	e.mutex.RLock()
	run, ok := e.runs[runID]
	e.mutex.RUnlock()
	if !ok {
		return false
	}
	run.Cancel()
	return true
}

// GetRun returns a run by ID.
func (e *Engine) GetRun(runID string) (*Run, bool) {
	e.mutex.RLock()
	defer e.mutex.RUnlock()

	run, ok := e.runs[runID]
	return run, ok
}

// jobEvent is the completion-event message published on every job status
// transition. The admission loop wakes on each event and re-scans blocked
// instances.
type jobEvent struct {
	instance *JobInstance
	status   Status
	err      error
}

// Run is a single execution of a workflow definition against one trigger
// context.
type Run struct {
	id       string
	engine   *Engine
	workflow *Workflow
	trigger  *TriggerContext
	graph    *Graph
	results  *RunResultTable
	logger   *slog.Logger

	concurrencyKey string

	events     chan *jobEvent
	workers    *semaphore.Weighted
	matrixSems map[string]*semaphore.Weighted

	// Owned by the admission loop goroutine
	admitted   map[string]bool
	jobCancels map[string]context.CancelFunc

	cancelOnce sync.Once
	cancelFn   context.CancelFunc
	cancelled  chan struct{}

	mutex     sync.RWMutex
	status    RunStatus
	startTime time.Time
	endTime   time.Time
	err       error
	report    *RunReport
	done      chan struct{}
}

func newRun(e *Engine, workflow *Workflow, trigger *TriggerContext) (*Run, error) {
	run := &Run{
		id:         NewRunID(),
		engine:     e,
		workflow:   workflow,
		trigger:    trigger,
		results:    NewRunResultTable(),
		status:     RunStatusPending,
		admitted:   map[string]bool{},
		jobCancels: map[string]context.CancelFunc{},
		matrixSems: map[string]*semaphore.Weighted{},
		cancelled:  make(chan struct{}),
		done:       make(chan struct{}),
	}
	run.logger = e.logger.With("run_id", run.id)

	graph, err := BuildGraph(workflow, run.triggerAxisResolver())
	if err != nil {
		return nil, err
	}
	run.graph = graph

	// The run-level concurrency key is evaluated once, against the trigger
	// context only, before admission.
	if spec := workflow.Concurrency(); spec != nil {
		key, err := run.evalTemplate(context.Background(), spec.Group, run.triggerGlobals())
		if err != nil {
			return nil, NewConfigError("failed to evaluate concurrency group: %v", err)
		}
		run.concurrencyKey = key
	}

	size := len(graph.Instances()) + len(graph.DeferredTemplates()) + 1
	run.events = make(chan *jobEvent, size*4)
	run.workers = semaphore.NewWeighted(int64(e.maxWorkers))
	return run, nil
}

// ID returns the run ID
func (r *Run) ID() string {
	return r.id
}

// Status returns the current run status
func (r *Run) Status() RunStatus {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.status
}

// Cancel signals cooperative cancellation of the run. All non-terminal job
// instances transition to Cancelled; already-terminal instances are
// unaffected.
func (r *Run) Cancel() {
	r.cancelOnce.Do(func() {
		close(r.cancelled)
		r.mutex.RLock()
		cancel := r.cancelFn
		r.mutex.RUnlock()
		if cancel != nil {
			cancel()
		}
	})
}

// IsCancelled reports whether cancellation has been signalled.
func (r *Run) IsCancelled() bool {
	select {
	case <-r.cancelled:
		return true
	default:
		return false
	}
}

// Wait blocks until the run completes and returns its final report.
func (r *Run) Wait(ctx context.Context) (*RunReport, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
	}

	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.report, r.err
}

// Report returns the final report, or nil while the run is in progress.
func (r *Run) Report() *RunReport {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	return r.report
}

// Results exposes the run result table.
func (r *Run) Results() *RunResultTable {
	return r.results
}

func (r *Run) setStatus(status RunStatus) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.status = status
}

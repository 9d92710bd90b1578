package runner

import (
	"context"
	"fmt"
	"time"
)

// StepKind identifies the variant of work a step carries. The engine treats
// kinds as opaque dispatch tags; each kind's semantics live in its Runner.
type StepKind string

const (
	StepKindShell        StepKind = "shell"
	StepKindContainer    StepKind = "container"
	StepKindWorkflowCall StepKind = "workflow_call"
)

// Invocation describes a single step execution request crossing the engine's
// step-runner boundary.
type Invocation struct {
	Kind       StepKind          `json:"kind"`
	Command    string            `json:"command,omitempty"`
	Uses       string            `json:"uses,omitempty"`
	With       map[string]string `json:"with,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	WorkingDir string            `json:"working_dir,omitempty"`
	Timeout    time.Duration     `json:"timeout,omitempty"`
}

// Result is what a runner hands back to the engine. Outputs carries declared
// output name/value pairs and Env carries variables exported for subsequent
// steps of the same job.
type Result struct {
	ExitCode int               `json:"exit_code"`
	Outputs  map[string]string `json:"outputs,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Log      string            `json:"log,omitempty"`
}

// Runner executes step invocations.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (*Result, error)
}

// Func adapts a function to the Runner interface.
type Func func(ctx context.Context, inv Invocation) (*Result, error)

func (f Func) Run(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}

// Registry dispatches invocations to the Runner registered for their kind.
type Registry struct {
	runners map[StepKind]Runner
}

// NewRegistry returns a Registry with the given runners. By default only the
// shell kind is registered.
func NewRegistry() *Registry {
	return &Registry{
		runners: map[StepKind]Runner{
			StepKindShell: NewShellRunner(),
		},
	}
}

// Register installs a Runner for a step kind, replacing any existing one.
func (r *Registry) Register(kind StepKind, runner Runner) {
	r.runners[kind] = runner
}

// Run dispatches the invocation to the runner for its kind.
func (r *Registry) Run(ctx context.Context, inv Invocation) (*Result, error) {
	runner, ok := r.runners[inv.Kind]
	if !ok {
		return nil, fmt.Errorf("no runner registered for step kind %q", inv.Kind)
	}
	return runner.Run(ctx, inv)
}

package conveyor

import (
	"context"
	"time"
)

// RunCallbacks defines the callback interface for run execution events
type RunCallbacks interface {
	// Run-level callbacks
	BeforeRun(ctx context.Context, event *RunEvent)
	AfterRun(ctx context.Context, event *RunEvent)

	// Job-level callbacks
	BeforeJob(ctx context.Context, event *JobEvent)
	AfterJob(ctx context.Context, event *JobEvent)

	// Step-level callbacks
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// RunEvent provides context for run-level execution events
type RunEvent struct {
	RunID        string
	WorkflowName string
	Status       RunStatus
	Trigger      *TriggerContext
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	JobCount     int
	Error        error
}

// JobEvent provides context for job instance execution events
type JobEvent struct {
	RunID        string
	WorkflowName string
	InstanceID   string
	Template     string
	Matrix       map[string]any
	Status       Status
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	Outputs      map[string]string
	Error        error
}

// StepEvent provides context for step execution events
type StepEvent struct {
	RunID      string
	InstanceID string
	StepName   string
	Status     Status
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Outputs    map[string]string
	Error      error
}

// BaseRunCallbacks provides a default implementation that does nothing
type BaseRunCallbacks struct{}

func (n *BaseRunCallbacks) BeforeRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterRun(ctx context.Context, event *RunEvent) {
	// noop
}

func (n *BaseRunCallbacks) BeforeJob(ctx context.Context, event *JobEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterJob(ctx context.Context, event *JobEvent) {
	// noop
}

func (n *BaseRunCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {
	// noop
}

func (n *BaseRunCallbacks) AfterStep(ctx context.Context, event *StepEvent) {
	// noop
}

var _ RunCallbacks = (*BaseRunCallbacks)(nil)

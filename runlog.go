package conveyor

import (
	"context"
	"time"
)

// RunLogEntry represents a single run event log entry
type RunLogEntry struct {
	ID         string  `json:"id,omitempty"`
	RunID      string  `json:"run_id"`
	InstanceID string  `json:"instance_id,omitempty"`
	StepName   string  `json:"step_name,omitempty"`
	Status     string  `json:"status"`
	Message    string  `json:"message,omitempty"`
	StartTime  time.Time `json:"start_time"`
	Duration   float64 `json:"duration"`
}

// RunLogger defines the run event logging interface
type RunLogger interface {
	// LogEvent logs a completed run event
	LogEvent(ctx context.Context, entry *RunLogEntry) error

	// GetRunHistory retrieves the event log for a run
	GetRunHistory(ctx context.Context, runID string) ([]*RunLogEntry, error)
}

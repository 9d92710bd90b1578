package conveyor

import "time"

// RunReport is the final observable result of a run: one record per job
// instance plus run-level status and timing, sufficient for an external
// UI/CLI to render. The four terminal statuses are reported exactly as
// recorded; Cancelled is never collapsed into Failed nor Skipped into
// Succeeded.
type RunReport struct {
	RunID        string            `json:"run_id"`
	WorkflowName string            `json:"workflow_name"`
	Status       RunStatus         `json:"status"`
	StartTime    time.Time         `json:"start_time"`
	EndTime      time.Time         `json:"end_time,omitzero"`
	Duration     time.Duration     `json:"duration"`
	Error        string            `json:"error,omitempty"`
	Instances    []*InstanceResult `json:"instances"`
}

// RunFormatter is an interface for pretty run progress output
type RunFormatter interface {
	PrintJobStart(instanceID string)
	PrintStepStart(instanceID, stepName string)
	PrintStepError(instanceID, stepName string, err error)
	PrintJobFinish(instanceID string, status Status)
}

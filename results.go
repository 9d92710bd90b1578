package conveyor

import (
	"errors"
	"sync"
	"time"
)

// ErrNotReady is returned when outputs are queried for an instance that has
// not reached a terminal state. Callers must treat it as "ask again later",
// never as an empty value.
var ErrNotReady = errors.New("outputs not ready: job instance is not terminal")

// InstanceResult is the terminal record for one job instance. Entries are
// append-only for the lifetime of a run.
type InstanceResult struct {
	ID         string            `json:"id"`
	Template   string            `json:"template"`
	Status     Status            `json:"status"`
	Outputs    map[string]string `json:"outputs,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at,omitzero"`
	FinishedAt time.Time         `json:"finished_at,omitzero"`
}

// RunResultTable collects terminal job results for one run. Outputs recorded
// while an instance is Running are staged and only become visible once the
// instance is finalized. The table grows monotonically; it never shrinks
// during a run.
type RunResultTable struct {
	mutex   sync.RWMutex
	staged  map[string]map[string]string
	results map[string]*InstanceResult
}

func NewRunResultTable() *RunResultTable {
	return &RunResultTable{
		staged:  map[string]map[string]string{},
		results: map[string]*InstanceResult{},
	}
}

// RecordOutput stages an output value for a running instance. Recording is
// idempotent per name; the last write before the terminal transition wins.
// Recording after the instance is terminal is rejected.
func (t *RunResultTable) RecordOutput(instanceID, name, value string) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, terminal := t.results[instanceID]; terminal {
		return errors.New("cannot record output: job instance is terminal")
	}
	outputs, ok := t.staged[instanceID]
	if !ok {
		outputs = map[string]string{}
		t.staged[instanceID] = outputs
	}
	outputs[name] = value
	return nil
}

// Finalize publishes the terminal record for an instance, folding in its
// staged outputs. A second finalize for the same instance is ignored:
// terminal states are final.
func (t *RunResultTable) Finalize(instance *JobInstance) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, exists := t.results[instance.ID]; exists {
		return
	}
	result := &InstanceResult{
		ID:         instance.ID,
		Template:   instance.TemplateName(),
		Status:     instance.Status,
		Outputs:    t.staged[instance.ID],
		StartedAt:  instance.StartedAt,
		FinishedAt: instance.FinishedAt,
	}
	if instance.Err != nil {
		result.Error = instance.Err.Error()
	}
	delete(t.staged, instance.ID)
	t.results[instance.ID] = result
}

// Result returns the terminal record for an instance, if present.
func (t *RunResultTable) Result(instanceID string) (*InstanceResult, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	result, ok := t.results[instanceID]
	return result, ok
}

// Outputs returns the outputs of a terminal instance. If the instance has
// not been finalized the call fails with ErrNotReady; staged values are never
// exposed.
func (t *RunResultTable) Outputs(instanceID string) (map[string]string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	result, ok := t.results[instanceID]
	if !ok {
		return nil, ErrNotReady
	}
	outputs := make(map[string]string, len(result.Outputs))
	for k, v := range result.Outputs {
		outputs[k] = v
	}
	return outputs, nil
}

// TemplateResult aggregates the terminal statuses of all instances of one
// template into a single result string for the needs expression context:
// failure beats cancelled beats skipped; success requires every instance
// Succeeded.
func (t *RunResultTable) TemplateResult(instanceIDs []string) (Status, bool) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	anyFailed := false
	anyCancelled := false
	allSkipped := len(instanceIDs) > 0
	for _, id := range instanceIDs {
		result, ok := t.results[id]
		if !ok {
			return "", false
		}
		switch result.Status {
		case StatusFailed:
			anyFailed = true
			allSkipped = false
		case StatusCancelled:
			anyCancelled = true
			allSkipped = false
		case StatusSucceeded:
			allSkipped = false
		}
	}
	switch {
	case anyFailed:
		return StatusFailed, true
	case anyCancelled:
		return StatusCancelled, true
	case allSkipped:
		return StatusSkipped, true
	default:
		return StatusSucceeded, true
	}
}

// TemplateOutputs merges the outputs of all instances of one template in
// instance order; later instances overwrite earlier names. All instances
// must be terminal or the call fails with ErrNotReady.
func (t *RunResultTable) TemplateOutputs(instanceIDs []string) (map[string]string, error) {
	t.mutex.RLock()
	defer t.mutex.RUnlock()

	merged := map[string]string{}
	for _, id := range instanceIDs {
		result, ok := t.results[id]
		if !ok {
			return nil, ErrNotReady
		}
		for name, value := range result.Outputs {
			merged[name] = value
		}
	}
	return merged, nil
}

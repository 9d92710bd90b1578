package conveyor

import (
	"fmt"
	"time"
)

// StepInstance is one ordered step within a job instance. Its fields are
// owned by the goroutine executing the parent job; the run loop reads them
// only after the job's terminal event has been received.
type StepInstance struct {
	Template   *StepTemplate
	Status     Status
	Outputs    map[string]string
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Name returns the step's declared name, or its ordinal placeholder.
func (s *StepInstance) Name() string {
	return s.Template.Name
}

// JobInstance is one concrete, schedulable unit produced by expanding a job
// template against a matrix combination (or the template itself, if no
// matrix). Status transitions are owned by the run's admission loop.
type JobInstance struct {
	ID       string
	Template *JobTemplate
	Matrix   *Combination
	Steps    []*StepInstance

	Status         Status
	ConcurrencyKey string
	Err            error
	StartedAt      time.Time
	FinishedAt     time.Time
}

// newJobInstance creates a job instance for a template and matrix
// combination. The instance ID is the template name, suffixed with the
// combination's axis values for matrix jobs.
func newJobInstance(template *JobTemplate, combo *Combination) *JobInstance {
	id := template.Name
	if combo != nil {
		id = fmt.Sprintf("%s (%s)", template.Name, combo.Key())
	}
	steps := make([]*StepInstance, 0, len(template.Steps))
	for i, stepTemplate := range template.Steps {
		st := stepTemplate
		if st.Name == "" {
			// Stable fallback name for unnamed steps
			st = cloneStepTemplate(stepTemplate)
			st.Name = fmt.Sprintf("step-%d", i+1)
		}
		steps = append(steps, &StepInstance{
			Template: st,
			Status:   StatusPending,
		})
	}
	return &JobInstance{
		ID:       id,
		Template: template,
		Matrix:   combo,
		Steps:    steps,
		Status:   StatusPending,
	}
}

// TemplateName returns the name of the template this instance came from.
func (j *JobInstance) TemplateName() string {
	return j.Template.Name
}

// MatrixValues returns the axis-value binding for expression contexts, or an
// empty map for non-matrix jobs.
func (j *JobInstance) MatrixValues() map[string]any {
	if j.Matrix == nil {
		return map[string]any{}
	}
	return j.Matrix.Values()
}

func cloneStepTemplate(step *StepTemplate) *StepTemplate {
	clone := *step
	return &clone
}

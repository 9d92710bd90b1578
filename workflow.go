package conveyor

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/runner"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" or "5m" decode.
// Bare integers are treated as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw any
	if err := node.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// ConcurrencySpec names a serialization domain. The group string may contain
// ${...} template expressions evaluated against the trigger context.
type ConcurrencySpec struct {
	Group            string `json:"group" yaml:"group"`
	CancelInProgress bool   `json:"cancel_in_progress,omitempty" yaml:"cancel-in-progress,omitempty"`
}

// Strategy configures matrix expansion for a job template.
type Strategy struct {
	Matrix      *MatrixSpec `json:"matrix,omitempty" yaml:"matrix,omitempty"`
	FailFast    *bool       `json:"fail_fast,omitempty" yaml:"fail-fast,omitempty"`
	MaxParallel int         `json:"max_parallel,omitempty" yaml:"max-parallel,omitempty"`
}

// FailFastEnabled reports the effective fail-fast setting (default true).
func (s *Strategy) FailFastEnabled() bool {
	if s == nil || s.FailFast == nil {
		return true
	}
	return *s.FailFast
}

// ArtifactDecl names an artifact and the path it is persisted from or
// materialized to.
type ArtifactDecl struct {
	Name string `json:"name" yaml:"name"`
	Path string `json:"path" yaml:"path"`
}

// StepTemplate is the declared definition of one step within a job template.
type StepTemplate struct {
	Name            string            `json:"name,omitempty" yaml:"name,omitempty"`
	Run             string            `json:"run,omitempty" yaml:"run,omitempty"`
	Uses            string            `json:"uses,omitempty" yaml:"uses,omitempty"`
	With            map[string]string `json:"with,omitempty" yaml:"with,omitempty"`
	If              string            `json:"if,omitempty" yaml:"if,omitempty"`
	Env             map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	ContinueOnError bool              `json:"continue_on_error,omitempty" yaml:"continue-on-error,omitempty"`
	Timeout         Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	WorkingDir      string            `json:"working_directory,omitempty" yaml:"working-directory,omitempty"`
}

// Kind returns the step's dispatch variant: a run command is a shell step, a
// docker:// reference is a container step, and a workflow file reference is a
// workflow call.
func (s *StepTemplate) Kind() runner.StepKind {
	if s.Run != "" {
		return runner.StepKindShell
	}
	if strings.HasSuffix(s.Uses, ".yml") || strings.HasSuffix(s.Uses, ".yaml") {
		return runner.StepKindWorkflowCall
	}
	return runner.StepKindContainer
}

// JobTemplate is the declared, unexpanded definition of a job.
type JobTemplate struct {
	Name        string            `json:"name" yaml:"name"`
	Needs       []string          `json:"needs,omitempty" yaml:"needs,omitempty"`
	If          string            `json:"if,omitempty" yaml:"if,omitempty"`
	Strategy    *Strategy         `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Concurrency *ConcurrencySpec  `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	Timeout     Duration          `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Outputs     map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Uploads     []*ArtifactDecl   `json:"uploads,omitempty" yaml:"uploads,omitempty"`
	Downloads   []*ArtifactDecl   `json:"downloads,omitempty" yaml:"downloads,omitempty"`
	Steps       []*StepTemplate   `json:"steps" yaml:"steps"`
}

// Matrix returns the job's matrix spec, or nil for non-matrix jobs.
func (j *JobTemplate) Matrix() *MatrixSpec {
	if j.Strategy == nil {
		return nil
	}
	return j.Strategy.Matrix
}

// Options are used to configure a workflow.
type Options struct {
	Name        string            `json:"name" yaml:"name"`
	Jobs        []*JobTemplate    `json:"jobs" yaml:"jobs"`
	Env         map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Concurrency *ConcurrencySpec  `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
}

// Workflow is an immutable workflow definition: a set of named job templates
// wired by needs declarations. Created once per triggering event.
type Workflow struct {
	name        string
	jobs        []*JobTemplate
	jobsByName  map[string]*JobTemplate
	env         map[string]string
	concurrency *ConcurrencySpec
}

// New returns a new Workflow configured with the given options.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("workflow name required")
	}
	if len(opts.Jobs) == 0 {
		return nil, fmt.Errorf("jobs required")
	}

	jobsByName := make(map[string]*JobTemplate, len(opts.Jobs))
	for _, job := range opts.Jobs {
		if job.Name == "" {
			return nil, fmt.Errorf("job name required")
		}
		if _, exists := jobsByName[job.Name]; exists {
			return nil, fmt.Errorf("duplicate job name %q", job.Name)
		}
		jobsByName[job.Name] = job
	}

	if err := validateJobTemplates(opts.Jobs, jobsByName); err != nil {
		return nil, fmt.Errorf("workflow validation failed: %w", err)
	}

	return &Workflow{
		name:        opts.Name,
		jobs:        opts.Jobs,
		jobsByName:  jobsByName,
		env:         opts.Env,
		concurrency: opts.Concurrency,
	}, nil
}

// Name returns the workflow name
func (w *Workflow) Name() string {
	return w.name
}

// Jobs returns the job templates in declaration order
func (w *Workflow) Jobs() []*JobTemplate {
	return w.jobs
}

// Env returns the workflow-level environment
func (w *Workflow) Env() map[string]string {
	return w.env
}

// Concurrency returns the run-level concurrency spec, if any
func (w *Workflow) Concurrency() *ConcurrencySpec {
	return w.concurrency
}

// GetJob returns a job template by name
func (w *Workflow) GetJob(name string) (*JobTemplate, bool) {
	job, ok := w.jobsByName[name]
	return job, ok
}

// JobNames returns the names of all job templates in the workflow
func (w *Workflow) JobNames() []string {
	names := make([]string, 0, len(w.jobsByName))
	for name := range w.jobsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// validateJobTemplates checks the structural validity of the job templates
func validateJobTemplates(jobs []*JobTemplate, jobsByName map[string]*JobTemplate) error {
	for _, job := range jobs {
		if len(job.Steps) == 0 {
			return fmt.Errorf("job %q must have at least one step", job.Name)
		}
		for _, need := range job.Needs {
			if need == job.Name {
				return fmt.Errorf("job %q cannot need itself", job.Name)
			}
			if _, ok := jobsByName[need]; !ok {
				return fmt.Errorf("job %q needs unknown job %q", job.Name, need)
			}
		}
		for i, step := range job.Steps {
			if step.Run == "" && step.Uses == "" {
				return fmt.Errorf("job %q step %d requires run or uses", job.Name, i)
			}
			if step.Run != "" && step.Uses != "" {
				return fmt.Errorf("job %q step %d cannot set both run and uses", job.Name, i)
			}
		}
	}
	return nil
}

// fileDefinition mirrors the on-disk YAML document. Jobs are kept as a raw
// node so the mapping's declaration order survives decoding.
type fileDefinition struct {
	Name        string            `yaml:"name"`
	On          yaml.Node         `yaml:"on"`
	Env         map[string]string `yaml:"env"`
	Concurrency *ConcurrencySpec  `yaml:"concurrency"`
	Jobs        yaml.Node         `yaml:"jobs"`
}

// LoadFile loads a workflow from a YAML file
func LoadFile(path string) (*Workflow, error) {
	yamlData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow file: %w", err)
	}
	return LoadString(string(yamlData))
}

// LoadString loads a workflow from a YAML string
func LoadString(data string) (*Workflow, error) {
	var def fileDefinition
	if err := yaml.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow file: %w", err)
	}
	if def.Jobs.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("workflow jobs must be a mapping")
	}
	var jobs []*JobTemplate
	for i := 0; i+1 < len(def.Jobs.Content); i += 2 {
		keyNode := def.Jobs.Content[i]
		valueNode := def.Jobs.Content[i+1]
		var job JobTemplate
		if err := valueNode.Decode(&job); err != nil {
			return nil, fmt.Errorf("failed to decode job %q: %w", keyNode.Value, err)
		}
		job.Name = keyNode.Value
		jobs = append(jobs, &job)
	}
	return New(Options{
		Name:        def.Name,
		Jobs:        jobs,
		Env:         def.Env,
		Concurrency: def.Concurrency,
	})
}

package conveyor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/conveyor-ci/conveyor/retry"
	"github.com/conveyor-ci/conveyor/runner"
	"github.com/conveyor-ci/conveyor/script"
	"golang.org/x/sync/semaphore"
)

// execute drives a run to completion. It is the single writer for job
// instance statuses: job goroutines report transitions on the event channel
// and this loop applies them, finalizes results, and admits newly unblocked
// instances.
func (r *Run) execute(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer close(r.done)

	r.mutex.Lock()
	r.cancelFn = cancel
	r.status = RunStatusRunning
	r.startTime = time.Now()
	r.mutex.Unlock()
	if r.IsCancelled() {
		// Cancelled between StartRun and goroutine startup
		cancel()
	}

	r.logger.Info("run started",
		"workflow", r.workflow.Name(),
		"event", r.trigger.Event,
		"instances", len(r.graph.Instances()))

	r.engine.callbacks.BeforeRun(ctx, &RunEvent{
		RunID:        r.id,
		WorkflowName: r.workflow.Name(),
		Status:       RunStatusRunning,
		Trigger:      r.trigger,
		StartTime:    r.startTime,
		JobCount:     len(r.graph.Instances()),
	})
	r.logRunEvent(ctx, "", "", string(RunStatusRunning), "run started", r.startTime, 0)

	if r.concurrencyKey != "" {
		spec := r.workflow.Concurrency()
		admission, err := r.engine.gates.Acquire(ctx, r.concurrencyKey, r.id, spec.CancelInProgress, r.Cancel)
		if err != nil {
			// Cancelled (or preempted) while queued behind another run
			r.Cancel()
			r.drainCancelled(ctx)
			r.finish(ctx, RunStatusCancelled, Classify(err))
			return
		}
		defer r.engine.gates.Release(r.concurrencyKey, r.id)
		r.logger.Debug("acquired concurrency gate",
			"key", r.concurrencyKey, "admission", admission)
	}

	r.loop(ctx)

	status, err := r.computeFinalStatus()
	r.finish(ctx, status, err)
}

// loop is the admission loop. Each iteration expands deferred matrices whose
// dependencies settled, re-scans blocked instances, and then waits for the
// next job event. The loop exits once every instance is terminal.
func (r *Run) loop(ctx context.Context) {
	for {
		if r.IsCancelled() {
			r.drainCancelled(ctx)
			return
		}
		changed := r.expandDeferredReady(ctx)
		if r.admitReady(ctx) {
			changed = true
		}
		if changed {
			// Terminal transitions applied above may unblock more work;
			// rescan before waiting.
			continue
		}
		if r.allDone() {
			return
		}
		select {
		case <-ctx.Done():
			r.Cancel()
			r.drainCancelled(ctx)
			return
		case event := <-r.events:
			r.handleEvent(ctx, event)
		}
	}
}

// expandDeferredReady expands deferred dynamic matrices whose needed
// templates are all terminal. A matrix that fails to resolve (bad JSON, not
// a list) settles the template as a single failed placeholder instance.
func (r *Run) expandDeferredReady(ctx context.Context) bool {
	changed := false
	for _, name := range r.graph.DeferredTemplates() {
		job, ok := r.workflow.GetJob(name)
		if !ok || !r.graph.DependenciesTerminal(job) {
			continue
		}
		instances, err := r.graph.ExpandDeferred(name, r.needsAxisResolver(job))
		if err != nil {
			instance := r.graph.ResolveDeferred(name, StatusFailed, Classify(err))
			if instance != nil {
				instance.FinishedAt = time.Now()
				r.results.Finalize(instance)
				r.notifyJobDone(ctx, instance)
			}
			changed = true
			continue
		}
		r.logger.Info("expanded dynamic matrix", "job", name, "instances", len(instances))
		changed = true
	}
	return changed
}

// admitReady walks the instances and admits every blocked one whose
// dependencies are all terminal. Admission evaluates the job's if condition:
// false means Skipped, an evaluation error means Failed, and true hands the
// instance to a goroutine.
func (r *Run) admitReady(ctx context.Context) bool {
	changed := false
	for _, instance := range r.graph.Instances() {
		if instance.Status == StatusPending {
			instance.Status = StatusBlocked
			changed = true
		}
		if instance.Status != StatusBlocked || r.admitted[instance.ID] {
			continue
		}
		if !r.graph.DependenciesTerminal(instance.Template) {
			continue
		}
		r.admit(ctx, instance)
		changed = true
	}
	return changed
}

func (r *Run) admit(ctx context.Context, instance *JobInstance) {
	ok, err := r.evaluateJobCondition(ctx, instance)
	if err != nil {
		r.finalizeInstance(ctx, instance, StatusFailed, Classify(err))
		return
	}
	if !ok {
		r.finalizeInstance(ctx, instance, StatusSkipped, nil)
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	r.admitted[instance.ID] = true
	r.jobCancels[instance.ID] = cancel
	sem := r.templateSemaphore(instance.TemplateName())
	go r.executeJob(jobCtx, instance, cancel, sem)
}

// templateSemaphore returns the shared max-parallel semaphore for a matrix
// template, creating it on first admission. Nil means unconstrained.
func (r *Run) templateSemaphore(template string) *semaphore.Weighted {
	expansion := r.graph.Expansion(template)
	if expansion == nil || expansion.MaxParallel >= len(expansion.Combinations) {
		return nil
	}
	if sem, ok := r.matrixSems[template]; ok {
		return sem
	}
	sem := semaphore.NewWeighted(int64(expansion.MaxParallel))
	r.matrixSems[template] = sem
	return sem
}

// handleEvent applies one job goroutine transition.
func (r *Run) handleEvent(ctx context.Context, event *jobEvent) {
	instance := event.instance
	if instance.Status.Terminal() {
		return
	}
	if event.status == StatusRunning {
		instance.Status = StatusRunning
		r.engine.callbacks.BeforeJob(ctx, &JobEvent{
			RunID:        r.id,
			WorkflowName: r.workflow.Name(),
			InstanceID:   instance.ID,
			Template:     instance.TemplateName(),
			Matrix:       instance.MatrixValues(),
			Status:       StatusRunning,
			StartTime:    instance.StartedAt,
		})
		if r.engine.formatter != nil {
			r.engine.formatter.PrintJobStart(instance.ID)
		}
		r.logger.Info("job started", "instance", instance.ID)
		return
	}

	instance.Status = event.status
	instance.Err = event.err
	delete(r.jobCancels, instance.ID)
	r.results.Finalize(instance)
	r.notifyJobDone(ctx, instance)
	r.maybeFailFast(ctx, instance)
}

// finalizeInstance settles an instance that never ran: skipped, failed at
// admission, or cancelled before starting.
func (r *Run) finalizeInstance(ctx context.Context, instance *JobInstance, status Status, err error) {
	instance.Status = status
	instance.Err = err
	if instance.FinishedAt.IsZero() {
		instance.FinishedAt = time.Now()
	}
	r.results.Finalize(instance)
	r.notifyJobDone(ctx, instance)
	r.maybeFailFast(ctx, instance)
}

func (r *Run) notifyJobDone(ctx context.Context, instance *JobInstance) {
	outputs, _ := r.results.Outputs(instance.ID)
	var duration time.Duration
	if !instance.StartedAt.IsZero() {
		duration = instance.FinishedAt.Sub(instance.StartedAt)
	}
	r.engine.callbacks.AfterJob(ctx, &JobEvent{
		RunID:        r.id,
		WorkflowName: r.workflow.Name(),
		InstanceID:   instance.ID,
		Template:     instance.TemplateName(),
		Matrix:       instance.MatrixValues(),
		Status:       instance.Status,
		StartTime:    instance.StartedAt,
		EndTime:      instance.FinishedAt,
		Duration:     duration,
		Outputs:      outputs,
		Error:        instance.Err,
	})
	if r.engine.formatter != nil {
		r.engine.formatter.PrintJobFinish(instance.ID, instance.Status)
	}
	message := ""
	if instance.Err != nil {
		message = instance.Err.Error()
	}
	r.logRunEvent(ctx, instance.ID, "", string(instance.Status), message,
		instance.StartedAt, duration)
	r.logger.Info("job finished", "instance", instance.ID, "status", instance.Status)
}

// maybeFailFast cancels the sibling instances of a failed matrix instance
// when the template's fail-fast strategy (the default) is enabled. Running
// siblings are signalled through their contexts and report Cancelled
// themselves; not-yet-admitted siblings are settled Cancelled directly.
func (r *Run) maybeFailFast(ctx context.Context, instance *JobInstance) {
	if instance.Status != StatusFailed || instance.Matrix == nil {
		return
	}
	expansion := r.graph.Expansion(instance.TemplateName())
	if expansion == nil || !expansion.FailFast {
		return
	}
	for _, sibling := range r.graph.InstancesOf(instance.TemplateName()) {
		if sibling.ID == instance.ID || sibling.Status.Terminal() {
			continue
		}
		if cancel, ok := r.jobCancels[sibling.ID]; ok {
			cancel()
			continue
		}
		r.finalizeInstance(ctx, sibling, StatusCancelled, nil)
	}
}

// drainCancelled settles every instance that has not started and then waits
// for admitted goroutines to acknowledge cancellation. No new work is
// admitted after cancellation, not even always() jobs.
func (r *Run) drainCancelled(ctx context.Context) {
	for _, name := range r.graph.DeferredTemplates() {
		if instance := r.graph.ResolveDeferred(name, StatusCancelled, nil); instance != nil {
			instance.FinishedAt = time.Now()
			r.results.Finalize(instance)
			r.notifyJobDone(ctx, instance)
		}
	}
	for _, instance := range r.graph.Instances() {
		if instance.Status.Terminal() || r.admitted[instance.ID] {
			continue
		}
		r.finalizeInstance(ctx, instance, StatusCancelled, nil)
	}
	for !r.allDone() {
		r.handleEvent(ctx, <-r.events)
	}
}

func (r *Run) allDone() bool {
	if len(r.graph.DeferredTemplates()) > 0 {
		return false
	}
	for _, instance := range r.graph.Instances() {
		if !instance.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *Run) computeFinalStatus() (RunStatus, error) {
	if r.IsCancelled() {
		return RunStatusCancelled, nil
	}
	var firstErr error
	failed := false
	for _, instance := range r.graph.Instances() {
		if instance.Status == StatusFailed {
			failed = true
			if firstErr == nil && instance.Err != nil {
				firstErr = instance.Err
			}
		}
	}
	if failed {
		return RunStatusFailed, firstErr
	}
	return RunStatusSucceeded, nil
}

// finish publishes the report and fires the run-completion hooks. Wait
// returns a nil error whenever the run executed to completion; callers
// inspect the report status for the outcome.
func (r *Run) finish(ctx context.Context, status RunStatus, err error) {
	endTime := time.Now()
	report := &RunReport{
		RunID:        r.id,
		WorkflowName: r.workflow.Name(),
		Status:       status,
		EndTime:      endTime,
		Instances:    r.reportInstances(),
	}
	if err != nil {
		report.Error = err.Error()
	}

	r.mutex.Lock()
	r.status = status
	r.endTime = endTime
	report.StartTime = r.startTime
	report.Duration = endTime.Sub(r.startTime)
	r.report = report
	r.mutex.Unlock()

	r.engine.callbacks.AfterRun(ctx, &RunEvent{
		RunID:        r.id,
		WorkflowName: r.workflow.Name(),
		Status:       status,
		Trigger:      r.trigger,
		StartTime:    report.StartTime,
		EndTime:      endTime,
		Duration:     report.Duration,
		JobCount:     len(report.Instances),
		Error:        err,
	})
	r.logRunEvent(ctx, "", "", string(status), report.Error, report.StartTime, report.Duration)
	r.logger.Info("run finished", "status", status, "duration", report.Duration)
}

// reportInstances orders results by dependency layer, then by expansion
// order within a template.
func (r *Run) reportInstances() []*InstanceResult {
	var out []*InstanceResult
	for _, layer := range r.graph.Layers() {
		for _, template := range layer {
			for _, instance := range r.graph.InstancesOf(template) {
				if result, ok := r.results.Result(instance.ID); ok {
					out = append(out, result)
				}
			}
		}
	}
	return out
}

// executeJob runs one admitted job instance in its own goroutine. All
// communication back to the admission loop goes through the event channel.
func (r *Run) executeJob(ctx context.Context, instance *JobInstance, cancel context.CancelFunc, sem *semaphore.Weighted) {
	template := instance.Template

	finish := func(status Status, err error) {
		instance.FinishedAt = time.Now()
		r.events <- &jobEvent{instance: instance, status: status, err: err}
	}

	if spec := template.Concurrency; spec != nil && spec.Group != "" {
		key, err := r.evalTemplate(ctx, spec.Group, r.jobGlobals(instance))
		if err != nil {
			finish(StatusFailed, Classify(err))
			return
		}
		instance.ConcurrencyKey = key
		if _, err := r.engine.gates.Acquire(ctx, key, instance.ID, spec.CancelInProgress, cancel); err != nil {
			finish(StatusCancelled, Classify(err))
			return
		}
		defer r.engine.gates.Release(key, instance.ID)
	}

	if sem != nil {
		if err := sem.Acquire(ctx, 1); err != nil {
			finish(StatusCancelled, Classify(err))
			return
		}
		defer sem.Release(1)
	}

	if err := r.acquireWorkerSlot(ctx); err != nil {
		if ctx.Err() != nil {
			finish(StatusCancelled, Classify(err))
		} else {
			finish(StatusFailed, Classify(err))
		}
		return
	}
	defer r.workers.Release(1)

	instance.StartedAt = time.Now()
	r.events <- &jobEvent{instance: instance, status: StatusRunning}

	jobCtx := ctx
	if template.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		jobCtx, cancelTimeout = context.WithTimeout(ctx, template.Timeout.Std())
		defer cancelTimeout()
	}

	status, err := r.runJobBody(jobCtx, ctx, instance)
	finish(status, err)
}

// acquireWorkerSlot admits the job into the shared worker pool. Transient
// saturation is retried with jittered backoff before falling back to a
// blocking acquire.
func (r *Run) acquireWorkerSlot(ctx context.Context) error {
	err := retry.Do(ctx, func() error {
		if r.workers.TryAcquire(1) {
			return nil
		}
		return retry.NewRecoverableError(errors.New("worker pool capacity exhausted"))
	},
		retry.WithMaxRetries(5),
		retry.WithBaseWait(25*time.Millisecond),
		retry.WithFullJitter())
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return r.workers.Acquire(ctx, 1)
}

// runJobBody materializes downloads, runs the steps, records declared
// outputs, and persists uploads. jobCtx carries the job timeout; runCtx does
// not, so the two can be told apart when deciding between Failed (timeout)
// and Cancelled.
func (r *Run) runJobBody(jobCtx, runCtx context.Context, instance *JobInstance) (Status, error) {
	template := instance.Template
	env := NewEnvAccumulator()

	for _, decl := range template.Downloads {
		if err := r.downloadArtifact(jobCtx, decl); err != nil {
			return StatusFailed, Classify(err)
		}
	}

	failed, firstErr := r.runSteps(jobCtx, instance, env)

	if jobCtx.Err() != nil {
		if runCtx.Err() != nil {
			return StatusCancelled, Classify(runCtx.Err())
		}
		return StatusFailed, &EngineError{
			Kind:    ErrorKindTimeout,
			Cause:   fmt.Sprintf("job %q exceeded its timeout of %s", instance.ID, template.Timeout.Std()),
			Wrapped: jobCtx.Err(),
		}
	}

	if err := r.recordJobOutputs(jobCtx, instance, env); err != nil && !failed {
		return StatusFailed, Classify(err)
	}

	if failed {
		return StatusFailed, firstErr
	}

	for _, decl := range template.Uploads {
		if err := r.uploadArtifact(jobCtx, decl); err != nil {
			return StatusFailed, Classify(err)
		}
	}
	return StatusSucceeded, nil
}

func (r *Run) downloadArtifact(ctx context.Context, decl *ArtifactDecl) error {
	data, err := r.engine.artifacts.Get(ctx, r.id, decl.Name)
	if err != nil {
		return fmt.Errorf("download artifact %q: %w", decl.Name, err)
	}
	path := decl.Path
	if path == "" {
		path = decl.Name
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("download artifact %q: %w", decl.Name, err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("download artifact %q: %w", decl.Name, err)
	}
	return nil
}

func (r *Run) uploadArtifact(ctx context.Context, decl *ArtifactDecl) error {
	path := decl.Path
	if path == "" {
		path = decl.Name
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("upload artifact %q: %w", decl.Name, err)
	}
	if err := r.engine.artifacts.Put(ctx, r.id, decl.Name, data); err != nil {
		return fmt.Errorf("upload artifact %q: %w", decl.Name, err)
	}
	return nil
}

// runSteps executes the instance's steps in order. A failed step (unless
// continue-on-error) flips the job's status summary, so later steps with the
// default success() condition are Skipped while failure() and always() steps
// still run. Context cancellation stops the sequence outright.
func (r *Run) runSteps(ctx context.Context, instance *JobInstance, env *EnvAccumulator) (bool, error) {
	jobFailed := false
	var firstErr error

	for _, step := range instance.Steps {
		if ctx.Err() != nil {
			step.Status = StatusCancelled
			continue
		}

		summary := script.StatusSummary{
			AllSucceeded: !jobFailed,
			AnyFailed:    jobFailed,
			AnyCancelled: r.IsCancelled(),
		}
		globals := r.stepGlobals(instance, env, jobFailed)

		condition := step.Template.If
		if condition == "" {
			condition = "success()"
		}
		ok, err := r.evalCondition(ctx, condition, globals, summary)
		if err != nil {
			step.Status = StatusFailed
			step.Err = Classify(err)
			if !step.Template.ContinueOnError {
				jobFailed = true
				if firstErr == nil {
					firstErr = step.Err
				}
			}
			continue
		}
		if !ok {
			step.Status = StatusSkipped
			continue
		}

		resolvedEnv, err := r.resolveStepEnv(ctx, instance, step, env, globals)
		if err != nil {
			step.Status = StatusFailed
			step.Err = Classify(err)
			if !step.Template.ContinueOnError {
				jobFailed = true
				if firstErr == nil {
					firstErr = step.Err
				}
			}
			continue
		}
		globals["env"] = stringMapToAny(resolvedEnv)

		step.Status = StatusRunning
		step.StartedAt = time.Now()
		r.engine.callbacks.BeforeStep(ctx, &StepEvent{
			RunID:      r.id,
			InstanceID: instance.ID,
			StepName:   step.Name(),
			Status:     StatusRunning,
			StartTime:  step.StartedAt,
		})
		if r.engine.formatter != nil {
			r.engine.formatter.PrintStepStart(instance.ID, step.Name())
		}

		result, runErr := r.invokeStep(ctx, step, resolvedEnv, globals)
		step.FinishedAt = time.Now()
		if result != nil {
			step.Outputs = result.Outputs
			env.Merge(result.Env)
		}

		switch {
		case runErr != nil && ctx.Err() != nil:
			// The job context went away mid-step: cancellation or job
			// timeout, settled by the caller.
			step.Status = StatusCancelled
			step.Err = Classify(ctx.Err())
		case runErr != nil:
			step.Status = StatusFailed
			step.Err = Classify(runErr)
			if r.engine.formatter != nil {
				r.engine.formatter.PrintStepError(instance.ID, step.Name(), runErr)
			}
			if !step.Template.ContinueOnError {
				jobFailed = true
				if firstErr == nil {
					firstErr = step.Err
				}
			}
		default:
			step.Status = StatusSucceeded
		}

		r.engine.callbacks.AfterStep(ctx, &StepEvent{
			RunID:      r.id,
			InstanceID: instance.ID,
			StepName:   step.Name(),
			Status:     step.Status,
			StartTime:  step.StartedAt,
			EndTime:    step.FinishedAt,
			Duration:   step.FinishedAt.Sub(step.StartedAt),
			Outputs:    step.Outputs,
			Error:      step.Err,
		})
		message := ""
		if step.Err != nil {
			message = step.Err.Error()
		}
		r.logRunEvent(ctx, instance.ID, step.Name(), string(step.Status), message,
			step.StartedAt, step.FinishedAt.Sub(step.StartedAt))
	}
	return jobFailed, firstErr
}

// invokeStep builds the invocation and dispatches it to the runner. A step
// timeout only bounds this one invocation; it is reported as a timeout-kind
// failure rather than a cancellation.
func (r *Run) invokeStep(ctx context.Context, step *StepInstance, env map[string]string, globals map[string]any) (*runner.Result, error) {
	template := step.Template
	inv := runner.Invocation{
		Kind:       template.Kind(),
		Uses:       template.Uses,
		Env:        env,
		WorkingDir: template.WorkingDir,
		Timeout:    template.Timeout.Std(),
	}
	command, err := r.evalTemplate(ctx, template.Run, globals)
	if err != nil {
		return nil, err
	}
	inv.Command = command
	if len(template.With) > 0 {
		inv.With = make(map[string]string, len(template.With))
		for name, raw := range template.With {
			value, err := r.evalTemplate(ctx, raw, globals)
			if err != nil {
				return nil, fmt.Errorf("with.%s: %w", name, err)
			}
			inv.With[name] = value
		}
	}

	stepCtx := ctx
	var cancelStep context.CancelFunc
	if template.Timeout > 0 {
		stepCtx, cancelStep = context.WithTimeout(ctx, template.Timeout.Std())
		defer cancelStep()
	}
	result, runErr := r.engine.runner.Run(stepCtx, inv)
	if runErr != nil && stepCtx.Err() != nil && ctx.Err() == nil {
		runErr = &EngineError{
			Kind:    ErrorKindTimeout,
			Cause:   fmt.Sprintf("step %q exceeded its timeout of %s", step.Name(), template.Timeout.Std()),
			Wrapped: runErr,
		}
	}
	return result, runErr
}

// recordJobOutputs evaluates the template's declared outputs against the
// step results and stages them in the run result table. They become visible
// to dependents only once the instance is finalized.
func (r *Run) recordJobOutputs(ctx context.Context, instance *JobInstance, env *EnvAccumulator) error {
	if len(instance.Template.Outputs) == 0 {
		return nil
	}
	globals := r.stepGlobals(instance, env, false)
	for name, expr := range instance.Template.Outputs {
		value, err := r.evalTemplate(ctx, expr, globals)
		if err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
		if err := r.results.RecordOutput(instance.ID, name, value); err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
	}
	return nil
}

// resolveStepEnv merges the env layers for one step invocation: workflow,
// job, variables exported by earlier steps, then the step's own block.
// Declared values are template-evaluated; exported values are literal.
func (r *Run) resolveStepEnv(ctx context.Context, instance *JobInstance, step *StepInstance, acc *EnvAccumulator, globals map[string]any) (map[string]string, error) {
	merged := map[string]string{}
	for _, layer := range []map[string]string{r.workflow.Env(), instance.Template.Env} {
		for key, raw := range layer {
			value, err := r.evalTemplate(ctx, raw, globals)
			if err != nil {
				return nil, fmt.Errorf("env %s: %w", key, err)
			}
			merged[key] = value
		}
	}
	for key, value := range acc.Snapshot() {
		merged[key] = value
	}
	for key, raw := range step.Template.Env {
		value, err := r.evalTemplate(ctx, raw, globals)
		if err != nil {
			return nil, fmt.Errorf("env %s: %w", key, err)
		}
		merged[key] = value
	}
	return merged, nil
}

// evaluateJobCondition decides admission for a blocked instance whose
// dependencies are terminal. The default condition is success().
func (r *Run) evaluateJobCondition(ctx context.Context, instance *JobInstance) (bool, error) {
	condition := instance.Template.If
	if condition == "" {
		condition = "success()"
	}
	summary := r.dependencySummary(instance.Template)
	return r.evalCondition(ctx, condition, r.jobGlobals(instance), summary)
}

// dependencySummary aggregates the terminal results of a template's needs
// for the status functions. With no needs, success() holds.
func (r *Run) dependencySummary(template *JobTemplate) script.StatusSummary {
	summary := script.StatusSummary{AllSucceeded: true}
	if r.IsCancelled() {
		summary.AnyCancelled = true
	}
	for _, need := range template.Needs {
		status, ok := r.results.TemplateResult(r.templateInstanceIDs(need))
		if !ok {
			summary.AllSucceeded = false
			continue
		}
		switch status {
		case StatusFailed:
			summary.AnyFailed = true
			summary.AllSucceeded = false
		case StatusCancelled:
			summary.AnyCancelled = true
			summary.AllSucceeded = false
		case StatusSkipped:
			summary.AllSucceeded = false
		}
	}
	return summary
}

func (r *Run) templateInstanceIDs(template string) []string {
	instances := r.graph.InstancesOf(template)
	ids := make([]string, 0, len(instances))
	for _, instance := range instances {
		ids = append(ids, instance.ID)
	}
	return ids
}

func (r *Run) evalCondition(ctx context.Context, expr string, globals map[string]any, summary script.StatusSummary) (bool, error) {
	combined := make(map[string]any, len(globals)+4)
	for name, value := range globals {
		combined[name] = value
	}
	for name, value := range script.StatusGlobals(summary) {
		combined[name] = value
	}
	compiled, err := r.engine.compiler.Compile(ctx, expr)
	if err != nil {
		return false, fmt.Errorf("invalid condition %q: %w", expr, err)
	}
	value, err := compiled.Evaluate(ctx, combined)
	if err != nil {
		return false, fmt.Errorf("condition %q: %w", expr, err)
	}
	return value.IsTruthy(), nil
}

func (r *Run) evalTemplate(ctx context.Context, raw string, globals map[string]any) (string, error) {
	tmpl, err := script.NewTemplate(r.engine.compiler, raw)
	if err != nil {
		return "", err
	}
	return tmpl.Eval(ctx, globals)
}

// triggerGlobals is the expression context available before any job ran.
func (r *Run) triggerGlobals() map[string]any {
	return map[string]any{"event": r.trigger.Globals()}
}

// jobGlobals is the expression context for job-level conditions and
// concurrency keys: the trigger, the matrix binding, and the needs results.
func (r *Run) jobGlobals(instance *JobInstance) map[string]any {
	globals := r.triggerGlobals()
	globals["matrix"] = instance.MatrixValues()
	globals["needs"] = r.needsGlobals(instance.Template)
	return globals
}

// stepGlobals is the expression context inside a running job: job globals
// plus the accumulated env and the outcomes of earlier steps.
func (r *Run) stepGlobals(instance *JobInstance, env *EnvAccumulator, jobFailed bool) map[string]any {
	globals := r.jobGlobals(instance)
	merged := map[string]any{}
	for _, layer := range []map[string]string{r.workflow.Env(), instance.Template.Env, env.Snapshot()} {
		for key, value := range layer {
			merged[key] = value
		}
	}
	globals["env"] = merged

	steps := map[string]any{}
	for _, step := range instance.Steps {
		outputs := map[string]any{}
		for name, value := range step.Outputs {
			outputs[name] = value
		}
		steps[step.Name()] = map[string]any{
			"outcome": resultString(step.Status),
			"outputs": outputs,
		}
	}
	globals["steps"] = steps

	jobStatus := "success"
	if jobFailed {
		jobStatus = "failure"
	}
	globals["job"] = map[string]any{"status": jobStatus}
	return globals
}

// needsGlobals builds the needs context for a template: one entry per
// declared dependency carrying its aggregate result and merged outputs.
func (r *Run) needsGlobals(template *JobTemplate) map[string]any {
	needs := map[string]any{}
	for _, need := range template.Needs {
		ids := r.templateInstanceIDs(need)
		entry := map[string]any{"result": "", "outputs": map[string]any{}}
		if status, ok := r.results.TemplateResult(ids); ok {
			entry["result"] = resultString(status)
		}
		if outputs, err := r.results.TemplateOutputs(ids); err == nil {
			values := map[string]any{}
			for name, value := range outputs {
				values[name] = value
			}
			entry["outputs"] = values
		}
		needs[need] = entry
	}
	return needs
}

// triggerAxisResolver resolves dynamic matrix axes that depend only on the
// trigger context. Axes referencing needs outputs never reach it; graph
// construction defers those templates.
func (r *Run) triggerAxisResolver() AxisResolver {
	return func(expr string) ([]any, error) {
		return r.resolveAxis(context.Background(), expr, r.triggerGlobals())
	}
}

// needsAxisResolver resolves dynamic matrix axes for a deferred template
// once its dependencies are terminal.
func (r *Run) needsAxisResolver(job *JobTemplate) AxisResolver {
	return func(expr string) ([]any, error) {
		globals := r.triggerGlobals()
		globals["needs"] = r.needsGlobals(job)
		return r.resolveAxis(context.Background(), expr, globals)
	}
}

// resolveAxis evaluates one axis expression to a value list. A string result
// is parsed as a JSON array, the handoff format for lists passed through job
// outputs.
func (r *Run) resolveAxis(ctx context.Context, expr string, globals map[string]any) ([]any, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		expr = expr[2 : len(expr)-1]
	}
	compiled, err := r.engine.compiler.Compile(ctx, expr)
	if err != nil {
		return nil, err
	}
	value, err := compiled.Evaluate(ctx, globals)
	if err != nil {
		return nil, err
	}
	result := value.Value()
	if text, ok := result.(string); ok {
		var list []any
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return nil, fmt.Errorf("expression %q did not yield a JSON array: %w", expr, err)
		}
		return list, nil
	}
	return script.ConvertListValue(result)
}

func (r *Run) logRunEvent(ctx context.Context, instanceID, stepName, status, message string, start time.Time, duration time.Duration) {
	entry := &RunLogEntry{
		RunID:      r.id,
		InstanceID: instanceID,
		StepName:   stepName,
		Status:     status,
		Message:    message,
		StartTime:  start,
		Duration:   duration.Seconds(),
	}
	if err := r.engine.runLogger.LogEvent(context.WithoutCancel(ctx), entry); err != nil {
		r.logger.Warn("failed to log run event", "error", err)
	}
}

func stringMapToAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for key, value := range m {
		out[key] = value
	}
	return out
}

// resultString maps a status to the vocabulary expressions use: Succeeded
// reads as "success" and Failed as "failure", matching the status functions.
func resultString(status Status) string {
	switch status {
	case StatusSucceeded:
		return "success"
	case StatusFailed:
		return "failure"
	default:
		return string(status)
	}
}

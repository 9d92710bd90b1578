package conveyor

import (
	"regexp"
	"strings"
)

// needsRefRe matches needs.<job> references inside expressions so undeclared
// references can be rejected at build time.
var needsRefRe = regexp.MustCompile(`\bneeds\.([A-Za-z_][A-Za-z0-9_-]*)`)

// Graph is the DAG of job instances for one run. Edges are derived from the
// template-level needs declarations at fan-out granularity: an instance
// depends on every instance of each template it needs. The edge structure is
// fixed at build time; only instance statuses change afterwards. Templates
// with a needs-sourced dynamic matrix are the one exception: their instances
// are spliced in by ExpandDeferred once their dependencies are terminal.
type Graph struct {
	workflow   *Workflow
	instances  map[string]*JobInstance
	order      []string
	byTemplate map[string][]string
	expansions map[string]*Expansion
	deferred   map[string]bool
	layers     [][]string
}

// BuildGraph expands every job template of the workflow and wires the
// resulting instances into a DAG. The resolver evaluates dynamic matrix
// axis expressions against the trigger context; axes that reference needs
// outputs are deferred until those needs are terminal. Configuration errors
// (cycles, undeclared needs references, malformed matrix sources) abort the
// build.
func BuildGraph(workflow *Workflow, resolve AxisResolver) (*Graph, error) {
	if err := detectCycles(workflow); err != nil {
		return nil, err
	}
	if err := validateNeedsReferences(workflow); err != nil {
		return nil, err
	}

	g := &Graph{
		workflow:   workflow,
		instances:  map[string]*JobInstance{},
		byTemplate: map[string][]string{},
		expansions: map[string]*Expansion{},
		deferred:   map[string]bool{},
	}

	for _, job := range workflow.Jobs() {
		if matrix := job.Matrix(); matrix != nil && matrixNeedsOutputs(matrix) {
			// Expansion requires a prior job's outputs; defer until then.
			g.deferred[job.Name] = true
			g.byTemplate[job.Name] = nil
			continue
		}
		expansion, err := ExpandMatrix(job, resolve)
		if err != nil {
			return nil, err
		}
		g.addExpansion(job, expansion)
	}

	g.layers = computeLayers(workflow)
	return g, nil
}

func (g *Graph) addExpansion(job *JobTemplate, expansion *Expansion) []*JobInstance {
	g.expansions[job.Name] = expansion
	added := make([]*JobInstance, 0, len(expansion.Combinations))
	for _, combo := range expansion.Combinations {
		instance := newJobInstance(job, combo)
		g.instances[instance.ID] = instance
		g.order = append(g.order, instance.ID)
		g.byTemplate[job.Name] = append(g.byTemplate[job.Name], instance.ID)
		added = append(added, instance)
	}
	return added
}

// Instances returns all job instances in deterministic creation order.
func (g *Graph) Instances() []*JobInstance {
	out := make([]*JobInstance, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.instances[id])
	}
	return out
}

// Get returns the instance with the given ID.
func (g *Graph) Get(id string) (*JobInstance, bool) {
	instance, ok := g.instances[id]
	return instance, ok
}

// InstancesOf returns the instances expanded from a template, in expansion
// order.
func (g *Graph) InstancesOf(template string) []*JobInstance {
	ids := g.byTemplate[template]
	out := make([]*JobInstance, 0, len(ids))
	for _, id := range ids {
		out = append(out, g.instances[id])
	}
	return out
}

// Expansion returns the stored expansion result for a template.
func (g *Graph) Expansion(template string) *Expansion {
	return g.expansions[template]
}

// Deferred reports whether a template still awaits dynamic matrix expansion.
func (g *Graph) Deferred(template string) bool {
	return g.deferred[template]
}

// DeferredTemplates returns the names of templates awaiting expansion, in
// workflow declaration order.
func (g *Graph) DeferredTemplates() []string {
	var names []string
	for _, job := range g.workflow.Jobs() {
		if g.deferred[job.Name] {
			names = append(names, job.Name)
		}
	}
	return names
}

// ExpandDeferred resolves a deferred template's dynamic matrix and splices
// its instances into the graph. Dependents of the template were waiting on
// the template as a whole, so the edge semantics are unchanged.
func (g *Graph) ExpandDeferred(template string, resolve AxisResolver) ([]*JobInstance, error) {
	job, ok := g.workflow.GetJob(template)
	if !ok || !g.deferred[template] {
		return nil, NewConfigError("template %q is not deferred", template)
	}
	expansion, err := ExpandMatrix(job, resolve)
	if err != nil {
		return nil, err
	}
	delete(g.deferred, template)
	return g.addExpansion(job, expansion), nil
}

// ResolveDeferred settles a deferred template without expanding it, splicing
// in a single placeholder instance with the given terminal status. Used when
// a dynamic matrix fails to resolve (the job fails) or the run is cancelled
// before the template's dependencies finish.
func (g *Graph) ResolveDeferred(template string, status Status, err error) *JobInstance {
	job, ok := g.workflow.GetJob(template)
	if !ok || !g.deferred[template] {
		return nil
	}
	delete(g.deferred, template)
	instance := newJobInstance(job, nil)
	instance.Status = status
	instance.Err = err
	g.instances[instance.ID] = instance
	g.order = append(g.order, instance.ID)
	g.byTemplate[job.Name] = append(g.byTemplate[job.Name], instance.ID)
	return instance
}

// DependenciesTerminal reports whether every instance of every template the
// given template needs is in a terminal state. A deferred needed template is
// never satisfied until it has been expanded and its instances finished.
func (g *Graph) DependenciesTerminal(template *JobTemplate) bool {
	for _, need := range template.Needs {
		if g.deferred[need] {
			return false
		}
		for _, id := range g.byTemplate[need] {
			if !g.instances[id].Status.Terminal() {
				return false
			}
		}
	}
	return true
}

// Layers returns the topological layers of job templates: layer 0 holds
// templates with no needs, layer N holds templates whose needs all live in
// earlier layers. Used for report ordering.
func (g *Graph) Layers() [][]string {
	return g.layers
}

// detectCycles runs DFS coloring over the template needs graph and reports
// any back-edge with the full cycle path.
func detectCycles(workflow *Workflow) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := map[string]int{}
	var stack []string

	var visit func(name string) *CycleError
	visit = func(name string) *CycleError {
		colors[name] = gray
		stack = append(stack, name)
		job, _ := workflow.GetJob(name)
		for _, need := range job.Needs {
			switch colors[need] {
			case gray:
				// Back-edge: slice the stack from the first occurrence of
				// need to form the cycle path.
				start := 0
				for i, n := range stack {
					if n == need {
						start = i
						break
					}
				}
				cycle := append([]string{}, stack[start:]...)
				cycle = append(cycle, need)
				return &CycleError{Path: cycle}
			case white:
				if err := visit(need); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		colors[name] = black
		return nil
	}

	for _, job := range workflow.Jobs() {
		if colors[job.Name] == white {
			if err := visit(job.Name); err != nil {
				return err
			}
		}
	}
	return nil
}

// validateNeedsReferences checks that every needs.<job> reference appearing
// in a template's expressions names a declared dependency of that template,
// and that no concurrency group key references needs at all (a key depending
// on a not-yet-terminal result would deadlock the gate).
func validateNeedsReferences(workflow *Workflow) error {
	if wc := workflow.Concurrency(); wc != nil {
		if refs := needsRefs(wc.Group); len(refs) > 0 {
			return NewConfigError("workflow concurrency group references needs.%s: concurrency keys cannot depend on job results", refs[0])
		}
	}
	for _, job := range workflow.Jobs() {
		declared := map[string]bool{}
		for _, need := range job.Needs {
			declared[need] = true
		}
		check := func(where, expr string) error {
			for _, ref := range needsRefs(expr) {
				if !declared[ref] {
					return NewConfigError("job %q %s references needs.%s which is not declared in needs", job.Name, where, ref)
				}
			}
			return nil
		}
		if err := check("if", job.If); err != nil {
			return err
		}
		if job.Concurrency != nil {
			if refs := needsRefs(job.Concurrency.Group); len(refs) > 0 {
				return NewConfigError("job %q concurrency group references needs.%s: concurrency keys cannot depend on job results", job.Name, refs[0])
			}
		}
		for name, expr := range job.Outputs {
			if err := check("output "+name, expr); err != nil {
				return err
			}
		}
		for _, value := range job.Env {
			if err := check("env", value); err != nil {
				return err
			}
		}
		if matrix := job.Matrix(); matrix != nil {
			for _, axis := range matrix.Axes {
				if err := check("matrix axis "+axis.Name, axis.From); err != nil {
					return err
				}
			}
		}
		for _, step := range job.Steps {
			if err := check("step "+step.Name+" if", step.If); err != nil {
				return err
			}
			for _, value := range step.Env {
				if err := check("step env", value); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func needsRefs(expr string) []string {
	if expr == "" || !strings.Contains(expr, "needs.") {
		return nil
	}
	var refs []string
	for _, match := range needsRefRe.FindAllStringSubmatch(expr, -1) {
		refs = append(refs, match[1])
	}
	return refs
}

// matrixNeedsOutputs reports whether any dynamic axis references needs
// outputs, which forces deferred expansion.
func matrixNeedsOutputs(matrix *MatrixSpec) bool {
	for _, axis := range matrix.Axes {
		if len(needsRefs(axis.From)) > 0 {
			return true
		}
	}
	return false
}

// computeLayers assigns each template to the earliest layer after all of its
// needs, preserving declaration order within a layer.
func computeLayers(workflow *Workflow) [][]string {
	depth := map[string]int{}
	var depthOf func(name string) int
	depthOf = func(name string) int {
		if d, ok := depth[name]; ok {
			return d
		}
		job, _ := workflow.GetJob(name)
		d := 0
		for _, need := range job.Needs {
			if nd := depthOf(need) + 1; nd > d {
				d = nd
			}
		}
		depth[name] = d
		return d
	}
	maxDepth := 0
	for _, job := range workflow.Jobs() {
		if d := depthOf(job.Name); d > maxDepth {
			maxDepth = d
		}
	}
	layers := make([][]string, maxDepth+1)
	for _, job := range workflow.Jobs() {
		d := depth[job.Name]
		layers[d] = append(layers[d], job.Name)
	}
	return layers
}

package conveyor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func step(run string) []*StepTemplate {
	return []*StepTemplate{{Name: "main", Run: run}}
}

func mustWorkflow(t *testing.T, jobs ...*JobTemplate) *Workflow {
	t.Helper()
	wf, err := New(Options{Name: "test", Jobs: jobs})
	require.NoError(t, err)
	return wf
}

func TestBuildGraphCycleDetection(t *testing.T) {
	wf := mustWorkflow(t,
		&JobTemplate{Name: "a", Needs: []string{"b"}, Steps: step("true")},
		&JobTemplate{Name: "b", Needs: []string{"c"}, Steps: step("true")},
		&JobTemplate{Name: "c", Needs: []string{"a"}, Steps: step("true")},
	)
	_, err := BuildGraph(wf, nil)
	require.Error(t, err)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, "cyclic needs dependency: a -> b -> c -> a", cycleErr.Error())
}

func TestBuildGraphUndeclaredNeedsReference(t *testing.T) {
	t.Run("job condition", func(t *testing.T) {
		wf := mustWorkflow(t,
			&JobTemplate{Name: "build", Steps: step("true")},
			&JobTemplate{Name: "test", If: `needs.build.result == "success"`, Steps: step("true")},
		)
		_, err := BuildGraph(wf, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "needs.build")
		require.Contains(t, err.Error(), "not declared")
	})

	t.Run("job env", func(t *testing.T) {
		wf := mustWorkflow(t,
			&JobTemplate{Name: "build", Steps: step("true")},
			&JobTemplate{
				Name:  "test",
				Env:   map[string]string{"VERSION": "${needs.build.outputs.version}"},
				Steps: step("true"),
			},
		)
		_, err := BuildGraph(wf, nil)
		require.Error(t, err)
	})

	t.Run("declared reference is fine", func(t *testing.T) {
		wf := mustWorkflow(t,
			&JobTemplate{Name: "build", Steps: step("true")},
			&JobTemplate{
				Name:  "test",
				Needs: []string{"build"},
				If:    `needs.build.result == "success"`,
				Steps: step("true"),
			},
		)
		_, err := BuildGraph(wf, nil)
		require.NoError(t, err)
	})
}

func TestBuildGraphConcurrencyKeyCannotReferenceNeeds(t *testing.T) {
	t.Run("job level", func(t *testing.T) {
		wf := mustWorkflow(t,
			&JobTemplate{Name: "build", Steps: step("true")},
			&JobTemplate{
				Name:        "deploy",
				Needs:       []string{"build"},
				Concurrency: &ConcurrencySpec{Group: "env-${needs.build.outputs.env}"},
				Steps:       step("true"),
			},
		)
		_, err := BuildGraph(wf, nil)
		require.Error(t, err)
		require.Contains(t, err.Error(), "concurrency")
	})

	t.Run("workflow level", func(t *testing.T) {
		wf, err := New(Options{
			Name:        "test",
			Concurrency: &ConcurrencySpec{Group: "ci-${needs.build.result}"},
			Jobs:        []*JobTemplate{{Name: "build", Steps: step("true")}},
		})
		require.NoError(t, err)
		_, err = BuildGraph(wf, nil)
		require.Error(t, err)
	})
}

func TestBuildGraphFanOut(t *testing.T) {
	wf := mustWorkflow(t,
		&JobTemplate{
			Name: "build",
			Strategy: &Strategy{Matrix: &MatrixSpec{
				Axes: []MatrixAxis{{Name: "os", Values: []any{"linux", "macos"}}},
			}},
			Steps: step("true"),
		},
		&JobTemplate{Name: "test", Needs: []string{"build"}, Steps: step("true")},
	)
	graph, err := BuildGraph(wf, nil)
	require.NoError(t, err)

	builds := graph.InstancesOf("build")
	require.Len(t, builds, 2)
	require.Equal(t, "build (linux)", builds[0].ID)
	require.Equal(t, "build (macos)", builds[1].ID)

	test, ok := graph.Get("test")
	require.True(t, ok)
	require.False(t, graph.DependenciesTerminal(test.Template))

	builds[0].Status = StatusSucceeded
	require.False(t, graph.DependenciesTerminal(test.Template))
	builds[1].Status = StatusSucceeded
	require.True(t, graph.DependenciesTerminal(test.Template))
}

func TestBuildGraphDefersNeedsSourcedMatrix(t *testing.T) {
	wf := mustWorkflow(t,
		&JobTemplate{Name: "plan", Steps: step("true")},
		&JobTemplate{
			Name:  "build",
			Needs: []string{"plan"},
			Strategy: &Strategy{Matrix: &MatrixSpec{
				Axes: []MatrixAxis{{Name: "item", From: "needs.plan.outputs.list"}},
			}},
			Steps: step("true"),
		},
		&JobTemplate{Name: "publish", Needs: []string{"build"}, Steps: step("true")},
	)
	graph, err := BuildGraph(wf, nil)
	require.NoError(t, err)

	require.True(t, graph.Deferred("build"))
	require.Equal(t, []string{"build"}, graph.DeferredTemplates())
	require.Empty(t, graph.InstancesOf("build"))

	// A dependent of a deferred template is never unblocked early
	publish, ok := graph.Get("publish")
	require.True(t, ok)
	require.False(t, graph.DependenciesTerminal(publish.Template))

	instances, err := graph.ExpandDeferred("build", func(expr string) ([]any, error) {
		return []any{"a", "b"}, nil
	})
	require.NoError(t, err)
	require.Len(t, instances, 2)
	require.False(t, graph.Deferred("build"))
	require.Equal(t, "build (a)", instances[0].ID)

	instances[0].Status = StatusSucceeded
	instances[1].Status = StatusFailed
	require.True(t, graph.DependenciesTerminal(publish.Template))
}

func TestGraphResolveDeferred(t *testing.T) {
	wf := mustWorkflow(t,
		&JobTemplate{Name: "plan", Steps: step("true")},
		&JobTemplate{
			Name:  "build",
			Needs: []string{"plan"},
			Strategy: &Strategy{Matrix: &MatrixSpec{
				Axes: []MatrixAxis{{Name: "item", From: "needs.plan.outputs.list"}},
			}},
			Steps: step("true"),
		},
	)
	graph, err := BuildGraph(wf, nil)
	require.NoError(t, err)

	instance := graph.ResolveDeferred("build", StatusFailed, NewConfigError("bad list"))
	require.NotNil(t, instance)
	require.Equal(t, StatusFailed, instance.Status)
	require.False(t, graph.Deferred("build"))
	require.Len(t, graph.InstancesOf("build"), 1)

	// Settling twice is a no-op
	require.Nil(t, graph.ResolveDeferred("build", StatusCancelled, nil))
}

func TestGraphLayers(t *testing.T) {
	wf := mustWorkflow(t,
		&JobTemplate{Name: "build", Steps: step("true")},
		&JobTemplate{Name: "test-a", Needs: []string{"build"}, Steps: step("true")},
		&JobTemplate{Name: "test-b", Needs: []string{"build"}, Steps: step("true")},
		&JobTemplate{Name: "deploy", Needs: []string{"test-a", "test-b"}, Steps: step("true")},
	)
	graph, err := BuildGraph(wf, nil)
	require.NoError(t, err)
	require.Equal(t, [][]string{
		{"build"},
		{"test-a", "test-b"},
		{"deploy"},
	}, graph.Layers())
}

package conveyor

import (
	"testing"
	"time"

	"github.com/conveyor-ci/conveyor/runner"
	"github.com/stretchr/testify/require"
)

func TestInvalidWorkflows(t *testing.T) {
	t.Run("empty workflow", func(t *testing.T) {
		_, err := New(Options{})
		require.Error(t, err)
		require.Contains(t, err.Error(), "workflow name required")
	})

	t.Run("no jobs", func(t *testing.T) {
		_, err := New(Options{Name: "ci"})
		require.Error(t, err)
		require.Contains(t, err.Error(), "jobs required")
	})

	t.Run("duplicate job name", func(t *testing.T) {
		_, err := New(Options{Name: "ci", Jobs: []*JobTemplate{
			{Name: "build", Steps: step("true")},
			{Name: "build", Steps: step("true")},
		}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "duplicate job name")
	})

	t.Run("job without steps", func(t *testing.T) {
		_, err := New(Options{Name: "ci", Jobs: []*JobTemplate{{Name: "build"}}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "at least one step")
	})

	t.Run("unknown need", func(t *testing.T) {
		_, err := New(Options{Name: "ci", Jobs: []*JobTemplate{
			{Name: "test", Needs: []string{"build"}, Steps: step("true")},
		}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown job")
	})

	t.Run("self need", func(t *testing.T) {
		_, err := New(Options{Name: "ci", Jobs: []*JobTemplate{
			{Name: "build", Needs: []string{"build"}, Steps: step("true")},
		}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "cannot need itself")
	})

	t.Run("step with run and uses", func(t *testing.T) {
		_, err := New(Options{Name: "ci", Jobs: []*JobTemplate{
			{Name: "build", Steps: []*StepTemplate{{Run: "true", Uses: "docker://alpine"}}},
		}})
		require.Error(t, err)
		require.Contains(t, err.Error(), "cannot set both run and uses")
	})
}

func TestLoadStringPreservesJobOrder(t *testing.T) {
	wf, err := LoadString(`
name: ci
jobs:
  zeta:
    steps:
      - run: "true"
  alpha:
    steps:
      - run: "true"
  build:
    steps:
      - run: "true"
`)
	require.NoError(t, err)
	jobs := wf.Jobs()
	require.Len(t, jobs, 3)
	require.Equal(t, "zeta", jobs[0].Name)
	require.Equal(t, "alpha", jobs[1].Name)
	require.Equal(t, "build", jobs[2].Name)
}

func TestLoadStringFullDefinition(t *testing.T) {
	wf, err := LoadString(`
name: ci
env:
  CI: "true"
concurrency:
  group: ci-${event.ref}
  cancel-in-progress: true
jobs:
  build:
    timeout: 10m
    strategy:
      fail-fast: false
      max-parallel: 2
      matrix:
        os: [linux, macos]
        go: ["1.21", "1.22"]
        exclude:
          - os: macos
            go: "1.21"
    steps:
      - name: compile
        run: go build ./...
        timeout: 30s
      - name: lint
        run: make lint
        continue-on-error: true
  test:
    needs: [build]
    if: event.name == "push"
    env:
      GOFLAGS: -race
    outputs:
      coverage: ${steps.run-tests.outputs.coverage}
    steps:
      - name: run-tests
        run: go test ./...
`)
	require.NoError(t, err)

	require.Equal(t, "ci", wf.Name())
	require.Equal(t, map[string]string{"CI": "true"}, wf.Env())
	require.NotNil(t, wf.Concurrency())
	require.Equal(t, "ci-${event.ref}", wf.Concurrency().Group)
	require.True(t, wf.Concurrency().CancelInProgress)

	build, ok := wf.GetJob("build")
	require.True(t, ok)
	require.Equal(t, 10*time.Minute, build.Timeout.Std())
	require.False(t, build.Strategy.FailFastEnabled())
	require.Equal(t, 2, build.Strategy.MaxParallel)

	matrix := build.Matrix()
	require.NotNil(t, matrix)
	require.Len(t, matrix.Axes, 2)
	require.Equal(t, "os", matrix.Axes[0].Name)
	require.Equal(t, []any{"linux", "macos"}, matrix.Axes[0].Values)
	require.Len(t, matrix.Exclude, 1)

	require.Equal(t, 30*time.Second, build.Steps[0].Timeout.Std())
	require.True(t, build.Steps[1].ContinueOnError)

	test, ok := wf.GetJob("test")
	require.True(t, ok)
	require.Equal(t, []string{"build"}, test.Needs)
	require.Equal(t, `event.name == "push"`, test.If)
	require.Equal(t, "${steps.run-tests.outputs.coverage}", test.Outputs["coverage"])
}

func TestLoadStringDynamicAxis(t *testing.T) {
	wf, err := LoadString(`
name: ci
jobs:
  plan:
    steps:
      - run: "true"
  build:
    needs: [plan]
    strategy:
      matrix:
        target: ${needs.plan.outputs.targets}
    steps:
      - run: "true"
`)
	require.NoError(t, err)
	build, ok := wf.GetJob("build")
	require.True(t, ok)
	matrix := build.Matrix()
	require.Len(t, matrix.Axes, 1)
	require.Equal(t, "${needs.plan.outputs.targets}", matrix.Axes[0].From)
	require.Empty(t, matrix.Axes[0].Values)
}

func TestDurationDecoding(t *testing.T) {
	wf, err := LoadString(`
name: ci
jobs:
  build:
    timeout: 90
    steps:
      - run: "true"
        timeout: 1h30m
`)
	require.NoError(t, err)
	build, _ := wf.GetJob("build")
	require.Equal(t, 90*time.Second, build.Timeout.Std())
	require.Equal(t, 90*time.Minute, build.Steps[0].Timeout.Std())
}

func TestStepKind(t *testing.T) {
	require.Equal(t, runner.StepKindShell, (&StepTemplate{Run: "make"}).Kind())
	require.Equal(t, runner.StepKindContainer, (&StepTemplate{Uses: "docker://alpine:3.20"}).Kind())
	require.Equal(t, runner.StepKindWorkflowCall, (&StepTemplate{Uses: "./.conveyor/reusable.yml"}).Kind())
	require.Equal(t, runner.StepKindWorkflowCall, (&StepTemplate{Uses: "shared/deploy.yaml"}).Kind())
}

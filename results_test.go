package conveyor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func terminalInstance(id string, status Status) *JobInstance {
	return &JobInstance{
		ID:         id,
		Template:   &JobTemplate{Name: id},
		Status:     status,
		StartedAt:  time.Now().Add(-time.Second),
		FinishedAt: time.Now(),
	}
}

func TestResultTableOutputsNotReady(t *testing.T) {
	table := NewRunResultTable()

	_, err := table.Outputs("build")
	require.ErrorIs(t, err, ErrNotReady)

	// Staged outputs stay invisible until the instance is finalized
	require.NoError(t, table.RecordOutput("build", "version", "1.0"))
	_, err = table.Outputs("build")
	require.ErrorIs(t, err, ErrNotReady)

	table.Finalize(terminalInstance("build", StatusSucceeded))
	outputs, err := table.Outputs("build")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"version": "1.0"}, outputs)
}

func TestResultTableRecordOutputIdempotent(t *testing.T) {
	table := NewRunResultTable()
	require.NoError(t, table.RecordOutput("build", "version", "1.0"))
	require.NoError(t, table.RecordOutput("build", "version", "2.0"))
	table.Finalize(terminalInstance("build", StatusSucceeded))

	outputs, err := table.Outputs("build")
	require.NoError(t, err)
	require.Equal(t, "2.0", outputs["version"])
}

func TestResultTableRejectsRecordAfterTerminal(t *testing.T) {
	table := NewRunResultTable()
	table.Finalize(terminalInstance("build", StatusSucceeded))
	require.Error(t, table.RecordOutput("build", "version", "1.0"))
}

func TestResultTableFinalizeOnce(t *testing.T) {
	table := NewRunResultTable()
	table.Finalize(terminalInstance("build", StatusFailed))
	table.Finalize(terminalInstance("build", StatusSucceeded))

	result, ok := table.Result("build")
	require.True(t, ok)
	require.Equal(t, StatusFailed, result.Status)
}

func TestTemplateResultAggregation(t *testing.T) {
	ids := []string{"m (a)", "m (b)", "m (c)"}

	t.Run("not ready until every instance is terminal", func(t *testing.T) {
		table := NewRunResultTable()
		table.Finalize(terminalInstance("m (a)", StatusSucceeded))
		_, ok := table.TemplateResult(ids)
		require.False(t, ok)
	})

	t.Run("failure beats cancelled", func(t *testing.T) {
		table := NewRunResultTable()
		table.Finalize(terminalInstance("m (a)", StatusSucceeded))
		table.Finalize(terminalInstance("m (b)", StatusFailed))
		table.Finalize(terminalInstance("m (c)", StatusCancelled))
		status, ok := table.TemplateResult(ids)
		require.True(t, ok)
		require.Equal(t, StatusFailed, status)
	})

	t.Run("cancelled beats skipped", func(t *testing.T) {
		table := NewRunResultTable()
		table.Finalize(terminalInstance("m (a)", StatusSkipped))
		table.Finalize(terminalInstance("m (b)", StatusCancelled))
		table.Finalize(terminalInstance("m (c)", StatusSucceeded))
		status, ok := table.TemplateResult(ids)
		require.True(t, ok)
		require.Equal(t, StatusCancelled, status)
	})

	t.Run("all skipped reads as skipped", func(t *testing.T) {
		table := NewRunResultTable()
		for _, id := range ids {
			table.Finalize(terminalInstance(id, StatusSkipped))
		}
		status, ok := table.TemplateResult(ids)
		require.True(t, ok)
		require.Equal(t, StatusSkipped, status)
	})

	t.Run("skipped instances do not mask success", func(t *testing.T) {
		table := NewRunResultTable()
		table.Finalize(terminalInstance("m (a)", StatusSucceeded))
		table.Finalize(terminalInstance("m (b)", StatusSucceeded))
		table.Finalize(terminalInstance("m (c)", StatusSkipped))
		status, ok := table.TemplateResult(ids)
		require.True(t, ok)
		require.Equal(t, StatusSucceeded, status)
	})
}

func TestTemplateOutputsMerge(t *testing.T) {
	table := NewRunResultTable()
	require.NoError(t, table.RecordOutput("m (a)", "version", "1.0"))
	require.NoError(t, table.RecordOutput("m (a)", "arch", "amd64"))
	require.NoError(t, table.RecordOutput("m (b)", "version", "2.0"))
	table.Finalize(terminalInstance("m (a)", StatusSucceeded))

	_, err := table.TemplateOutputs([]string{"m (a)", "m (b)"})
	require.ErrorIs(t, err, ErrNotReady)

	table.Finalize(terminalInstance("m (b)", StatusSucceeded))
	outputs, err := table.TemplateOutputs([]string{"m (a)", "m (b)"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"version": "2.0", "arch": "amd64"}, outputs)
}

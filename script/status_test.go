package script

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusFunctions(t *testing.T) {
	allGood := StatusSummary{AllSucceeded: true}
	oneFailed := StatusSummary{AnyFailed: true}
	wasCancelled := StatusSummary{AnyCancelled: true}

	tests := []struct {
		name    string
		expr    string
		summary StatusSummary
		want    bool
	}{
		{"success when all dependencies succeeded", "success()", allGood, true},
		{"success when a dependency failed", "success()", oneFailed, false},
		{"failure when a dependency failed", "failure()", oneFailed, true},
		{"failure when all dependencies succeeded", "failure()", allGood, false},
		{"cancelled after cancellation", "cancelled()", wasCancelled, true},
		{"cancelled without cancellation", "cancelled()", allGood, false},
		{"always after failure", "always()", oneFailed, true},
		{"always after cancellation", "always()", wasCancelled, true},
		{"status functions compose with boolean operators", "failure() || cancelled()", wasCancelled, true},
		{"status functions compose with context lookups", `success() && event.ref == "refs/heads/main"`, allGood, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			summary := tt.summary
			globals := StatusGlobals(summary)
			if tt.expr == `success() && event.ref == "refs/heads/main"` {
				globals["event"] = map[string]any{"ref": "refs/heads/main"}
			}
			engine := NewRisorScriptingEngine(DefaultEngineGlobals())
			script, err := engine.Compile(context.Background(), tt.expr)
			require.NoError(t, err)
			value, err := script.Evaluate(context.Background(), globals)
			require.NoError(t, err)
			require.Equal(t, tt.want, value.IsTruthy())
		})
	}
}

func TestStatusFunctionsRejectArguments(t *testing.T) {
	engine := NewRisorScriptingEngine(DefaultEngineGlobals())
	script, err := engine.Compile(context.Background(), "success(1)")
	require.NoError(t, err)

	_, err = script.Evaluate(context.Background(), StatusGlobals(StatusSummary{}))
	require.Error(t, err)
	require.Contains(t, err.Error(), "success() takes no arguments")
}

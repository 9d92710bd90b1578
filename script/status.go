package script

import (
	"context"

	"github.com/risor-io/risor/object"
)

// StatusSummary aggregates the terminal statuses of the dependencies a node
// observes. The engine computes one summary per node before evaluating its
// condition expression.
type StatusSummary struct {
	// AllSucceeded is true iff every dependency terminated Succeeded.
	AllSucceeded bool

	// AnyFailed is true iff at least one dependency terminated Failed.
	AnyFailed bool

	// AnyCancelled is true iff the run was cancelled or at least one
	// dependency terminated Cancelled.
	AnyCancelled bool
}

// StatusGlobals returns the four status functions as evaluation globals,
// closed over the given summary:
//
//	success()   - every dependency Succeeded
//	failure()   - at least one dependency Failed
//	cancelled() - the run or a dependency was Cancelled
//	always()    - true unconditionally
func StatusGlobals(summary StatusSummary) map[string]any {
	return map[string]any{
		"success":   statusBuiltin("success", func() bool { return summary.AllSucceeded }),
		"failure":   statusBuiltin("failure", func() bool { return summary.AnyFailed }),
		"cancelled": statusBuiltin("cancelled", func() bool { return summary.AnyCancelled }),
		"always":    statusBuiltin("always", func() bool { return true }),
	}
}

func statusBuiltin(name string, fn func() bool) *object.Builtin {
	return object.NewBuiltin(name, func(ctx context.Context, args ...object.Object) object.Object {
		if len(args) != 0 {
			return object.Errorf("type error: %s() takes no arguments (%d given)", name, len(args))
		}
		return object.NewBool(fn())
	})
}

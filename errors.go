package conveyor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error kind constants for classification and matching
const (
	// ErrorKindConfig indicates an invalid workflow definition: cyclic needs,
	// malformed dynamic-matrix JSON, undeclared expression references, and
	// similar problems caught before or during graph construction.
	ErrorKindConfig = "config_error"

	// ErrorKindExecution indicates a step's external invocation failed.
	ErrorKindExecution = "execution_error"

	// ErrorKindTimeout indicates a job or step deadline elapsed. Timeouts are
	// failure-like but tagged distinctly so reports can tell them apart.
	ErrorKindTimeout = "timeout_error"

	// ErrorKindCancelled indicates work was stopped by an explicit
	// cancellation signal rather than by its own failure.
	ErrorKindCancelled = "cancelled"
)

// EngineError is a structured error with a kind classification. It supports
// Go's error wrapping patterns with Unwrap().
type EngineError struct {
	Kind    string      `json:"kind"`
	Cause   string      `json:"cause"`
	Details interface{} `json:"details,omitempty"`
	Wrapped error       `json:"-"`
}

// Error implements the error interface
func (e *EngineError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *EngineError) Unwrap() error {
	return e.Wrapped
}

// NewConfigError returns an EngineError with the config kind.
func NewConfigError(format string, args ...any) *EngineError {
	return &EngineError{Kind: ErrorKindConfig, Cause: fmt.Sprintf(format, args...)}
}

// Classify wraps a plain error in an EngineError with a best-effort kind.
// Context deadline errors become timeouts and context cancellation becomes
// a cancelled error; everything else defaults to an execution error.
func Classify(err error) *EngineError {
	var engineError *EngineError
	if errors.As(err, &engineError) {
		return engineError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &EngineError{Kind: ErrorKindTimeout, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.Canceled) {
		return &EngineError{Kind: ErrorKindCancelled, Cause: err.Error(), Wrapped: err}
	}
	return &EngineError{Kind: ErrorKindExecution, Cause: err.Error(), Wrapped: err}
}

// CycleError reports a dependency cycle detected at graph-build time. The
// Path holds the job template names along the cycle, ending where it began.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic needs dependency: %s", strings.Join(e.Path, " -> "))
}

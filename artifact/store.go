// Package artifact defines the engine's boundary to external artifact
// storage. The engine only sequences when puts and gets may occur; storage
// format, retention, and size limits belong to the implementation.
package artifact

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a named artifact does not exist for a run.
var ErrNotFound = errors.New("artifact not found")

// Store persists and retrieves named artifacts scoped to a run.
type Store interface {
	// Put persists an artifact under a run-scoped name.
	Put(ctx context.Context, runID, name string, data []byte) error

	// Get retrieves an artifact by its run-scoped name.
	Get(ctx context.Context, runID, name string) ([]byte, error)
}

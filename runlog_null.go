package conveyor

import (
	"context"
)

// NullRunLogger is a RunLogger that discards all events.
type NullRunLogger struct{}

func NewNullRunLogger() *NullRunLogger {
	return &NullRunLogger{}
}

func (l *NullRunLogger) LogEvent(ctx context.Context, entry *RunLogEntry) error {
	return nil
}

func (l *NullRunLogger) GetRunHistory(ctx context.Context, runID string) ([]*RunLogEntry, error) {
	return nil, nil
}

var _ RunLogger = (*NullRunLogger)(nil)

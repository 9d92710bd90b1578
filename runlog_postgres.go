package conveyor

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const runLogSchema = `
CREATE TABLE IF NOT EXISTS run_log (
	id          BIGSERIAL PRIMARY KEY,
	run_id      TEXT NOT NULL,
	instance_id TEXT NOT NULL DEFAULT '',
	step_name   TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	message     TEXT NOT NULL DEFAULT '',
	start_time  TIMESTAMPTZ NOT NULL,
	duration    DOUBLE PRECISION NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS run_log_run_id_idx ON run_log (run_id, id);
`

// PostgresRunLogger is a RunLogger backed by a Postgres table.
type PostgresRunLogger struct {
	db *sql.DB
}

// NewPostgresRunLogger opens a Postgres-backed run logger and ensures its
// schema exists.
func NewPostgresRunLogger(ctx context.Context, dsn string) (*PostgresRunLogger, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	logger := &PostgresRunLogger{db: db}
	if err := logger.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return logger, nil
}

// NewPostgresRunLoggerWithDB wraps an existing database handle. The caller
// retains ownership of the handle.
func NewPostgresRunLoggerWithDB(ctx context.Context, db *sql.DB) (*PostgresRunLogger, error) {
	logger := &PostgresRunLogger{db: db}
	if err := logger.initSchema(ctx); err != nil {
		return nil, err
	}
	return logger, nil
}

func (l *PostgresRunLogger) initSchema(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, runLogSchema); err != nil {
		return fmt.Errorf("failed to initialize run_log schema: %w", err)
	}
	return nil
}

func (l *PostgresRunLogger) LogEvent(ctx context.Context, entry *RunLogEntry) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO run_log (run_id, instance_id, step_name, status, message, start_time, duration)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.RunID, entry.InstanceID, entry.StepName, entry.Status,
		entry.Message, entry.StartTime, entry.Duration)
	if err != nil {
		return fmt.Errorf("failed to insert run log entry: %w", err)
	}
	return nil
}

func (l *PostgresRunLogger) GetRunHistory(ctx context.Context, runID string) ([]*RunLogEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, run_id, instance_id, step_name, status, message, start_time, duration
		 FROM run_log WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run log: %w", err)
	}
	defer rows.Close()

	var entries []*RunLogEntry
	for rows.Next() {
		var entry RunLogEntry
		var id int64
		if err := rows.Scan(&id, &entry.RunID, &entry.InstanceID, &entry.StepName,
			&entry.Status, &entry.Message, &entry.StartTime, &entry.Duration); err != nil {
			return nil, err
		}
		entry.ID = fmt.Sprintf("%d", id)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (l *PostgresRunLogger) Close() error {
	return l.db.Close()
}

var _ RunLogger = (*PostgresRunLogger)(nil)

package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// PostgresEventLog keeps job event logs in Postgres, for deployments
// where the event history outgrows the local SQLite file.
type PostgresEventLog struct {
	pool *pgxpool.Pool
}

// OpenPostgresEventLog connects to dsn and ensures the schema exists
func OpenPostgresEventLog(ctx context.Context, dsn string) (*PostgresEventLog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	log := NewPostgresEventLog(pool)
	if err := log.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return log, nil
}

// NewPostgresEventLog wraps an existing pool
func NewPostgresEventLog(pool *pgxpool.Pool) *PostgresEventLog {
	return &PostgresEventLog{pool: pool}
}

// EnsureSchema creates the event table if needed
func (l *PostgresEventLog) EnsureSchema(ctx context.Context) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("postgres event log not initialized")
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS job_events (
    seq BIGSERIAL PRIMARY KEY,
    job_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    payload JSONB NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_job_events_job_seq ON job_events (job_id, seq);`,
	}
	for _, stmt := range statements {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// AppendEvent persists an event and assigns its Seq
func (l *PostgresEventLog) AppendEvent(ctx context.Context, jobID string, event *domain.ExecutionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var seq int64
	err = l.pool.QueryRow(ctx, `
INSERT INTO job_events (job_id, event_type, created_at, payload)
VALUES ($1, $2, $3, $4::jsonb)
RETURNING seq`, jobID, string(event.Type), event.Timestamp, payload).Scan(&seq)
	if err != nil {
		return fmt.Errorf("appending event for job %s: %w", jobID, err)
	}
	event.Seq = seq
	return nil
}

// ListEvents returns the job's events with seq > afterSeq in append order
func (l *PostgresEventLog) ListEvents(ctx context.Context, jobID string, afterSeq int64) ([]domain.ExecutionEvent, error) {
	rows, err := l.pool.Query(ctx, `SELECT seq, payload FROM job_events WHERE job_id = $1 AND seq > $2 ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ExecutionEvent
	for rows.Next() {
		var seq int64
		var payload []byte
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var e domain.ExecutionEvent
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", seq, err)
		}
		e.Seq = seq
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEvents drops the event logs of the given jobs
func (l *PostgresEventLog) DeleteEvents(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	tag, err := l.pool.Exec(ctx, `DELETE FROM job_events WHERE job_id = ANY($1)`, jobIDs)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Close releases the pool
func (l *PostgresEventLog) Close() {
	if l != nil && l.pool != nil {
		l.pool.Close()
	}
}

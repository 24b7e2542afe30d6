package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// AppendEvent persists an event to the job's log and assigns its Seq
func (s *Store) AppendEvent(ctx context.Context, jobID string, event *domain.ExecutionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO events (job_id, type, created_at, payload) VALUES (?, ?, ?, ?)`,
		jobID, string(event.Type), event.Timestamp, string(payload))
	if err != nil {
		return fmt.Errorf("appending event for job %s: %w", jobID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	event.Seq = seq
	return nil
}

// ListEvents returns the job's events with seq > afterSeq in append order
func (s *Store) ListEvents(ctx context.Context, jobID string, afterSeq int64) ([]domain.ExecutionEvent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq, payload FROM events WHERE job_id = ? AND seq > ? ORDER BY seq`, jobID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.ExecutionEvent
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		var e domain.ExecutionEvent
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", seq, err)
		}
		e.Seq = seq
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteEvents drops the event logs of the given jobs
func (s *Store) DeleteEvents(ctx context.Context, jobIDs []string) (int64, error) {
	if len(jobIDs) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(jobIDs))
	args := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE job_id IN (`+strings.Join(placeholders, ", ")+`)`, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

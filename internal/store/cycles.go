package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

const cycleColumns = `id, job_id, number, phase, tasks_discovered, tasks_launched, tasks_completed, tasks_failed,
	summary, learnings, error, goal_met, started_at, completed_at`

// CreateCycle inserts a cycle. The (job_id, number) pair must be unused.
func (s *Store) CreateCycle(c *domain.Cycle) error {
	_, err := s.db.Exec(`INSERT INTO cycles (`+cycleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.JobID, c.Number, string(c.Phase),
		c.TasksDiscovered, c.TasksLaunched, c.TasksCompleted, c.TasksFailed,
		c.Summary, c.Learnings, c.Error, c.GoalMet, c.StartedAt, nullTime(c.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting cycle %d of job %s: %w", c.Number, c.JobID, err)
	}
	return nil
}

// UpdateCycle writes the cycle's mutable fields
func (s *Store) UpdateCycle(c *domain.Cycle) error {
	res, err := s.db.Exec(`
		UPDATE cycles SET
			phase = ?,
			tasks_discovered = ?,
			tasks_launched = ?,
			tasks_completed = ?,
			tasks_failed = ?,
			summary = ?,
			learnings = ?,
			error = ?,
			goal_met = ?,
			completed_at = ?
		WHERE id = ?`,
		string(c.Phase), c.TasksDiscovered, c.TasksLaunched, c.TasksCompleted, c.TasksFailed,
		c.Summary, c.Learnings, c.Error, c.GoalMet, nullTime(c.CompletedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cycle %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cycle %s: %w", c.ID, domain.ErrNotFound)
	}
	return nil
}

// GetCycle retrieves a cycle by ID
func (s *Store) GetCycle(id string) (*domain.Cycle, error) {
	row := s.db.QueryRow(`SELECT `+cycleColumns+` FROM cycles WHERE id = ?`, id)
	c, err := scanCycle(row)
	if err != nil {
		return nil, notFound("cycle", id, err)
	}
	return c, nil
}

// ListCycles returns a job's cycles in number order
func (s *Store) ListCycles(jobID string) ([]*domain.Cycle, error) {
	rows, err := s.db.Query(`SELECT `+cycleColumns+` FROM cycles WHERE job_id = ? ORDER BY number`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cycles []*domain.Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		cycles = append(cycles, c)
	}
	return cycles, rows.Err()
}

// OpenCycle returns the job's non-terminal cycle, or nil when there is none
func (s *Store) OpenCycle(jobID string) (*domain.Cycle, error) {
	row := s.db.QueryRow(`SELECT `+cycleColumns+` FROM cycles
		WHERE job_id = ? AND completed_at IS NULL
		ORDER BY number DESC LIMIT 1`, jobID)
	c, err := scanCycle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, err
}

// NextCycleNumber returns one past the highest cycle number used by the job
func (s *Store) NextCycleNumber(jobID string) (int, error) {
	var max sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(number) FROM cycles WHERE job_id = ?`, jobID).Scan(&max); err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// LatestLearnings returns the learnings of the most recent completed cycle
func (s *Store) LatestLearnings(jobID string) (string, error) {
	var learnings string
	err := s.db.QueryRow(`SELECT learnings FROM cycles
		WHERE job_id = ? AND completed_at IS NOT NULL AND error = '' AND learnings != ''
		ORDER BY number DESC LIMIT 1`, jobID).Scan(&learnings)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return learnings, err
}

func scanCycle(row scanner) (*domain.Cycle, error) {
	var c domain.Cycle
	var phase string
	var completedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.JobID, &c.Number, &phase,
		&c.TasksDiscovered, &c.TasksLaunched, &c.TasksCompleted, &c.TasksFailed,
		&c.Summary, &c.Learnings, &c.Error, &c.GoalMet, &c.StartedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	c.Phase = domain.CyclePhase(phase)
	c.CompletedAt = timePtr(completedAt)
	return &c, nil
}

package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

const jobColumns = `id, owner_id, repository_url, base_branch, working_branch, goal_document, task_list,
	status, current_cycle, max_cycles, time_limit_minutes, max_parallel_tasks, provider,
	created_at, updated_at, started_at, completed_at, last_error, error_count, consecutive_failures`

// CreateJob inserts a new job
func (s *Store) CreateJob(job *domain.Job) error {
	_, err := s.db.Exec(`INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.OwnerID,
		job.RepositoryURL,
		job.BaseBranch,
		job.WorkingBranch,
		job.GoalDocument,
		job.TaskList,
		string(job.Status),
		job.CurrentCycle,
		job.MaxCycles,
		job.TimeLimitMinutes,
		job.MaxParallelTasks,
		job.Provider,
		job.CreatedAt,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.LastError,
		job.ErrorCount,
		job.ConsecutiveFailures,
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// UpdateJob writes every mutable column of job and stamps updated_at
func (s *Store) UpdateJob(job *domain.Job) error {
	job.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`
		UPDATE jobs SET
			task_list = ?,
			status = ?,
			current_cycle = ?,
			updated_at = ?,
			started_at = ?,
			completed_at = ?,
			last_error = ?,
			error_count = ?,
			consecutive_failures = ?
		WHERE id = ?`,
		job.TaskList,
		string(job.Status),
		job.CurrentCycle,
		job.UpdatedAt,
		nullTime(job.StartedAt),
		nullTime(job.CompletedAt),
		job.LastError,
		job.ErrorCount,
		job.ConsecutiveFailures,
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", job.ID, domain.ErrNotFound)
	}
	return nil
}

// GetJob retrieves a job by ID
func (s *Store) GetJob(id string) (*domain.Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, notFound("job", id, err)
	}
	return job, nil
}

// JobFilter specifies filters for listing jobs
type JobFilter struct {
	OwnerID  string
	Statuses []domain.JobStatus
	Limit    int
}

// ListJobs returns jobs matching the filter, newest first
func (s *Store) ListJobs(filter JobFilter) ([]*domain.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	var args []any

	if filter.OwnerID != "" {
		query += " AND owner_id = ?"
		args = append(args, filter.OwnerID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}

	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListNonTerminalJobs returns every pending, running or paused job
func (s *Store) ListNonTerminalJobs() ([]*domain.Job, error) {
	return s.ListJobs(JobFilter{Statuses: []domain.JobStatus{domain.JobPending, domain.JobRunning, domain.JobPaused}})
}

// ListTerminalJobIDs returns ids of jobs that finished before the cutoff
func (s *Store) ListTerminalJobIDs(before time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id, completed_at FROM jobs
		WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL`,
		string(domain.JobCompleted), string(domain.JobCancelled), string(domain.JobError))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		var completedAt time.Time
		if err := rows.Scan(&id, &completedAt); err != nil {
			return nil, err
		}
		if completedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

// DeleteJob removes a job together with its cycles, tasks and events
func (s *Store) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanJob(row scanner) (*domain.Job, error) {
	var job domain.Job
	var status string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.RepositoryURL,
		&job.BaseBranch,
		&job.WorkingBranch,
		&job.GoalDocument,
		&job.TaskList,
		&status,
		&job.CurrentCycle,
		&job.MaxCycles,
		&job.TimeLimitMinutes,
		&job.MaxParallelTasks,
		&job.Provider,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
		&job.LastError,
		&job.ErrorCount,
		&job.ConsecutiveFailures,
	)
	if err != nil {
		return nil, err
	}

	job.Status = domain.JobStatus(status)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}

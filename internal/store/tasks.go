package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

const taskColumns = `id, cycle_id, job_id, number, description, context, priority, can_run_parallel,
	session_id, branch, status, result_summary, files_modified, commits,
	started_at, completed_at, error_message, retry_count`

// CreateTasks inserts a cycle's discovered tasks in one transaction
func (s *Store) CreateTasks(tasks []*domain.Task) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, t := range tasks {
		files, commits, err := encodeLists(t)
		if err != nil {
			return err
		}
		_, err = stmt.Exec(
			t.ID, t.CycleID, t.JobID, t.Number, t.Description, t.Context, int(t.Priority), t.CanRunParallel,
			t.SessionID, t.Branch, string(t.Status), t.ResultSummary, files, commits,
			nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ErrorMessage, t.RetryCount,
		)
		if err != nil {
			return fmt.Errorf("inserting task %d of cycle %s: %w", t.Number, t.CycleID, err)
		}
	}
	return tx.Commit()
}

// UpdateTask writes the task's execution state
func (s *Store) UpdateTask(t *domain.Task) error {
	files, commits, err := encodeLists(t)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`
		UPDATE tasks SET
			session_id = ?,
			branch = ?,
			status = ?,
			result_summary = ?,
			files_modified = ?,
			commits = ?,
			started_at = ?,
			completed_at = ?,
			error_message = ?,
			retry_count = ?
		WHERE id = ?`,
		t.SessionID, t.Branch, string(t.Status), t.ResultSummary, files, commits,
		nullTime(t.StartedAt), nullTime(t.CompletedAt), t.ErrorMessage, t.RetryCount, t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

// GetTask retrieves a task by ID
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFound("task", id, err)
	}
	return t, nil
}

// ListTasks returns a cycle's tasks in number order
func (s *Store) ListTasks(cycleID string) ([]*domain.Task, error) {
	return s.queryTasks(`SELECT `+taskColumns+` FROM tasks WHERE cycle_id = ? ORDER BY number`, cycleID)
}

// ListJobTasks returns every task of a job ordered by cycle then number
func (s *Store) ListJobTasks(jobID string) ([]*domain.Task, error) {
	return s.queryTasks(`SELECT t.id, t.cycle_id, t.job_id, t.number, t.description, t.context, t.priority,
		t.can_run_parallel, t.session_id, t.branch, t.status, t.result_summary, t.files_modified, t.commits,
		t.started_at, t.completed_at, t.error_message, t.retry_count
		FROM tasks t JOIN cycles c ON c.id = t.cycle_id
		WHERE t.job_id = ? ORDER BY c.number, t.number`, jobID)
}

// ResetRunningTasks returns tasks left running by a crashed process to pending
func (s *Store) ResetRunningTasks(jobID string) (int, error) {
	res, err := s.db.Exec(`UPDATE tasks SET status = ?, started_at = NULL WHERE job_id = ? AND status = ?`,
		string(domain.TaskPending), jobID, string(domain.TaskRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) queryTasks(query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func encodeLists(t *domain.Task) (string, string, error) {
	files, err := json.Marshal(nonNil(t.FilesModified))
	if err != nil {
		return "", "", err
	}
	commits, err := json.Marshal(nonNil(t.Commits))
	if err != nil {
		return "", "", err
	}
	return string(files), string(commits), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func scanTask(row scanner) (*domain.Task, error) {
	var t domain.Task
	var priority int
	var status, filesJSON, commitsJSON string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&t.ID, &t.CycleID, &t.JobID, &t.Number, &t.Description, &t.Context, &priority, &t.CanRunParallel,
		&t.SessionID, &t.Branch, &status, &t.ResultSummary, &filesJSON, &commitsJSON,
		&startedAt, &completedAt, &t.ErrorMessage, &t.RetryCount,
	)
	if err != nil {
		return nil, err
	}

	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)

	if filesJSON != "" {
		if err := json.Unmarshal([]byte(filesJSON), &t.FilesModified); err != nil {
			return nil, err
		}
	}
	if commitsJSON != "" {
		if err := json.Unmarshal([]byte(commitsJSON), &t.Commits); err != nil {
			return nil, err
		}
	}
	return &t, nil
}

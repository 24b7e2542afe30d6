package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
)

// OwnerHeader carries the caller's owner id
const OwnerHeader = "X-Owner-ID"

// JobResponse is the API response for a job
type JobResponse struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"owner_id"`
	RepositoryURL       string     `json:"repository_url"`
	BaseBranch          string     `json:"base_branch"`
	WorkingBranch       string     `json:"working_branch"`
	GoalDocument        string     `json:"goal_document"`
	TaskList            string     `json:"task_list,omitempty"`
	Status              string     `json:"status"`
	CurrentCycle        int        `json:"current_cycle"`
	MaxCycles           int        `json:"max_cycles,omitempty"`
	TimeLimitMinutes    int        `json:"time_limit_minutes,omitempty"`
	MaxParallelTasks    int        `json:"max_parallel_tasks"`
	Provider            string     `json:"provider"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	ErrorCount          int        `json:"error_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// CycleResponse is the API response for a cycle
type CycleResponse struct {
	ID              string     `json:"id"`
	Number          int        `json:"number"`
	Phase           string     `json:"phase"`
	Status          string     `json:"status"`
	TasksDiscovered int        `json:"tasks_discovered"`
	TasksLaunched   int        `json:"tasks_launched"`
	TasksCompleted  int        `json:"tasks_completed"`
	TasksFailed     int        `json:"tasks_failed"`
	Summary         string     `json:"summary,omitempty"`
	Learnings       string     `json:"learnings,omitempty"`
	Error           string     `json:"error,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// TaskResponse is the API response for a task
type TaskResponse struct {
	ID            string     `json:"id"`
	CycleID       string     `json:"cycle_id"`
	Number        int        `json:"number"`
	Description   string     `json:"description"`
	Context       string     `json:"context,omitempty"`
	Priority      string     `json:"priority"`
	Parallel      bool       `json:"parallel"`
	Status        string     `json:"status"`
	Branch        string     `json:"branch,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	ResultSummary string     `json:"result_summary,omitempty"`
	FilesModified []string   `json:"files_modified,omitempty"`
	Commits       []string   `json:"commits,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retry_count"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	ActiveLoops int            `json:"active_loops"`
	Jobs        map[string]int `json:"jobs"`
	Uptime      string         `json:"uptime"`
}

func jobToResponse(j *domain.Job) JobResponse {
	return JobResponse{
		ID:                  j.ID,
		OwnerID:             j.OwnerID,
		RepositoryURL:       j.RepositoryURL,
		BaseBranch:          j.BaseBranch,
		WorkingBranch:       j.WorkingBranch,
		GoalDocument:        j.GoalDocument,
		TaskList:            j.TaskList,
		Status:              string(j.Status),
		CurrentCycle:        j.CurrentCycle,
		MaxCycles:           j.MaxCycles,
		TimeLimitMinutes:    j.TimeLimitMinutes,
		MaxParallelTasks:    j.MaxParallelTasks,
		Provider:            j.Provider,
		CreatedAt:           j.CreatedAt,
		UpdatedAt:           j.UpdatedAt,
		StartedAt:           j.StartedAt,
		CompletedAt:         j.CompletedAt,
		LastError:           j.LastError,
		ErrorCount:          j.ErrorCount,
		ConsecutiveFailures: j.ConsecutiveFailures,
	}
}

func cycleToResponse(c *domain.Cycle) CycleResponse {
	return CycleResponse{
		ID:              c.ID,
		Number:          c.Number,
		Phase:           string(c.Phase),
		Status:          string(c.Status()),
		TasksDiscovered: c.TasksDiscovered,
		TasksLaunched:   c.TasksLaunched,
		TasksCompleted:  c.TasksCompleted,
		TasksFailed:     c.TasksFailed,
		Summary:         c.Summary,
		Learnings:       c.Learnings,
		Error:           c.Error,
		StartedAt:       c.StartedAt,
		CompletedAt:     c.CompletedAt,
	}
}

func taskToResponse(t *domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		CycleID:       t.CycleID,
		Number:        t.Number,
		Description:   t.Description,
		Context:       t.Context,
		Priority:      t.Priority.String(),
		Parallel:      t.CanRunParallel,
		Status:        string(t.Status),
		Branch:        t.Branch,
		SessionID:     t.SessionID,
		ResultSummary: t.ResultSummary,
		FilesModified: t.FilesModified,
		Commits:       t.Commits,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		Error:         t.ErrorMessage,
		RetryCount:    t.RetryCount,
	}
}

// credentials extracts the opaque bearer credential
func credentials(r *http.Request) provider.Credentials {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok {
		return provider.Credentials{}
	}
	return provider.Credentials{Token: strings.TrimSpace(token)}
}

// ownedJob loads the job named in the path. A job owned by someone other
// than the X-Owner-ID caller is reported as missing.
func (s *Server) ownedJob(r *http.Request) (*domain.Job, error) {
	id := r.PathValue("id")
	job, err := s.jobs.Get(id)
	if err != nil {
		return nil, err
	}
	if owner := r.Header.Get(OwnerHeader); owner != "" && job.OwnerID != owner {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return job, nil
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.jobs.List(store.JobFilter{OwnerID: r.Header.Get(OwnerHeader)})
		if err != nil {
			s.fail(w, r, err)
			return
		}

		status := StatusResponse{
			ActiveLoops: s.jobs.Active(),
			Jobs:        make(map[string]int),
			Uptime:      time.Since(s.started).Round(time.Second).String(),
		}
		for _, j := range jobs {
			status.Jobs[string(j.Status)]++
		}
		writeJSON(w, status)
	}
}

func (s *Server) createJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var spec domain.JobSpec
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		job, err := s.jobs.Create(r.Context(), r.Header.Get(OwnerHeader), spec)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSONStatus(w, http.StatusCreated, jobToResponse(job))
	}
}

func (s *Server) listJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{OwnerID: r.Header.Get(OwnerHeader)}
		if raw := r.URL.Query().Get("status"); raw != "" {
			for _, st := range strings.Split(raw, ",") {
				status := domain.JobStatus(strings.TrimSpace(st))
				if !status.Valid() {
					writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", st))
					return
				}
				filter.Statuses = append(filter.Statuses, status)
			}
		}
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}

		jobs, err := s.jobs.List(filter)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := make([]JobResponse, len(jobs))
		for i, j := range jobs {
			resp[i] = jobToResponse(j)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.ownedJob(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, jobToResponse(job))
	}
}

func (s *Server) jobActionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.ownedJob(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}

		ctx := r.Context()
		switch action := r.PathValue("action"); action {
		case "start":
			job, err = s.jobs.Start(ctx, job.ID, credentials(r))
		case "pause":
			job, err = s.jobs.Pause(ctx, job.ID)
		case "resume":
			job, err = s.jobs.Resume(ctx, job.ID, credentials(r))
		case "cancel":
			job, err = s.jobs.Cancel(ctx, job.ID)
		default:
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown action %q", action))
			return
		}
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, jobToResponse(job))
	}
}

func (s *Server) listCyclesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.ownedJob(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		cycles, err := s.jobs.Cycles(job.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := make([]CycleResponse, len(cycles))
		for i, c := range cycles {
			resp[i] = cycleToResponse(c)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) listTasksHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.ownedJob(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		tasks, err := s.jobs.Tasks(job.ID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resp := make([]TaskResponse, len(tasks))
		for i, t := range tasks {
			resp[i] = taskToResponse(t)
		}
		writeJSON(w, resp)
	}
}

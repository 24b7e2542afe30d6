package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/maintenance"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
	"github.com/hochfrequenz/agent-cycle-orchestrator/web/api"
)

var (
	createRepo      string
	createBase      string
	createBranch    string
	createGoalFile  string
	createTasksFile string
	createProvider  string
	createCycles    int
	createMinutes   int
	createParallel  int
	listStatus      string
	listLimit       int
)

func init() {
	// create command
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job from a goal document",
		RunE:  runCreate,
	}
	createCmd.Flags().StringVar(&createRepo, "repo", "", "repository URL")
	createCmd.Flags().StringVar(&createBase, "base", "main", "base branch")
	createCmd.Flags().StringVar(&createBranch, "branch", "", "working branch (default cycle-orch/<id>)")
	createCmd.Flags().StringVar(&createGoalFile, "goal-file", "", "markdown file with the goal document")
	createCmd.Flags().StringVar(&createTasksFile, "task-list-file", "", "optional markdown task list")
	createCmd.Flags().StringVar(&createProvider, "provider", "", "execution provider name")
	createCmd.Flags().IntVar(&createCycles, "max-cycles", 0, "stop after this many cycles")
	createCmd.Flags().IntVar(&createMinutes, "time-limit", 0, "stop after this many minutes")
	createCmd.Flags().IntVar(&createParallel, "parallel", 0, "maximum parallel tasks")
	createCmd.MarkFlagRequired("repo")
	createCmd.MarkFlagRequired("goal-file")
	rootCmd.AddCommand(createCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "comma-separated statuses to show")
	listCmd.Flags().IntVar(&listLimit, "limit", 50, "maximum jobs to show")
	rootCmd.AddCommand(listCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status [JOB]",
		Short: "Show overall status or one job's cycles and tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// control commands
	for _, action := range []struct{ name, short string }{
		{"start", "Start a pending job"},
		{"pause", "Pause a running job after its current batch"},
		{"resume", "Resume a paused job"},
		{"cancel", "Cancel a job"},
	} {
		rootCmd.AddCommand(&cobra.Command{
			Use:   action.name + " JOB",
			Short: action.short,
			Args:  cobra.ExactArgs(1),
			RunE:  runAction(action.name),
		})
	}

	// prune command
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete event logs of jobs past the retention window",
		RunE:  runPrune,
	}
	rootCmd.AddCommand(pruneCmd)
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	goal, err := os.ReadFile(createGoalFile)
	if err != nil {
		return fmt.Errorf("reading goal document: %w", err)
	}
	spec := domain.JobSpec{
		RepositoryURL: createRepo,
		BaseBranch:    createBase,
		WorkingBranch: createBranch,
		GoalDocument:  string(goal),
		Provider:      createProvider,
	}
	if createTasksFile != "" {
		tasks, err := os.ReadFile(createTasksFile)
		if err != nil {
			return fmt.Errorf("reading task list: %w", err)
		}
		spec.TaskList = string(tasks)
	}
	flags := cmd.Flags()
	if flags.Changed("max-cycles") {
		spec.MaxCycles = &createCycles
	}
	if flags.Changed("time-limit") {
		spec.TimeLimitMinutes = &createMinutes
	}
	if flags.Changed("parallel") {
		spec.MaxParallelTasks = &createParallel
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	job, err := newClient(apiBase(cfg), ownerID, "").createJob(cmd.Context(), spec)
	if err != nil {
		return err
	}
	fmt.Printf("Created job %s on branch %s\n", job.ID, job.WorkingBranch)
	fmt.Printf("Start it with: cycle-orch start %s\n", job.ID)
	return nil
}

func runAction(action string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token := ""
		if action == "start" || action == "resume" {
			token = cfg.Token()
		}
		job, err := newClient(apiBase(cfg), ownerID, token).action(cmd.Context(), args[0], action)
		if err != nil {
			return err
		}
		printJob(job)
		return nil
	}
}

func parseStatuses(raw string) ([]domain.JobStatus, error) {
	if raw == "" {
		return nil, nil
	}
	var out []domain.JobStatus
	for _, s := range strings.Split(raw, ",") {
		status := domain.JobStatus(strings.TrimSpace(s))
		if !status.Valid() {
			return nil, fmt.Errorf("unknown status %q", s)
		}
		out = append(out, status)
	}
	return out, nil
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	statuses, err := parseStatuses(listStatus)
	if err != nil {
		return err
	}

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	jobs, err := st.ListJobs(store.JobFilter{OwnerID: ownerID, Statuses: statuses, Limit: listLimit})
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tCYCLE\tREPOSITORY\tBRANCH\tUPDATED")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, statusStyle(string(j.Status)).Render(string(j.Status)), cycleProgress(j.CurrentCycle, j.MaxCycles),
			j.RepositoryURL, j.WorkingBranch, humanize.Time(j.UpdatedAt))
	}
	return w.Flush()
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) == 0 {
		jobs, err := st.ListJobs(store.JobFilter{OwnerID: ownerID})
		if err != nil {
			return err
		}
		counts := make(map[domain.JobStatus]int)
		for _, j := range jobs {
			counts[j.Status]++
		}
		fmt.Printf("Jobs: %d total | %d pending | %d running | %d paused | %d completed | %d cancelled | %d error\n",
			len(jobs), counts[domain.JobPending], counts[domain.JobRunning], counts[domain.JobPaused],
			counts[domain.JobCompleted], counts[domain.JobCancelled], counts[domain.JobError])
		return nil
	}

	job, err := st.GetJob(args[0])
	if err != nil {
		return err
	}
	if ownerID != "" && job.OwnerID != ownerID {
		return fmt.Errorf("job %s: %w", args[0], domain.ErrNotFound)
	}
	printJobDetail(job)

	cycles, err := st.ListCycles(job.ID)
	if err != nil {
		return err
	}
	tasks, err := st.ListJobTasks(job.ID)
	if err != nil {
		return err
	}
	byCycle := make(map[string][]*domain.Task)
	for _, t := range tasks {
		byCycle[t.CycleID] = append(byCycle[t.CycleID], t)
	}

	for _, c := range cycles {
		fmt.Println()
		fmt.Println(headerStyle.Render(fmt.Sprintf("Cycle %d  %s  %s", c.Number, c.Phase, c.Status())))
		fmt.Printf("  started %s, %d discovered, %d completed, %d failed\n",
			humanize.Time(c.StartedAt), c.TasksDiscovered, c.TasksCompleted, c.TasksFailed)
		if c.Summary != "" {
			fmt.Printf("  %s\n", c.Summary)
		}
		if c.Error != "" {
			fmt.Println("  " + errorStyle.Render(c.Error))
		}
		w := tabwriter.NewWriter(os.Stdout, 2, 0, 2, ' ', 0)
		for _, t := range byCycle[c.ID] {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.Label(), t.Priority, statusStyle(string(t.Status)).Render(string(t.Status)), truncate(t.Description, 60))
		}
		w.Flush()
	}
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	st, err := store.New(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer st.Close()

	events, closeEvents, err := openEventLog(cmd.Context(), cfg, st)
	if err != nil {
		return err
	}
	defer closeEvents()

	schedule := cfg.Maintenance.PruneCron
	if schedule == "" {
		schedule = "@daily"
	}
	janitor, err := maintenance.New(st, events, nil, maintenance.Config{
		Cron:      schedule,
		Retention: cfg.Maintenance.EventRetention.Duration,
	}, maintenance.WithLogger(logger))
	if err != nil {
		return err
	}

	res, err := janitor.Prune(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %s events of %d finished jobs older than %s\n",
		humanize.Comma(res.Events), res.Jobs, humanize.Time(time.Now().Add(-cfg.Maintenance.EventRetention.Duration)))
	return nil
}

func cycleProgress(current, max int) string {
	if max == 0 {
		return fmt.Sprintf("%d", current)
	}
	return fmt.Sprintf("%d/%d", current, max)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func printJob(j *api.JobResponse) {
	fmt.Printf("%s  %s  cycle %s\n", j.ID, statusStyle(j.Status).Render(j.Status), cycleProgress(j.CurrentCycle, j.MaxCycles))
	if j.LastError != "" {
		fmt.Println(errorStyle.Render(j.LastError))
	}
}

func printJobDetail(j *domain.Job) {
	fmt.Println(titleStyle.Render("Job " + j.ID))
	fmt.Printf("Status:     %s\n", statusStyle(string(j.Status)).Render(string(j.Status)))
	fmt.Printf("Repository: %s (%s -> %s)\n", j.RepositoryURL, j.BaseBranch, j.WorkingBranch)
	fmt.Printf("Provider:   %s\n", j.Provider)
	fmt.Printf("Cycle:      %s\n", cycleProgress(j.CurrentCycle, j.MaxCycles))
	if j.TimeLimitMinutes > 0 {
		fmt.Printf("Time limit: %d minutes\n", j.TimeLimitMinutes)
	}
	fmt.Printf("Created:    %s\n", humanize.Time(j.CreatedAt))
	if j.StartedAt != nil {
		fmt.Printf("Started:    %s\n", humanize.Time(*j.StartedAt))
	}
	if j.CompletedAt != nil {
		fmt.Printf("Finished:   %s\n", humanize.Time(*j.CompletedAt))
	}
	if j.ErrorCount > 0 {
		fmt.Printf("Errors:     %d (%d consecutive)\n", j.ErrorCount, j.ConsecutiveFailures)
	}
	if j.LastError != "" {
		fmt.Println(errorStyle.Render(j.LastError))
	}
}

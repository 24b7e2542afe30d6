// Package maintenance runs the cron-driven janitor that prunes the event
// log of finished jobs and drops idle broadcaster entries.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
)

// JobSource lists jobs whose events may be pruned
type JobSource interface {
	ListTerminalJobIDs(before time.Time) ([]string, error)
}

// EventLog deletes persisted events
type EventLog interface {
	DeleteEvents(ctx context.Context, jobIDs []string) (int64, error)
}

// Sweeper drops idle registry entries
type Sweeper interface {
	Sweep() int
}

// Config controls when and what the janitor prunes
type Config struct {
	Cron      string
	Retention time.Duration
	// Tick is how often the loop checks the schedule. Defaults to a minute.
	Tick time.Duration
}

// Result reports one pruning pass
type Result struct {
	Jobs   int
	Events int64
	Swept  int
}

// Janitor prunes on a cron schedule
type Janitor struct {
	jobs     JobSource
	events   EventLog
	registry Sweeper
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastRun  time.Time
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// Option customizes a Janitor
type Option func(*Janitor)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(j *Janitor) { j.logger = l }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// ParseCron parses a five-field cron expression or a descriptor like @daily
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(expr)
}

// New creates a Janitor. registry may be nil.
func New(jobs JobSource, events EventLog, registry Sweeper, cfg Config, opts ...Option) (*Janitor, error) {
	if cfg.Cron == "" {
		return nil, fmt.Errorf("cron expression is required")
	}
	schedule, err := ParseCron(cfg.Cron)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	if cfg.Retention < 0 {
		return nil, fmt.Errorf("retention must not be negative")
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}

	j := &Janitor{
		jobs:     jobs,
		events:   events,
		registry: registry,
		cfg:      cfg,
		schedule: schedule,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = logging.OrDiscard(j.logger).With("component", "janitor")
	j.lastRun = j.now()
	return j, nil
}

// Prune deletes the events of jobs that finished before the retention
// window and sweeps the broadcaster registry
func (j *Janitor) Prune(ctx context.Context) (Result, error) {
	var res Result
	cutoff := j.now().Add(-j.cfg.Retention)
	ids, err := j.jobs.ListTerminalJobIDs(cutoff)
	if err != nil {
		return res, fmt.Errorf("listing finished jobs: %w", err)
	}
	res.Jobs = len(ids)
	if len(ids) > 0 {
		n, err := j.events.DeleteEvents(ctx, ids)
		if err != nil {
			return res, fmt.Errorf("deleting events: %w", err)
		}
		res.Events = n
	}
	if j.registry != nil {
		res.Swept = j.registry.Sweep()
	}
	j.logger.Info("pruned event log", "jobs", res.Jobs, "events", res.Events, "swept", res.Swept, "cutoff", cutoff)
	return res, nil
}

// NextRun returns when the next pass is due
func (j *Janitor) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.schedule.Next(j.lastRun)
}

// ShouldRun reports whether a pass is due and none is in progress
func (j *Janitor) ShouldRun() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return false
	}
	return !j.now().Before(j.schedule.Next(j.lastRun))
}

func (j *Janitor) markRunning() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = true
}

func (j *Janitor) markComplete() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.running = false
	j.lastRun = j.now()
}

// Start checks the schedule every tick until ctx ends or Stop is called
func (j *Janitor) Start(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Tick)
	defer ticker.Stop()

	j.logger.Info("janitor started", "cron", j.cfg.Cron, "retention", j.cfg.Retention, "next_run", j.NextRun())
	for {
		select {
		case <-ctx.Done():
			return
		case <-j.stopChan:
			return
		case <-ticker.C:
			if !j.ShouldRun() {
				continue
			}
			j.markRunning()
			if _, err := j.Prune(ctx); err != nil {
				j.logger.Error("pruning failed", "error", err)
			}
			j.markComplete()
		}
	}
}

// Stop ends the Start loop
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stopChan) })
}

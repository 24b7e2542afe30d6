package provider

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/gitops"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
)

// CLIConfig configures the self-hosted Claude Code CLI provider
type CLIConfig struct {
	Name           string
	Binary         string
	Model          string
	Push           bool
	SessionTimeout time.Duration
	// Dir is the working directory used when no git manager is set
	Dir string
}

// CLIOption customizes a CLI provider
type CLIOption func(*CLI)

// WithCLILogger sets the logger
func WithCLILogger(l *slog.Logger) CLIOption {
	return func(c *CLI) { c.logger = l }
}

// CLI runs the Claude Code CLI locally, one process per session, inside
// a per-task git worktree.
type CLI struct {
	cfg    CLIConfig
	git    *gitops.Manager
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewCLI creates a CLI provider. git may be nil, in which case sessions
// run in cfg.Dir and no changes are collected.
func NewCLI(cfg CLIConfig, git *gitops.Manager, opts ...CLIOption) *CLI {
	if cfg.Name == "" {
		cfg.Name = "claude-cli"
	}
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	c := &CLI{
		cfg:     cfg,
		git:     git,
		now:     time.Now,
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.OrDiscard(c.logger).With("component", "provider", "provider", cfg.Name)
	return c
}

// Name implements Provider
func (c *CLI) Name() string { return c.cfg.Name }

// Execute implements Provider
func (c *CLI) Execute(ctx context.Context, p ExecuteParams, onEvent domain.EventSink) (*Result, error) {
	sessionID := uuid.NewString()
	args := c.baseArgs()
	args = append(args, "--session-id", sessionID, "-p", p.Prompt)
	return c.session(ctx, p, sessionID, domain.StageCreatingSession, args, onEvent)
}

// Resume implements Provider
func (c *CLI) Resume(ctx context.Context, p ExecuteParams, onEvent domain.EventSink) (*Result, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("%w: resume requires a session id", domain.ErrTaskFailure)
	}
	args := c.baseArgs()
	args = append(args, "--resume", p.SessionID, "-p", p.Prompt)
	return c.session(ctx, p, p.SessionID, domain.StageResumingSession, args, onEvent)
}

func (c *CLI) baseArgs() []string {
	args := []string{
		"--print",                        // Non-interactive mode
		"--verbose",                      // Required for stream-json output
		"--dangerously-skip-permissions", // Skip permission prompts
		"--output-format", "stream-json", // Stream output as JSON for realtime updates
	}
	if c.cfg.Model != "" {
		args = append(args, "--model", c.cfg.Model)
	}
	return args
}

func (c *CLI) session(ctx context.Context, p ExecuteParams, sessionID, stageName string, args []string, onEvent domain.EventSink) (*Result, error) {
	em := &emitter{sink: onEvent, now: c.now}
	em.emit(em.event(domain.EventConnected))

	stage := em.event(domain.EventMessage)
	stage.Stage = stageName
	em.emit(stage)

	dir := c.cfg.Dir
	if c.git != nil {
		wt, err := c.git.Prepare(p.Branch, p.BaseBranch)
		if err != nil {
			err = fmt.Errorf("%w: preparing worktree: %v", domain.ErrTaskFailure, err)
			em.fail(err, "source_control")
			return nil, err
		}
		dir = wt
	}

	em.sessionID = sessionID
	created := em.event(domain.EventSessionCreated)
	created.Branch = p.Branch
	em.emit(created)

	started := c.now()
	outcome, err := c.run(ctx, sessionID, dir, args, p.Credentials, em)
	if err != nil {
		em.fail(err, errorCode(err))
		return nil, err
	}

	res := &Result{
		SessionID: sessionID,
		Branch:    p.Branch,
		CostUSD:   outcome.CostUSD,
		Duration:  time.Duration(outcome.DurationMs) * time.Millisecond,
		Output:    outcome.Text,
	}
	if res.Duration == 0 {
		res.Duration = c.now().Sub(started)
	}

	if c.git != nil {
		files, commits, err := c.git.Changes(dir, p.BaseBranch, commitMessage(p))
		if err != nil {
			err = fmt.Errorf("%w: collecting changes: %v", domain.ErrTaskFailure, err)
			em.fail(err, "source_control")
			return nil, err
		}
		res.FilesModified = files
		res.Commits = commits
		if c.cfg.Push && len(commits) > 0 {
			if err := c.git.Push(dir, p.Branch); err != nil {
				err = fmt.Errorf("%w: %v", domain.ErrTaskFailure, err)
				em.fail(err, "source_control")
				return nil, err
			}
		}
	}

	done := em.event(domain.EventCompleted)
	done.Branch = res.Branch
	done.CostUSD = res.CostUSD
	done.DurationMs = res.Duration.Milliseconds()
	em.emit(done)
	return res, nil
}

func (c *CLI) run(ctx context.Context, sessionID, dir string, args []string, creds Credentials, em *emitter) (*Outcome, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if c.cfg.SessionTimeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, c.cfg.SessionTimeout)
		defer cancelTimeout()
	}

	interrupted := false
	c.mu.Lock()
	c.running[sessionID] = func() {
		c.mu.Lock()
		interrupted = true
		c.mu.Unlock()
		cancel()
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.running, sessionID)
		c.mu.Unlock()
	}()

	cmd := exec.CommandContext(ctx, c.cfg.Binary, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	if creds.Token != "" {
		cmd.Env = append(cmd.Env, "ANTHROPIC_API_KEY="+creds.Token)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: starting %s: %v", domain.ErrTaskFailure, c.cfg.Binary, err)
	}

	var outcome *Outcome
	var lastError string
	scanner := bufio.NewScanner(stdout)
	// Increase buffer size for long JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		events, out := Normalize(scanner.Bytes(), c.now())
		for _, ev := range events {
			if ev.Type == domain.EventError {
				lastError = ev.Error
			}
			em.emit(ev)
		}
		if out != nil {
			outcome = out
		}
	}
	waitErr := cmd.Wait()

	c.mu.Lock()
	wasInterrupted := interrupted
	c.mu.Unlock()

	switch {
	case wasInterrupted:
		return nil, fmt.Errorf("session %s interrupted: %w", sessionID, domain.ErrCancelled)
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("session %s timed out: %w", sessionID, context.DeadlineExceeded)
	case ctx.Err() != nil:
		return nil, fmt.Errorf("session %s: %w", sessionID, ctx.Err())
	case waitErr != nil:
		msg := lastError
		if msg == "" {
			msg = tail(stderr.String(), 400)
		}
		return nil, fmt.Errorf("%w: %s exited: %v: %s", domain.ErrTaskFailure, c.cfg.Binary, waitErr, msg)
	case outcome == nil:
		return nil, fmt.Errorf("%w: session %s produced no result", domain.ErrTaskFailure, sessionID)
	case outcome.IsError:
		return nil, fmt.Errorf("%w: session %s: %s", domain.ErrTaskFailure, sessionID, outcome.Text)
	}
	return outcome, nil
}

// Interrupt implements Provider
func (c *CLI) Interrupt(sessionID string, _ Credentials) {
	c.mu.Lock()
	stop, ok := c.running[sessionID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("interrupt for unknown session", "session_id", sessionID)
		return
	}
	go stop()
}

func commitMessage(p ExecuteParams) string {
	first := strings.TrimSpace(strings.SplitN(p.Prompt, "\n", 2)[0])
	if len(first) > 72 {
		first = first[:72]
	}
	if first == "" {
		first = "agent changes"
	}
	return fmt.Sprintf("%s\n\njob: %s\ntask: %s", first, p.JobID, p.TaskID)
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

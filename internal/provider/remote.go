package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
)

// Session statuses reported by the remote API
const (
	sessionRunning     = "running"
	sessionCompleted   = "completed"
	sessionFailed      = "failed"
	sessionInterrupted = "interrupted"
)

// RemoteConfig configures the remote session API provider
type RemoteConfig struct {
	Name           string
	BaseURL        string
	Model          string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	SessionTimeout time.Duration
	// RetryAttempts is the transport-level retry budget per event poll
	RetryAttempts int
}

func (c RemoteConfig) withDefaults() RemoteConfig {
	if c.Name == "" {
		c.Name = "remote"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 2 * time.Hour
	}
	if c.RetryAttempts < 0 {
		c.RetryAttempts = 0
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// RemoteOption customizes a Remote provider
type RemoteOption func(*Remote)

// WithHTTPClient overrides the HTTP client
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(r *Remote) { r.client = c }
}

// WithRemoteLogger sets the logger
func WithRemoteLogger(l *slog.Logger) RemoteOption {
	return func(r *Remote) { r.logger = l }
}

// Remote drives agent sessions through the remote session API. Every
// HTTP call goes through the provider's circuit breaker.
type Remote struct {
	cfg     RemoteConfig
	client  *http.Client
	breaker *breaker.Breaker
	logger  *slog.Logger
	now     func() time.Time
}

// NewRemote creates a remote provider guarded by br
func NewRemote(cfg RemoteConfig, br *breaker.Breaker, opts ...RemoteOption) *Remote {
	r := &Remote{
		cfg:     cfg.withDefaults(),
		client:  &http.Client{},
		breaker: br,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrDiscard(r.logger).With("component", "provider", "provider", r.cfg.Name)
	return r
}

// Name implements Provider
func (r *Remote) Name() string { return r.cfg.Name }

type createSessionRequest struct {
	Prompt        string            `json:"prompt"`
	RepositoryURL string            `json:"repository_url"`
	BaseBranch    string            `json:"base_branch,omitempty"`
	Branch        string            `json:"branch,omitempty"`
	Model         string            `json:"model,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	URL       string `json:"url"`
	Branch    string `json:"branch"`
}

type sendMessageRequest struct {
	Prompt string `json:"prompt"`
}

type sendMessageResponse struct {
	LastEventID string `json:"last_event_id"`
	URL         string `json:"url"`
}

type sessionEvent struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

type eventsPage struct {
	Status        string         `json:"status"`
	Events        []sessionEvent `json:"events"`
	Branch        string         `json:"branch"`
	TotalCostUSD  float64        `json:"total_cost_usd"`
	DurationMs    int64          `json:"duration_ms"`
	Result        string         `json:"result"`
	Error         string         `json:"error"`
	FilesModified []string       `json:"files_modified"`
	Commits       []string       `json:"commits"`
}

// Execute implements Provider
func (r *Remote) Execute(ctx context.Context, p ExecuteParams, onEvent domain.EventSink) (*Result, error) {
	em := &emitter{sink: onEvent, now: r.now}
	em.emit(em.event(domain.EventConnected))

	stage := em.event(domain.EventMessage)
	stage.Stage = domain.StageCreatingSession
	stage.Text = "creating session"
	em.emit(stage)

	model := p.Model
	if model == "" {
		model = r.cfg.Model
	}
	req := createSessionRequest{
		Prompt:        p.Prompt,
		RepositoryURL: p.RepositoryURL,
		BaseBranch:    p.BaseBranch,
		Branch:        p.Branch,
		Model:         model,
		Metadata:      map[string]string{"job_id": p.JobID, "task_id": p.TaskID, "user_id": p.UserID},
	}
	var created createSessionResponse
	if err := r.call(ctx, http.MethodPost, "/v1/sessions", p.Credentials, req, &created); err != nil {
		em.fail(err, errorCode(err))
		return nil, fmt.Errorf("creating session: %w", err)
	}
	if created.SessionID == "" {
		err := fmt.Errorf("%w: backend returned no session id", domain.ErrTaskFailure)
		em.fail(err, "protocol_error")
		return nil, err
	}

	em.sessionID = created.SessionID
	ev := em.event(domain.EventSessionCreated)
	ev.RemoteURL = created.URL
	ev.Branch = created.Branch
	em.emit(ev)
	r.logger.Debug("session created", "session_id", created.SessionID, "task_id", p.TaskID)

	return r.finish(ctx, em, p, created.URL, "")
}

// Resume implements Provider
func (r *Remote) Resume(ctx context.Context, p ExecuteParams, onEvent domain.EventSink) (*Result, error) {
	if p.SessionID == "" {
		return nil, fmt.Errorf("%w: resume requires a session id", domain.ErrTaskFailure)
	}
	em := &emitter{sink: onEvent, now: r.now, sessionID: p.SessionID}
	em.emit(em.event(domain.EventConnected))

	stage := em.event(domain.EventMessage)
	stage.Stage = domain.StageResumingSession
	stage.Text = "resuming session"
	em.emit(stage)

	var sent sendMessageResponse
	path := "/v1/sessions/" + url.PathEscape(p.SessionID) + "/messages"
	if err := r.call(ctx, http.MethodPost, path, p.Credentials, sendMessageRequest{Prompt: p.Prompt}, &sent); err != nil {
		em.fail(err, errorCode(err))
		return nil, fmt.Errorf("resuming session %s: %w", p.SessionID, err)
	}

	ev := em.event(domain.EventSessionCreated)
	ev.RemoteURL = sent.URL
	em.emit(ev)

	return r.finish(ctx, em, p, sent.URL, sent.LastEventID)
}

func (r *Remote) finish(ctx context.Context, em *emitter, p ExecuteParams, remoteURL, cursor string) (*Result, error) {
	res, err := r.follow(ctx, em, em.sessionID, cursor, p.Credentials)
	if err != nil {
		em.fail(err, errorCode(err))
		return nil, err
	}
	res.RemoteURL = remoteURL

	done := em.event(domain.EventCompleted)
	done.Branch = res.Branch
	done.CostUSD = res.CostUSD
	done.DurationMs = res.Duration.Milliseconds()
	done.RemoteURL = remoteURL
	em.emit(done)
	return res, nil
}

// follow polls the session's event feed until it reaches a terminal status
func (r *Remote) follow(ctx context.Context, em *emitter, sessionID, cursor string, creds Credentials) (*Result, error) {
	started := r.now()
	sessionCtx, cancel := context.WithTimeout(ctx, r.cfg.SessionTimeout)
	defer cancel()

	limiter := rate.NewLimiter(rate.Every(r.cfg.PollInterval), 1)
	var outcome *Outcome

	for {
		if err := limiter.Wait(sessionCtx); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("session %s: %w", sessionID, ctx.Err())
			}
			return nil, fmt.Errorf("session %s exceeded %s: %w", sessionID, r.cfg.SessionTimeout, context.DeadlineExceeded)
		}

		path := "/v1/sessions/" + url.PathEscape(sessionID) + "/events"
		if cursor != "" {
			path += "?after=" + url.QueryEscape(cursor)
		}
		var page eventsPage
		if err := r.call(sessionCtx, http.MethodGet, path, creds, nil, &page); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("session %s: %w", sessionID, ctx.Err())
			}
			return nil, fmt.Errorf("polling session %s: %w", sessionID, err)
		}

		for _, item := range page.Events {
			events, out := Normalize(item.Data, r.now())
			for _, ev := range events {
				em.emit(ev)
			}
			if out != nil {
				outcome = out
			}
			if item.ID != "" {
				cursor = item.ID
			}
		}

		switch page.Status {
		case sessionCompleted:
			res := &Result{
				SessionID:     sessionID,
				Branch:        page.Branch,
				CostUSD:       page.TotalCostUSD,
				Duration:      time.Duration(page.DurationMs) * time.Millisecond,
				Output:        page.Result,
				FilesModified: page.FilesModified,
				Commits:       page.Commits,
			}
			if outcome != nil {
				if res.Output == "" {
					res.Output = outcome.Text
				}
				if res.CostUSD == 0 {
					res.CostUSD = outcome.CostUSD
				}
			}
			if res.Duration == 0 {
				res.Duration = r.now().Sub(started)
			}
			return res, nil
		case sessionFailed:
			msg := page.Error
			if msg == "" && outcome != nil {
				msg = outcome.Text
			}
			return nil, fmt.Errorf("%w: session %s failed: %s", domain.ErrTaskFailure, sessionID, msg)
		case sessionInterrupted:
			return nil, fmt.Errorf("session %s interrupted: %w", sessionID, domain.ErrCancelled)
		}
	}
}

// Interrupt implements Provider
func (r *Remote) Interrupt(sessionID string, creds Credentials) {
	if sessionID == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
		defer cancel()
		path := "/v1/sessions/" + url.PathEscape(sessionID) + "/interrupt"
		if err := r.call(ctx, http.MethodPost, path, creds, nil, nil); err != nil {
			r.logger.Warn("interrupt failed", "session_id", sessionID, "error", err)
			return
		}
		r.logger.Info("session interrupted", "session_id", sessionID)
	}()
}

// call performs one JSON request behind the breaker. Only GET polls are
// retried here; POSTs are sent once. A nil out discards the response body.
func (r *Remote) call(ctx context.Context, method, path string, creds Credentials, body, out any) error {
	retries := 0
	if method == http.MethodGet {
		retries = r.cfg.RetryAttempts
	}
	return breaker.ExecuteWithRetry(ctx, r.breaker, retries, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()

		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return err
			}
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(callCtx, method, r.cfg.BaseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if creds.Token != "" {
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		}

		resp, err := r.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &breaker.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding %s %s response: %w", method, path, err)
		}
		return nil
	})
}

func errorCode(err error) string {
	var status *breaker.StatusError
	switch {
	case errors.Is(err, domain.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.As(err, &status):
		return fmt.Sprintf("http_%d", status.Code)
	case errors.Is(err, context.Canceled), errors.Is(err, domain.ErrCancelled):
		return "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "session_failed"
	}
}

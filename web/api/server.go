package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/broadcast"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/logging"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/provider"
	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/store"
)

// Lifecycle is the job API the server exposes
type Lifecycle interface {
	Create(ctx context.Context, ownerID string, spec domain.JobSpec) (*domain.Job, error)
	Start(ctx context.Context, jobID string, creds provider.Credentials) (*domain.Job, error)
	Pause(ctx context.Context, jobID string) (*domain.Job, error)
	Resume(ctx context.Context, jobID string, creds provider.Credentials) (*domain.Job, error)
	Cancel(ctx context.Context, jobID string) (*domain.Job, error)
	Get(jobID string) (*domain.Job, error)
	List(filter store.JobFilter) ([]*domain.Job, error)
	Cycles(jobID string) ([]*domain.Cycle, error)
	Tasks(jobID string) ([]*domain.Task, error)
	Active() int
}

// Feed delivers a job's persisted and live events
type Feed interface {
	SubscribeWithReplay(ctx context.Context, jobID, subscriberID string, cb broadcast.Callback) ([]domain.ExecutionEvent, func(), error)
	MarkTerminal(jobID string)
}

// Option customizes a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithMetricsHandler serves h on /metrics
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// WithHeartbeat sets the keep-alive interval of event streams
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) { s.heartbeat = d }
}

// Server is the HTTP API server
type Server struct {
	jobs      Lifecycle
	feed      Feed
	addr      string
	mux       *http.ServeMux
	logger    *slog.Logger
	metrics   http.Handler
	heartbeat time.Duration
	upgrader  websocket.Upgrader
	started   time.Time
}

// NewServer creates a new API server
func NewServer(jobs Lifecycle, feed Feed, addr string, opts ...Option) *Server {
	s := &Server{
		jobs:      jobs,
		feed:      feed,
		addr:      addr,
		mux:       http.NewServeMux(),
		heartbeat: 15 * time.Second,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "api")
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/status", s.statusHandler())
	s.mux.HandleFunc("POST /api/jobs", s.createJobHandler())
	s.mux.HandleFunc("GET /api/jobs", s.listJobsHandler())
	s.mux.HandleFunc("GET /api/jobs/{id}", s.getJobHandler())
	s.mux.HandleFunc("POST /api/jobs/{id}/{action}", s.jobActionHandler())
	s.mux.HandleFunc("GET /api/jobs/{id}/cycles", s.listCyclesHandler())
	s.mux.HandleFunc("GET /api/jobs/{id}/tasks", s.listTasksHandler())
	s.mux.HandleFunc("GET /api/jobs/{id}/events", s.sseHandler())
	s.mux.HandleFunc("GET /api/jobs/{id}/ws", s.wsHandler())
	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics)
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// errorStatus maps the domain error taxonomy to HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, code, err.Error())
}

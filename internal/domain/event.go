package domain

import (
	"encoding/json"
	"time"
)

// EventType discriminates ExecutionEvent variants
type EventType string

const (
	EventConnected        EventType = "connected"
	EventMessage          EventType = "message"
	EventAssistantMessage EventType = "assistant_message"
	EventSessionCreated   EventType = "session_created"
	EventCompleted        EventType = "completed"
	EventError            EventType = "error"
	// EventRaw carries a backend payload this version does not understand.
	EventRaw EventType = "raw"

	EventJobStatus  EventType = "job_status"
	EventCyclePhase EventType = "cycle_phase"
	EventTaskStatus EventType = "task_status"
)

// Event sources
const (
	SourceProvider  = "provider"
	SourceScheduler = "scheduler"
	SourceCycle     = "cycle"
	SourceLifecycle = "lifecycle"
)

// Message stages
const (
	StageCreatingSession = "creating-session"
	StageResumingSession = "resuming-session"
	StageRunning         = "running"
)

// ExecutionEvent is a normalized record produced by providers and the
// orchestration core and fanned out to live subscribers.
type ExecutionEvent struct {
	Seq        int64           `json:"seq,omitempty"`
	Type       EventType       `json:"type"`
	Timestamp  time.Time       `json:"timestamp"`
	Source     string          `json:"source"`
	JobID      string          `json:"job_id,omitempty"`
	CycleID    string          `json:"cycle_id,omitempty"`
	TaskID     string          `json:"task_id,omitempty"`
	SessionID  string          `json:"session_id,omitempty"`
	RemoteURL  string          `json:"remote_url,omitempty"`
	Branch     string          `json:"branch,omitempty"`
	Stage      string          `json:"stage,omitempty"`
	Status     string          `json:"status,omitempty"`
	Text       string          `json:"text,omitempty"`
	CostUSD    float64         `json:"cost_usd,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
	ErrorCode  string          `json:"error_code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// NewEvent returns an event of the given type stamped with now
func NewEvent(typ EventType, source string, now time.Time) ExecutionEvent {
	return ExecutionEvent{Type: typ, Source: source, Timestamp: now.UTC()}
}

// EndsJob reports whether the event announces a terminal job status
func (e ExecutionEvent) EndsJob() bool {
	return e.Type == EventJobStatus && JobStatus(e.Status).IsTerminal()
}

// EventSink receives events as they are produced
type EventSink func(ExecutionEvent)

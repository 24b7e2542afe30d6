package provider

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

// streamMessage covers the Claude stream-json shapes the orchestrator
// understands: system, assistant, user, result and error.
type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message,omitempty"`
	Result       string          `json:"result,omitempty"`
	IsError      bool            `json:"is_error,omitempty"`
	TotalCostUSD float64         `json:"total_cost_usd,omitempty"`
	CostUSD      float64         `json:"cost_usd,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// Outcome is the final result message of a session
type Outcome struct {
	SessionID  string
	Text       string
	CostUSD    float64
	DurationMs int64
	IsError    bool
}

// Normalize converts one backend payload into execution events. A result
// message yields no event but an Outcome; the caller emits completed or
// error once the session has ended. Payloads of unknown shape come back
// verbatim as a raw event.
func Normalize(payload []byte, now time.Time) ([]domain.ExecutionEvent, *Outcome) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil, nil
	}

	var msg streamMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Type == "" {
		return []domain.ExecutionEvent{rawEvent(payload, now)}, nil
	}

	switch msg.Type {
	case "system":
		ev := domain.NewEvent(domain.EventMessage, domain.SourceProvider, now)
		ev.Stage = domain.StageRunning
		ev.SessionID = msg.SessionID
		ev.Text = "system: " + msg.Subtype
		return []domain.ExecutionEvent{ev}, nil

	case "assistant":
		var events []domain.ExecutionEvent
		var text []string
		if msg.Message != nil {
			for _, block := range msg.Message.Content {
				switch block.Type {
				case "text":
					if block.Text != "" {
						text = append(text, block.Text)
					}
				case "tool_use":
					ev := domain.NewEvent(domain.EventMessage, domain.SourceProvider, now)
					ev.Stage = domain.StageRunning
					ev.Text = "tool: " + block.Name
					events = append(events, ev)
				}
			}
		}
		if len(text) > 0 {
			ev := domain.NewEvent(domain.EventAssistantMessage, domain.SourceProvider, now)
			ev.Text = strings.Join(text, "\n")
			events = append([]domain.ExecutionEvent{ev}, events...)
		}
		if len(events) == 0 {
			return []domain.ExecutionEvent{rawEvent(payload, now)}, nil
		}
		return events, nil

	case "user":
		ev := domain.NewEvent(domain.EventMessage, domain.SourceProvider, now)
		ev.Stage = domain.StageRunning
		ev.Text = "tool result"
		return []domain.ExecutionEvent{ev}, nil

	case "result":
		cost := msg.TotalCostUSD
		if cost == 0 {
			cost = msg.CostUSD
		}
		return nil, &Outcome{
			SessionID:  msg.SessionID,
			Text:       msg.Result,
			CostUSD:    cost,
			DurationMs: msg.DurationMs,
			IsError:    msg.IsError || strings.HasPrefix(msg.Subtype, "error"),
		}

	case "error":
		ev := domain.NewEvent(domain.EventError, domain.SourceProvider, now)
		ev.Error = errorText(msg.Error)
		ev.ErrorCode = "backend_error"
		return []domain.ExecutionEvent{ev}, nil
	}

	return []domain.ExecutionEvent{rawEvent(payload, now)}, nil
}

func rawEvent(payload []byte, now time.Time) domain.ExecutionEvent {
	ev := domain.NewEvent(domain.EventRaw, domain.SourceProvider, now)
	if json.Valid(payload) {
		ev.Raw = append(json.RawMessage(nil), payload...)
	} else {
		ev.Text = string(payload)
	}
	return ev
}

// errorText accepts either a JSON string or an object with a message
func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "unknown error"
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Name    string `json:"name"`
		Data    struct {
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		for _, candidate := range []string{obj.Message, obj.Data.Message, obj.Name} {
			if candidate != "" {
				return candidate
			}
		}
	}
	return string(raw)
}

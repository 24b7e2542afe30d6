package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/domain"
)

func TestNormalize(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		payload   string
		wantTypes []domain.EventType
		wantText  string
	}{
		{"system init", `{"type":"system","subtype":"init","session_id":"s1"}`, []domain.EventType{domain.EventMessage}, "system: init"},
		{"assistant text", `{"type":"assistant","message":{"content":[{"type":"text","text":"Looking at the code"}]}}`, []domain.EventType{domain.EventAssistantMessage}, "Looking at the code"},
		{"assistant text and tool", `{"type":"assistant","message":{"content":[{"type":"text","text":"Running tests"},{"type":"tool_use","name":"Bash"}]}}`, []domain.EventType{domain.EventAssistantMessage, domain.EventMessage}, "Running tests"},
		{"tool result", `{"type":"user","message":{"content":[{"type":"tool_result"}]}}`, []domain.EventType{domain.EventMessage}, "tool result"},
		{"string error", `{"type":"error","error":"rate limited"}`, []domain.EventType{domain.EventError}, ""},
		{"unknown type", `{"type":"telemetry","cpu":3}`, []domain.EventType{domain.EventRaw}, ""},
		{"not json", `plain text line`, []domain.EventType{domain.EventRaw}, "plain text line"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, outcome := Normalize([]byte(tt.payload), now)
			assert.Nil(t, outcome)
			require.Len(t, events, len(tt.wantTypes))
			for i, typ := range tt.wantTypes {
				assert.Equal(t, typ, events[i].Type)
				assert.Equal(t, domain.SourceProvider, events[i].Source)
			}
			if tt.wantText != "" {
				assert.Equal(t, tt.wantText, events[0].Text)
			}
		})
	}
}

func TestNormalize_RawKeepsPayload(t *testing.T) {
	payload := `{"type":"telemetry","cpu":3}`
	events, _ := Normalize([]byte(payload), time.Now())
	require.Len(t, events, 1)
	assert.JSONEq(t, payload, string(events[0].Raw))
}

func TestNormalize_ErrorObject(t *testing.T) {
	events, _ := Normalize([]byte(`{"type":"error","error":{"name":"APIError","data":{"message":"No payment method"}}}`), time.Now())
	require.Len(t, events, 1)
	assert.Equal(t, "No payment method", events[0].Error)
}

func TestNormalize_Result(t *testing.T) {
	events, outcome := Normalize([]byte(`{"type":"result","subtype":"success","session_id":"s1","result":"done","total_cost_usd":0.42,"duration_ms":1500}`), time.Now())
	assert.Empty(t, events)
	require.NotNil(t, outcome)
	assert.Equal(t, "done", outcome.Text)
	assert.InDelta(t, 0.42, outcome.CostUSD, 1e-9)
	assert.Equal(t, int64(1500), outcome.DurationMs)
	assert.False(t, outcome.IsError)

	_, outcome = Normalize([]byte(`{"type":"result","subtype":"error_max_turns","cost_usd":0.1}`), time.Now())
	require.NotNil(t, outcome)
	assert.True(t, outcome.IsError)
	assert.InDelta(t, 0.1, outcome.CostUSD, 1e-9)
}

func TestNormalize_Blank(t *testing.T) {
	events, outcome := Normalize([]byte("   "), time.Now())
	assert.Empty(t, events)
	assert.Nil(t, outcome)
}

type stubProvider struct{ name string }

func (s stubProvider) Name() string { return s.name }
func (s stubProvider) Execute(_ context.Context, _ ExecuteParams, _ domain.EventSink) (*Result, error) {
	return &Result{}, nil
}
func (s stubProvider) Resume(_ context.Context, _ ExecuteParams, _ domain.EventSink) (*Result, error) {
	return &Result{}, nil
}
func (s stubProvider) Interrupt(string, Credentials) {}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(stubProvider{"remote"})
	r.Register(stubProvider{"claude-cli"})

	p, err := r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "remote", p.Name())

	require.NoError(t, r.SetDefault("claude-cli"))
	p, err = r.Get("")
	require.NoError(t, err)
	assert.Equal(t, "claude-cli", p.Name())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, domain.ErrInvalidSpec)
	assert.ErrorIs(t, r.SetDefault("nope"), domain.ErrInvalidSpec)
	assert.Equal(t, []string{"claude-cli", "remote"}, r.Names())
	assert.Equal(t, "<redacted>", Credentials{Token: "secret"}.String())
}

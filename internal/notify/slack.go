package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/hochfrequenz/agent-cycle-orchestrator/internal/breaker"
)

// Slack posts notifications to an incoming webhook
type Slack struct {
	webhookURL string
	client     *http.Client
	breaker    *breaker.Breaker
	retries    int
}

// SlackMessage is the webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one coloured block of a SlackMessage
type SlackAttachment struct {
	Color  string `json:"color"`
	Title  string `json:"title"`
	Text   string `json:"text"`
	Footer string `json:"footer,omitempty"`
}

// NewSlack creates a Slack notifier. With a breaker, failed posts are
// retried with its backoff and an unhealthy webhook is skipped.
func NewSlack(webhookURL string, br *breaker.Breaker) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
		breaker:    br,
		retries:    2,
	}
}

// SlackColor returns the attachment colour for a level
func SlackColor(l Level) string {
	switch l {
	case LevelSuccess:
		return "good"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "danger"
	default:
		return "#439FE0"
	}
}

// Message builds the webhook payload for n
func (s *Slack) Message(n Notification) SlackMessage {
	att := SlackAttachment{
		Color:  SlackColor(n.Level),
		Text:   n.Message,
		Footer: "cycle-orch",
	}
	if n.JobID != "" {
		att.Title = n.JobID
		if n.Branch != "" {
			att.Title += " (" + n.Branch + ")"
		}
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{att}}
}

// Send posts n. An empty webhook URL disables the notifier.
func (s *Slack) Send(ctx context.Context, n Notification) error {
	if s.webhookURL == "" {
		return nil
	}
	payload, err := json.Marshal(s.Message(n))
	if err != nil {
		return err
	}
	if s.breaker == nil {
		return s.post(ctx, payload)
	}
	return breaker.ExecuteWithRetry(ctx, s.breaker, s.retries, func(ctx context.Context) error {
		return s.post(ctx, payload)
	})
}

func (s *Slack) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &breaker.StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return nil
}

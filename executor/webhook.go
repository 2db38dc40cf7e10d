package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/yairfalse/argus/policy"
	"github.com/yairfalse/argus/telemetry"
	"github.com/yairfalse/argus/types"
)

// SlackMessage is the incoming-webhook payload.
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment is one colored block of a message.
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField is a title/value pair inside an attachment.
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// WebhookConnector posts NOTIFY or ESCALATE actions to a Slack-compatible
// incoming webhook. action.Target overrides the channel.
type WebhookConnector struct {
	name   string
	url    string
	client *http.Client
	logger *telemetry.Logger
}

// NewWebhookConnector creates a connector registered under name.
func NewWebhookConnector(name, url string, timeout time.Duration) *WebhookConnector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookConnector{
		name:   name,
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: telemetry.NewLogger("webhook"),
	}
}

func (w *WebhookConnector) Name() string {
	return w.name
}

func (w *WebhookConnector) Execute(ctx context.Context, action policy.Action, v *types.Violation) error {
	payload, err := json.Marshal(buildSlackMessage(action, v))
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.WithContext(ctx).Debug().
		Str("connector", w.name).
		Str("violation_id", v.ID).
		Msg("webhook notification sent")
	return nil
}

func buildSlackMessage(action policy.Action, v *types.Violation) SlackMessage {
	title := fmt.Sprintf("[%s] %s violated on %s", v.Severity, v.PolicyID, v.ResourceID)
	if action.Type == policy.ActionEscalate {
		title = "ESCALATION " + title
	}
	text := action.Parameters["message"]
	if text == "" {
		text = fmt.Sprintf("Violation %s detected in %s mode.", v.ID, v.Mode)
	}

	fields := []SlackField{
		{Title: "Policy", Value: v.PolicyID, Short: true},
		{Title: "Severity", Value: string(v.Severity), Short: true},
		{Title: "Resource", Value: v.ResourceID, Short: false},
	}
	if v.ResourceType != "" {
		fields = append(fields, SlackField{Title: "Resource Type", Value: v.ResourceType, Short: true})
	}
	if v.EventID != "" {
		fields = append(fields, SlackField{Title: "Event", Value: v.EventID, Short: true})
	}

	detected := v.DetectedAt
	if detected.IsZero() {
		detected = time.Now()
	}
	return SlackMessage{
		Channel: action.Target,
		Attachments: []SlackAttachment{{
			Color:     severityColor(v.Severity),
			Title:     title,
			Text:      text,
			Fallback:  title,
			Fields:    fields,
			Footer:    "argus",
			Timestamp: detected.Unix(),
		}},
	}
}

func severityColor(s types.Severity) string {
	switch s {
	case types.SeverityCritical:
		return "#8B0000"
	case types.SeverityHigh:
		return "danger"
	case types.SeverityMedium:
		return "warning"
	default:
		return "good"
	}
}

// LogConnector records NOTIFY actions in the log when no webhook is
// configured.
type LogConnector struct {
	logger *telemetry.Logger
}

func NewLogConnector() *LogConnector {
	return &LogConnector{logger: telemetry.NewLogger("notify")}
}

func (l *LogConnector) Name() string {
	return "log"
}

func (l *LogConnector) Execute(ctx context.Context, action policy.Action, v *types.Violation) error {
	l.logger.WithContext(ctx).Warn().
		Str("action", string(action.Type)).
		Str("violation_id", v.ID).
		Str("policy_id", v.PolicyID).
		Str("resource_id", v.ResourceID).
		Str("severity", string(v.Severity)).
		Str("message", action.Parameters["message"]).
		Msg("policy violation")
	return nil
}

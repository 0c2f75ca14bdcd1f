package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ratecraft/metering-plane/pkg/events"
	"go.uber.org/zap"
)

// SlackAdapter sends alerts to Slack via webhooks
type SlackAdapter struct {
	webhookURL string
	channel    string
	client     *http.Client
	logger     *zap.Logger
}

// SlackWebhookPayload represents a Slack webhook message
type SlackWebhookPayload struct {
	Channel  string       `json:"channel,omitempty"`
	Username string       `json:"username,omitempty"`
	Blocks   []SlackBlock `json:"blocks,omitempty"`
	Text     string       `json:"text,omitempty"` // Fallback text
}

// SlackBlock represents a Slack Block Kit block
type SlackBlock struct {
	Type   string            `json:"type"`
	Text   *SlackTextObject  `json:"text,omitempty"`
	Fields []SlackTextObject `json:"fields,omitempty"`
}

// SlackTextObject represents a text object in Slack
type SlackTextObject struct {
	Type  string `json:"type"` // "plain_text" or "mrkdwn"
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

// NewSlackAdapter creates a new Slack alert adapter
func NewSlackAdapter(webhookURL, channel string, logger *zap.Logger) *SlackAdapter {
	return &SlackAdapter{
		webhookURL: webhookURL,
		channel:    channel,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Send sends an alert to Slack
func (s *SlackAdapter) Send(ctx context.Context, event events.Event) error {
	blocks := s.formatEvent(event)

	payload := SlackWebhookPayload{
		Channel:  s.channel,
		Username: "Metering Plane Alerts",
		Blocks:   blocks,
		Text:     fmt.Sprintf("Event: %s", event.Type), // Fallback text
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send slack webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// formatEvent converts an event into Slack blocks
func (s *SlackAdapter) formatEvent(event events.Event) []SlackBlock {
	switch event.Type {
	case events.EventFactQuarantined:
		return s.formatFactQuarantined(event)
	case events.EventUsageSpike:
		return s.formatUsageSpike(event)
	case events.EventUsageZero:
		return s.formatUsageZero(event)
	case events.EventRatingStale:
		return s.formatRatingStale(event)
	case events.EventOutcomeReversed:
		return s.formatOutcomeReversed(event)
	default:
		return s.formatGeneric(event)
	}
}

func (s *SlackAdapter) formatFactQuarantined(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "🚧 Fact Quarantined",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Customer:*\n`%s`", event.CustomerID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Fact Type:*\n%s", getStringField(event.Payload, "fact_type"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Trace ID:*\n`%s`", getStringField(event.Payload, "trace_id"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Reason:*\n%s", getStringField(event.Payload, "reason"))},
			},
		},
		s.timestampContext(event),
	}
}

func (s *SlackAdapter) formatUsageSpike(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "📈 Usage Spike Detected",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Customer:*\n`%s`", event.CustomerID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Meter:*\n%s", getStringField(event.Payload, "meter_key"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Current:*\n%s", getStringField(event.Payload, "current"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Previous:*\n%s", getStringField(event.Payload, "previous"))},
			},
		},
		s.timestampContext(event),
	}
}

func (s *SlackAdapter) formatUsageZero(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "📉 Usage Went Silent",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Customer `%s` stopped reporting usage on *%s*; possible instrumentation gap.",
					event.CustomerID,
					getStringField(event.Payload, "meter_key"),
				),
			},
		},
		s.timestampContext(event),
	}
}

func (s *SlackAdapter) formatRatingStale(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "⏳ Rated Usage Is Stale",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Text: &SlackTextObject{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Late facts arrived for customer `%s` after its latest rating run; re-rate before invoicing.", event.CustomerID),
			},
		},
		s.timestampContext(event),
	}
}

func (s *SlackAdapter) formatOutcomeReversed(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  "↩️ Outcome Reversed",
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Customer:*\n`%s`", event.CustomerID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*External Ref:*\n`%s`", getStringField(event.Payload, "external_ref"))},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Reason:*\n%s", getStringField(event.Payload, "reason"))},
			},
		},
		s.timestampContext(event),
	}
}

func (s *SlackAdapter) formatGeneric(event events.Event) []SlackBlock {
	return []SlackBlock{
		{
			Type: "header",
			Text: &SlackTextObject{
				Type:  "plain_text",
				Text:  fmt.Sprintf("📬 Event: %s", event.Type),
				Emoji: true,
			},
		},
		{
			Type: "section",
			Fields: []SlackTextObject{
				{Type: "mrkdwn", Text: fmt.Sprintf("*Event ID:*\n`%s`", event.ID)},
				{Type: "mrkdwn", Text: fmt.Sprintf("*Customer:*\n`%s`", event.CustomerID)},
			},
		},
	}
}

func (s *SlackAdapter) timestampContext(event events.Event) SlackBlock {
	return SlackBlock{
		Type: "context",
		Fields: []SlackTextObject{
			{Type: "mrkdwn", Text: fmt.Sprintf("<!date^%d^{date_num} {time_secs}|%s>", event.Timestamp.Unix(), event.Timestamp.Format(time.RFC3339))},
		},
	}
}

// getStringField extracts a string field from an event payload
func getStringField(payload map[string]interface{}, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	if v, ok := payload[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

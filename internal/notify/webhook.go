package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/vamshivade/DEX-System/internal/store"
)

var severityColor = map[string]int{
	SeverityInfo:     0x3498db,
	SeverityWarning:  0xf1c40f,
	SeverityCritical: 0xe74c3c,
}

// Discord posts alerts as embeds to a Discord webhook.
type Discord struct {
	webhookURL string
	httpClient *http.Client
}

// DiscordMessage is a Discord webhook payload.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed is one embed of a DiscordMessage.
type DiscordEmbed struct {
	Title       string              `json:"title,omitempty"`
	Description string              `json:"description,omitempty"`
	Color       int                 `json:"color,omitempty"`
	Fields      []DiscordEmbedField `json:"fields,omitempty"`
	Timestamp   string              `json:"timestamp,omitempty"`
}

// DiscordEmbedField is a name/value row of an embed.
type DiscordEmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// NewDiscord creates a Discord sender. It returns nil when webhookURL is
// empty so the result can be dropped into a Multi unconditionally.
func NewDiscord(webhookURL string) *Discord {
	if webhookURL == "" {
		return nil
	}
	return &Discord{webhookURL: webhookURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Send implements Sender.
func (d *Discord) Send(ctx context.Context, a store.Alert) error {
	if d == nil {
		return nil
	}
	msg := DiscordMessage{
		Embeds: []DiscordEmbed{{
			Title:       fmt.Sprintf("[%s] %s", a.Severity, a.Source),
			Description: a.Message,
			Color:       severityColor[a.Severity],
			Timestamp:   a.SentAt.Format(time.RFC3339),
		}},
	}
	return postJSON(ctx, d.httpClient, d.webhookURL, msg, "discord")
}

// Slack posts alerts as attachments to a Slack incoming webhook.
type Slack struct {
	webhookURL string
	httpClient *http.Client
}

// SlackMessage is a Slack webhook payload.
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is a Slack message attachment.
type Attachment struct {
	Color     string `json:"color,omitempty"`
	Title     string `json:"title,omitempty"`
	Text      string `json:"text,omitempty"`
	Footer    string `json:"footer,omitempty"`
	Timestamp int64  `json:"ts,omitempty"`
}

// NewSlack creates a Slack sender, or nil when webhookURL is empty.
func NewSlack(webhookURL string) *Slack {
	if webhookURL == "" {
		return nil
	}
	return &Slack{webhookURL: webhookURL, httpClient: &http.Client{Timeout: 10 * time.Second}}
}

// Send implements Sender.
func (s *Slack) Send(ctx context.Context, a store.Alert) error {
	if s == nil {
		return nil
	}
	msg := SlackMessage{
		Attachments: []Attachment{{
			Color:     fmt.Sprintf("#%06x", severityColor[a.Severity]),
			Title:     fmt.Sprintf("[%s] %s", a.Severity, a.Source),
			Text:      a.Message,
			Footer:    "mm-engine",
			Timestamp: a.SentAt.Unix(),
		}},
	}
	return postJSON(ctx, s.httpClient, s.webhookURL, msg, "slack")
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any, name string) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s message: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create %s request: %w", name, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s message: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s returned status %d", name, resp.StatusCode)
	}
	return nil
}

package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"uptrack/model"
)

const (
	colorRed   = 16711680 // down
	colorGreen = 65280    // recovered

	discordUsername = "uptrack"

	maxEmbedErrorLen = 500
)

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Color       int            `json:"color"`
	Fields      []discordField `json:"fields"`
	Timestamp   string         `json:"timestamp"`
}

type discordWebhookRequest struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

// DiscordSender posts status-change embeds to Discord webhooks.
type DiscordSender struct {
	client *http.Client
}

func NewDiscordSender() *DiscordSender {
	return &DiscordSender{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// SendStatusChange posts one embed for a confirmed up/down transition.
// The webhook URL is validated against the discord.com pattern before
// any network call is made.
func (s *DiscordSender) SendStatusChange(webhookURL string, m *model.Monitor, check *model.MonitorCheck, status int) error {
	if err := (model.DiscordConfig{WebhookURL: webhookURL}).Validate(); err != nil {
		return err
	}

	title := "✅ Monitor is UP"
	color := colorGreen
	if status == model.StatusDown {
		title = "🚨 Monitor is DOWN"
		color = colorRed
	}

	fields := []discordField{
		{Name: "Monitor", Value: m.Name, Inline: true},
		{Name: "URL", Value: m.URL, Inline: true},
		{Name: "Status", Value: model.StatusString(status), Inline: true},
	}
	if check.StatusCode != 0 {
		fields = append(fields, discordField{
			Name: "Status Code", Value: fmt.Sprintf("%d", check.StatusCode), Inline: true,
		})
	}
	if check.ResponseTimeMs != nil {
		fields = append(fields, discordField{
			Name: "Response Time", Value: fmt.Sprintf("%d ms", *check.ResponseTimeMs), Inline: true,
		})
	}
	if status == model.StatusDown && check.ErrorMessage != "" {
		msg := check.ErrorMessage
		if len(msg) > maxEmbedErrorLen {
			msg = msg[:maxEmbedErrorLen-3] + "..."
		}
		fields = append(fields, discordField{Name: "Error", Value: msg})
	}

	payload := discordWebhookRequest{
		Username: discordUsername,
		Embeds: []discordEmbed{{
			Title:     title,
			Color:     color,
			Fields:    fields,
			Timestamp: check.CheckedAt.Format(time.RFC3339),
		}},
	}
	return s.post(webhookURL, payload)
}

// SendTest posts a minimal embed so a user can verify their webhook.
func (s *DiscordSender) SendTest(webhookURL string) error {
	if err := (model.DiscordConfig{WebhookURL: webhookURL}).Validate(); err != nil {
		return err
	}
	payload := discordWebhookRequest{
		Username: discordUsername,
		Embeds: []discordEmbed{{
			Title:       "Test notification",
			Description: "If you can read this, the webhook works.",
			Color:       colorGreen,
			Timestamp:   time.Now().Format(time.RFC3339),
		}},
	}
	return s.post(webhookURL, payload)
}

func (s *DiscordSender) post(webhookURL string, payload discordWebhookRequest) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal discord payload: %w", err)
	}

	resp, err := s.client.Post(webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post discord webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("discord webhook returned status %d", resp.StatusCode)
	}
	return nil
}

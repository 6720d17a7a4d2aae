// Package notification sends webhook notifications for registration and
// failure events, so operators learn about a new CNAME requirement without
// tailing certbot logs.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/redentordev/acme-dns-hook/pkg/httputil"
)

// EventType represents the type of hook event.
type EventType string

const (
	EventRegistered   EventType = "account_registered"
	EventUpdateFailed EventType = "update_failed"
	EventHookFailed   EventType = "hook_failed"
)

// Event is a notification payload.
type Event struct {
	Type       EventType `json:"type"`
	Domain     string    `json:"domain"`
	FullDomain string    `json:"fulldomain,omitempty"`
	Message    string    `json:"message"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Config holds the webhook endpoints. Empty endpoints are skipped.
type Config struct {
	Webhook        string
	SlackWebhook   string
	DiscordWebhook string
}

// Notifier sends events to the configured channels.
type Notifier struct {
	config Config
	client *http.Client
}

// NewNotifier creates a notifier.
func NewNotifier(config Config) *Notifier {
	return &Notifier{
		config: config,
		client: httputil.NewClientWithTimeout(10 * time.Second),
	}
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool {
	return n.config.Webhook != "" || n.config.SlackWebhook != "" || n.config.DiscordWebhook != ""
}

// Notify sends the event to every configured channel. Delivery failures are
// collected, not fatal: a lost notification must not fail a validation run.
func (n *Notifier) Notify(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var errs []string
	if n.config.Webhook != "" {
		if err := n.postJSON(n.config.Webhook, event); err != nil {
			errs = append(errs, fmt.Sprintf("webhook: %v", err))
		}
	}
	if n.config.SlackWebhook != "" {
		if err := n.postJSON(n.config.SlackWebhook, slackPayload(event)); err != nil {
			errs = append(errs, fmt.Sprintf("slack: %v", err))
		}
	}
	if n.config.DiscordWebhook != "" {
		if err := n.postJSON(n.config.DiscordWebhook, discordPayload(event)); err != nil {
			errs = append(errs, fmt.Sprintf("discord: %v", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

func slackPayload(event Event) map[string]interface{} {
	text := fmt.Sprintf("*acme-dns-hook* %s: %s", event.Type, event.Message)
	if event.Error != "" {
		text += fmt.Sprintf("\n```%s```", event.Error)
	}
	return map[string]interface{}{"text": text}
}

func discordPayload(event Event) map[string]interface{} {
	description := event.Message
	if event.Error != "" {
		description += fmt.Sprintf("\n```%s```", event.Error)
	}
	return map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       fmt.Sprintf("acme-dns-hook: %s", event.Type),
				"description": description,
				"timestamp":   event.Timestamp.Format(time.RFC3339),
			},
		},
	}
}

func (n *Notifier) postJSON(url string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := n.client.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notification endpoint answered HTTP %d", resp.StatusCode)
	}
	return nil
}

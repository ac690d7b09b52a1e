package notify

import (
	"context"
	"log/slog"
	"os"

	"github.com/slack-go/slack"
	"github.com/spf13/viper"
)

// Manager dispatches fleet lifecycle events to Slack. Two transports are
// supported: the full Slack API client when a bot token is configured,
// and the plain webhook notifier as a fallback.
type Manager struct {
	client    *slack.Client
	channelID string
	webhook   *SlackWebhookNotifier
}

// NewManager builds a manager from the loaded configuration. When
// nothing is configured, the manager is a no-op.
func NewManager() *Manager {
	m := &Manager{}
	if !viper.GetBool("notifications.slack.enabled") {
		return m
	}

	if botToken := os.Getenv("SLACK_BOT_USER_TOKEN"); botToken != "" {
		m.client = slack.New(botToken)
		m.channelID = viper.GetString("notifications.slack.channel")
		return m
	}
	if webhookURL := os.Getenv("MNG_SLACK_WEBHOOK_URL"); webhookURL != "" {
		m.webhook = NewSlackWebhookNotifier(webhookURL)
		return m
	}
	slog.Warn("slack notifications enabled but neither SLACK_BOT_USER_TOKEN nor MNG_SLACK_WEBHOOK_URL is set")
	return m
}

// Notify sends a message if the event type is enabled. It returns the
// Slack thread timestamp so callers can thread follow-ups.
func (m *Manager) Notify(ctx context.Context, eventType, message, threadID string) (string, error) {
	if !m.isEnabled(eventType) {
		return threadID, nil
	}

	if m.client != nil {
		channelID := m.channelID
		if channelID == "" {
			channelID = "#general"
		}
		opts := []slack.MsgOption{slack.MsgOptionText(message, false)}
		if threadID != "" {
			opts = append(opts, slack.MsgOptionTS(threadID))
		}
		_, newTS, err := m.client.PostMessageContext(ctx, channelID, opts...)
		if err != nil {
			return threadID, err
		}
		return newTS, nil
	}

	if m.webhook != nil {
		// Webhooks have no threading; the id passes through unchanged.
		return threadID, m.webhook.Notify(ctx, message)
	}
	return threadID, nil
}

// AddReaction marks a previously sent message, e.g. a checkmark once a
// host finishes provisioning.
func (m *Manager) AddReaction(ctx context.Context, threadID, reaction string) error {
	if m.client == nil || threadID == "" {
		return nil
	}
	channelID := m.channelID
	if channelID == "" {
		channelID = "#general"
	}
	err := m.client.AddReactionContext(ctx, reaction, slack.ItemRef{
		Channel:   channelID,
		Timestamp: threadID,
	})
	if err != nil {
		slog.Warn("failed to add slack reaction", "reaction", reaction, "error", err)
	}
	return err
}

func (m *Manager) isEnabled(eventType string) bool {
	if m.client == nil && m.webhook == nil {
		return false
	}
	return viper.GetBool("notifications.slack.events." + eventType)
}

package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/slack-go/slack"
)

// SlackNotifier posts notices to a Slack incoming webhook. It is meant for
// operator alerts, not end-user toasts.
type SlackNotifier struct {
	webhookURL string
	minLevel   Level
}

// NewSlackNotifier creates a notifier for the given webhook. Only notices
// at minLevel or above are posted; an empty minLevel posts everything.
func NewSlackNotifier(webhookURL string, minLevel Level) *SlackNotifier {
	return &SlackNotifier{webhookURL: webhookURL, minLevel: minLevel}
}

func (s *SlackNotifier) Notify(ctx context.Context, n Notice) error {
	if !n.Level.AtLeast(s.minLevel) {
		return nil
	}
	err := slack.PostWebhookContext(ctx, s.webhookURL, &slack.WebhookMessage{
		Text: format(n),
	})
	if err != nil {
		return fmt.Errorf("slack webhook: %w", err)
	}
	return nil
}

// DiscordNotifier posts notices to one Discord channel through a bot session.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
	minLevel  Level
}

// NewDiscordNotifier creates a bot session for posting alerts.
func NewDiscordNotifier(botToken, channelID string, minLevel Level) (*DiscordNotifier, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordNotifier{session: s, channelID: channelID, minLevel: minLevel}, nil
}

func (d *DiscordNotifier) Notify(ctx context.Context, n Notice) error {
	if !n.Level.AtLeast(d.minLevel) {
		return nil
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, format(n), discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	return nil
}

func format(n Notice) string {
	if n.Title == "" {
		return fmt.Sprintf("[%s] %s", n.Level, n.Message)
	}
	return fmt.Sprintf("[%s] %s\n%s", n.Level, n.Title, n.Message)
}

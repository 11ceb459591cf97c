// Package notify delivers one-way scheduler notifications. Delivery
// failures are logged and swallowed; a lost message never fails a tick.
package notify

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
)

// Notifier receives human-readable scheduler events.
type Notifier interface {
	Notify(ctx context.Context, title, message string)
}

// Nop discards everything. Used when no webhook is configured.
type Nop struct{}

func (Nop) Notify(context.Context, string, string) {}

// Slack posts to an incoming webhook.
type Slack struct {
	webhookURL string
	logger     zerolog.Logger
}

// NewSlack builds a webhook notifier.
func NewSlack(webhookURL string, logger zerolog.Logger) *Slack {
	return &Slack{
		webhookURL: webhookURL,
		logger:     logger.With().Str("component", "notify").Logger(),
	}
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, title, message string) {
	msg := &slack.WebhookMessage{
		Blocks: &slack.Blocks{
			BlockSet: []slack.Block{
				slack.NewHeaderBlock(slack.NewTextBlockObject("plain_text", title, false, false)),
				slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", message, false, false), nil, nil),
			},
		},
	}
	if err := slack.PostWebhookContext(ctx, s.webhookURL, msg); err != nil {
		s.logger.Warn().Err(err).Str("title", title).Msg("notification delivery failed")
	}
}

// FromConfig returns a Slack notifier when a webhook is set, Nop otherwise.
func FromConfig(webhookURL string, logger zerolog.Logger) Notifier {
	if webhookURL == "" {
		return Nop{}
	}
	return NewSlack(webhookURL, logger)
}

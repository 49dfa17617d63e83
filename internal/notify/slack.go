package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts notifications to a single Slack channel.
type Slack struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlack creates a Slack sender. botToken is the Bot User OAuth Token
// (xoxb-...); channel is the target channel ID.
func NewSlack(botToken, channel string, logger *zap.Logger) *Slack {
	return &Slack{
		client:  slack.New(botToken),
		channel: channel,
		logger:  logger,
	}
}

func (s *Slack) Name() string { return "slack" }

func (s *Slack) Notify(_ context.Context, ev Event) error {
	text := fmt.Sprintf("*[%s] %s*\n%s",
		strings.ToUpper(string(ev.Severity)), ev.Title, ev.Body)

	_, _, err := s.client.PostMessage(s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	return nil
}

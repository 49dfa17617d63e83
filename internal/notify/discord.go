package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// Discord posts notifications to a single Discord channel.
type Discord struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscord opens a Discord session for the bot token and verifies it.
func NewDiscord(botToken, channel string, logger *zap.Logger) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord open: %w", err)
	}

	logger.Info("discord notifier connected",
		zap.String("user", session.State.User.Username))
	return &Discord{session: session, channel: channel, logger: logger}, nil
}

func (d *Discord) Name() string { return "discord" }

func (d *Discord) Notify(_ context.Context, ev Event) error {
	content := fmt.Sprintf("**[%s] %s**\n%s",
		strings.ToUpper(string(ev.Severity)), ev.Title, ev.Body)

	if _, err := d.session.ChannelMessageSend(d.channel, content); err != nil {
		return fmt.Errorf("discord notify: %w", err)
	}
	return nil
}

// Close shuts down the Discord session.
func (d *Discord) Close() error {
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

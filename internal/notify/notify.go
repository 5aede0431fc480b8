// Package notify posts operator-facing messages to a chat channel.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/slack-go/slack"
)

// ErrNotConfigured is returned by Noop.Post.
var ErrNotConfigured = errors.New("notify: no channel configured")

// Slack posts plain-text messages to one Slack channel.
type Slack struct {
	api     *slack.Client
	channel string
	logger  *slog.Logger
}

// SlackConfig configures a Slack notifier. APIURL overrides the Slack API
// base and is used in tests.
type SlackConfig struct {
	Token      string
	Channel    string
	APIURL     string
	HTTPClient *http.Client
}

// NewSlack creates a Slack notifier.
func NewSlack(cfg SlackConfig, logger *slog.Logger) *Slack {
	opts := []slack.Option{}
	if cfg.APIURL != "" {
		opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, slack.OptionHTTPClient(cfg.HTTPClient))
	}
	return &Slack{
		api:     slack.New(cfg.Token, opts...),
		channel: cfg.Channel,
		logger:  logger,
	}
}

// Enabled always reports true.
func (s *Slack) Enabled() bool { return true }

// Post sends text to the configured channel.
func (s *Slack) Post(ctx context.Context, text string) error {
	channel, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("notify: post to %s: %w", s.channel, err)
	}
	s.logger.Debug("notify: posted", "channel", channel, "ts", ts)
	return nil
}

// Noop is the notifier used when no channel is configured.
type Noop struct{}

// Enabled always reports false.
func (Noop) Enabled() bool { return false }

// Post always returns ErrNotConfigured.
func (Noop) Post(context.Context, string) error { return ErrNotConfigured }

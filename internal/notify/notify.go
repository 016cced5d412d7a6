// Package notify sends operator-facing Slack notifications when a run
// reaches a human-relevant state: needs_approval, merged, or failed.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	goslack "github.com/slack-go/slack"

	"github.com/wisbric/forgebay/internal/telemetry"
)

// Notifier posts run-state notifications to a single configured Slack
// channel. A Notifier constructed without a bot token is a no-op.
type Notifier struct {
	client  *goslack.Client
	channel string
	logger  *slog.Logger
}

// NewNotifier creates a Notifier. If botToken is empty, IsEnabled reports
// false and every Post call is a no-op.
func NewNotifier(botToken, channel string, logger *slog.Logger) *Notifier {
	var client *goslack.Client
	if botToken != "" {
		client = goslack.New(botToken)
	}
	return &Notifier{client: client, channel: channel, logger: logger}
}

// IsEnabled reports whether Slack credentials were configured.
func (n *Notifier) IsEnabled() bool {
	return n.client != nil
}

// PostRunEvent notifies the configured channel that runID reached status,
// including reason when the run failed.
func (n *Notifier) PostRunEvent(ctx context.Context, runID, title, status string, reason *string) {
	if !n.IsEnabled() {
		return
	}

	text := fmt.Sprintf("Run `%s` (%s) is now *%s*", runID, title, status)
	if reason != nil {
		text += fmt.Sprintf(" — reason: `%s`", *reason)
	}

	_, _, err := n.client.PostMessageContext(ctx, n.channel, goslack.MsgOptionText(text, false))
	if err != nil {
		n.logger.Error("posting slack notification", "error", err, "run_id", runID, "status", status)
		return
	}
	telemetry.SlackNotificationsTotal.WithLabelValues(status).Inc()
}

// Package notify sends optional operator notifications to Slack when a
// project build or a chat run fails. It is pure enrichment: nothing in
// the hub's core operation depends on it, and a missing or rejected
// token degrades it to a silent no-op rather than a startup error.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/slack-go/slack"

	"agenthub/internal/model"
	"agenthub/internal/telemetry"
)

const sendTimeout = 10 * time.Second

// Manager posts failure notifications to a single Slack channel, gated
// per event kind by config (`notifications.slack.events.*`).
type Manager struct {
	client             *slack.Client
	channel            string
	buildFailedEnabled bool
	chatFailedEnabled  bool
}

// NewManager returns a Manager. If enabled is false or token is empty,
// every Notify* call becomes a no-op: callers never need to branch on
// whether notifications are configured.
func NewManager(token, channel string, enabled, buildFailedEnabled, chatFailedEnabled bool) *Manager {
	m := &Manager{
		channel:            channel,
		buildFailedEnabled: enabled && buildFailedEnabled,
		chatFailedEnabled:  enabled && chatFailedEnabled,
	}
	if enabled && token != "" {
		m.client = slack.New(token)
	}
	return m
}

// NotifyBuildFailed posts a message for a project whose build just
// transitioned to failed. Send errors are logged, never returned: a
// Slack outage must not affect the build pipeline that called this.
func (m *Manager) NotifyBuildFailed(project model.Project) {
	if m.client == nil || !m.buildFailedEnabled {
		return
	}
	text := fmt.Sprintf(":x: Build failed for project *%s* (`%s`): %s", project.Name, project.ID, project.BuildError)
	m.send(text)
}

// NotifyChatFailed posts a message for a chat whose run just
// transitioned to failed.
func (m *Manager) NotifyChatFailed(chat model.Chat) {
	if m.client == nil || !m.chatFailedEnabled {
		return
	}
	text := fmt.Sprintf(":x: Chat *%s* (`%s`) failed: %s", chat.Name, chat.ID, chat.StatusReason)
	m.send(text)
}

func (m *Manager) send(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if _, _, err := m.client.PostMessageContext(ctx, m.channel, slack.MsgOptionText(text, false)); err != nil {
		telemetry.LogError("slack notification failed", err, "channel", m.channel)
	}
}

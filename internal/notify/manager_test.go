package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"agenthub/internal/model"
)

func TestNewManagerDisabledWithoutTokenIsNoOp(t *testing.T) {
	m := NewManager("", "#agent-hub", true, true, true)
	assert.Nil(t, m.client)

	// must not panic even though there is no client to send with
	m.NotifyBuildFailed(model.Project{ID: "p1", Name: "demo"})
	m.NotifyChatFailed(model.Chat{ID: "c1", Name: "demo"})
}

func TestNewManagerDisabledByConfigIsNoOp(t *testing.T) {
	m := NewManager("xoxb-fake", "#agent-hub", false, true, true)
	assert.Nil(t, m.client)
}

func TestNewManagerPerEventGating(t *testing.T) {
	m := NewManager("xoxb-fake", "#agent-hub", true, true, false)
	assert.NotNil(t, m.client)
	assert.True(t, m.buildFailedEnabled)
	assert.False(t, m.chatFailedEnabled)

	// chat-failed notifications are gated off; this must not attempt a
	// real network call
	m.NotifyChatFailed(model.Chat{ID: "c1"})
}

package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTitleUsesMockResponder(t *testing.T) {
	c := NewOpenAIClient("test-key", "gpt-4.1-mini", "").WithMockResponder(
		func(system, user string) (string, error) {
			assert.Contains(t, system, "")
			return "Fix login redirect loop", nil
		})

	title, err := c.GenerateTitle(context.Background(), "system prompt", "user prompt")
	require.NoError(t, err)
	assert.Equal(t, "Fix login redirect loop", title)
}

func TestGenerateTitleRetriesOnTransientError(t *testing.T) {
	calls := 0
	c := NewOpenAIClient("test-key", "gpt-4.1-mini", "").WithMockResponder(
		func(system, user string) (string, error) {
			calls++
			if calls < 2 {
				return "", errors.New("rate limited")
			}
			return "Refactor credential broker", nil
		})

	title, err := c.GenerateTitle(context.Background(), "sys", "usr")
	require.NoError(t, err)
	assert.Equal(t, "Refactor credential broker", title)
	assert.Equal(t, 2, calls)
}

func TestGenerateTitleExhaustsRetries(t *testing.T) {
	calls := 0
	c := NewOpenAIClient("test-key", "gpt-4.1-mini", "").WithMockResponder(
		func(system, user string) (string, error) {
			calls++
			return "", errors.New("service unavailable")
		})

	_, err := c.GenerateTitle(context.Background(), "sys", "usr")
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestGenerateTitleRequiresAPIKey(t *testing.T) {
	c := NewOpenAIClient("", "gpt-4.1-mini", "")
	_, err := c.GenerateTitle(context.Background(), "sys", "usr")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API key is required")
}

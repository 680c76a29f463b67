package launch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveIdentityFromExplicitConfig(t *testing.T) {
	id, err := ResolveIdentity(IdentityConfig{UID: 1000, GID: 1000, Username: "agent"}, "")
	require.NoError(t, err)
	assert.Equal(t, 1000, id.UID)
	assert.Equal(t, 1000, id.GID)
	assert.Equal(t, "agent", id.Username)
}

func TestResolveIdentityRejectsPartialConfig(t *testing.T) {
	_, err := ResolveIdentity(IdentityConfig{UID: 1000, GID: -1}, "")
	assert.Error(t, err)
}

func TestResolveIdentityFromEnv(t *testing.T) {
	t.Setenv("AGENT_HUB_HOST_UID", "2000")
	t.Setenv("AGENT_HUB_HOST_GID", "2000")
	t.Setenv("AGENT_HUB_HOST_USER", "runner")

	id, err := ResolveIdentity(IdentityConfig{UID: -1, GID: -1}, "")
	require.NoError(t, err)
	assert.Equal(t, 2000, id.UID)
	assert.Equal(t, 2000, id.GID)
	assert.Equal(t, "runner", id.Username)
}

func TestResolveIdentityRejectsPartialEnv(t *testing.T) {
	t.Setenv("AGENT_HUB_HOST_UID", "2000")

	_, err := ResolveIdentity(IdentityConfig{UID: -1, GID: -1}, "")
	assert.Error(t, err)
}

func TestResolveIdentityRejectsNonNumericEnv(t *testing.T) {
	t.Setenv("AGENT_HUB_HOST_UID", "not-a-number")
	t.Setenv("AGENT_HUB_HOST_GID", "1000")

	_, err := ResolveIdentity(IdentityConfig{UID: -1, GID: -1}, "")
	assert.Error(t, err)
}

func TestResolveIdentityRejectsNegativeEnv(t *testing.T) {
	t.Setenv("AGENT_HUB_HOST_UID", "-1")
	t.Setenv("AGENT_HUB_HOST_GID", "1000")

	_, err := ResolveIdentity(IdentityConfig{UID: -1, GID: -1}, "")
	assert.Error(t, err)
}

func TestResolveIdentityParsesSupplementaryGIDs(t *testing.T) {
	t.Setenv("AGENT_HUB_HOST_UID", "2000")
	t.Setenv("AGENT_HUB_HOST_GID", "2000")
	t.Setenv("AGENT_HUB_HOST_SUPPLEMENTARY_GIDS", "27, 100")

	id, err := ResolveIdentity(IdentityConfig{UID: -1, GID: -1}, "")
	require.NoError(t, err)
	assert.Equal(t, []int{27, 100}, id.SupplementaryGIDs)
}

func TestResolveIdentityFallsBackToProcess(t *testing.T) {
	id, err := ResolveIdentity(IdentityConfig{UID: -1, GID: -1}, "")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id.UID, 0)
}

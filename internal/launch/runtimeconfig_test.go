package launch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/model"
)

func TestMaterializeRuntimeConfigInjectsAgentToolsAndTrustLevel(t *testing.T) {
	dir := t.TempDir()

	path, err := MaterializeRuntimeConfig(dir, RuntimeConfigInputs{
		AgentType:          model.AgentCodex,
		ContainerWorkspace: "/workspace",
		CallbackBaseURL:    "http://10.0.0.1:8420",
		BearerToken:        "secret-token",
		ProjectID:          "proj1",
		ChatID:             "chat1",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, toml.Unmarshal(raw, &doc))

	projects := doc["projects"].(map[string]interface{})
	entry := projects["/workspace"].(map[string]interface{})
	assert.Equal(t, "trusted", entry["trust_level"])

	mcp := doc["mcp_servers"].(map[string]interface{})
	agentTools := mcp["agent_tools"].(map[string]interface{})
	env := agentTools["env"].(map[string]interface{})
	assert.Equal(t, "secret-token", env["AGENT_HUB_TOKEN"])
	assert.Equal(t, "http://10.0.0.1:8420", env["AGENT_HUB_CALLBACK_URL"])
}

func TestMaterializeRuntimeConfigPreservesBaseConfig(t *testing.T) {
	dir := t.TempDir()

	path, err := MaterializeRuntimeConfig(dir, RuntimeConfigInputs{
		BaseConfigText:     "model = \"o3\"\n",
		AgentType:          model.AgentCodex,
		ContainerWorkspace: "/workspace",
		ChatID:             "chat2",
	})
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, toml.Unmarshal(raw, &doc))
	assert.Equal(t, "o3", doc["model"])
}

func TestMaterializeAgentToolsScriptWritesExecutableFile(t *testing.T) {
	home := t.TempDir()
	path, err := MaterializeAgentToolsScript(home)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".codex", "agent_hub", "agent_tools_mcp.py"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)
}

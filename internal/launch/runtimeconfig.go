package launch

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
)

// agentToolsScriptContainerPath is where every launched container finds
// the agent_tools MCP script, mounted read-only from the host copy
// MaterializeAgentToolsScript produces.
const agentToolsScriptContainerPath = "/home/agent/.codex/agent_hub/agent_tools_mcp.py"

// TokenIssuer mints the bearer token a launched runtime uses to call
// back into the hub's agent_tools HTTP surface. Kept as an interface so
// launch doesn't need to import the tokens package.
type TokenIssuer interface {
	IssueAgentToolsToken(chatID string) (string, error)
}

// RuntimeConfigInputs is everything MaterializeRuntimeConfig needs to
// produce one chat's (or session's) agent config file.
type RuntimeConfigInputs struct {
	BaseConfigText     string
	AgentType          model.AgentType
	ContainerWorkspace string
	CallbackBaseURL    string
	BearerToken        string
	ProjectID          string
	ChatID             string
}

// MaterializeRuntimeConfig writes a per-chat config file under dir,
// upserting the codex trust_level for this workspace and injecting the
// agent_tools MCP server block, per §4.5. Returns the written file's
// host path.
func MaterializeRuntimeConfig(dir string, in RuntimeConfigInputs) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", apierr.Config("creating runtime config directory: %v", err)
	}

	doc := map[string]interface{}{}
	if strings.TrimSpace(in.BaseConfigText) != "" {
		if err := toml.Unmarshal([]byte(in.BaseConfigText), &doc); err != nil {
			return "", apierr.Config("parsing base runtime config: %v", err)
		}
	}

	if in.AgentType == model.AgentCodex || in.AgentType == "" {
		projects, _ := doc["projects"].(map[string]interface{})
		if projects == nil {
			projects = map[string]interface{}{}
		}
		entry, _ := projects[in.ContainerWorkspace].(map[string]interface{})
		if entry == nil {
			entry = map[string]interface{}{}
		}
		entry["trust_level"] = "trusted"
		projects[in.ContainerWorkspace] = entry
		doc["projects"] = projects
	}

	mcpServers, _ := doc["mcp_servers"].(map[string]interface{})
	if mcpServers == nil {
		mcpServers = map[string]interface{}{}
	}
	mcpServers["agent_tools"] = map[string]interface{}{
		"command": "python3",
		"args":    []string{agentToolsScriptContainerPath},
		"env": map[string]interface{}{
			"AGENT_HUB_CALLBACK_URL": in.CallbackBaseURL,
			"AGENT_HUB_TOKEN":        in.BearerToken,
			"AGENT_HUB_PROJECT_ID":   in.ProjectID,
			"AGENT_HUB_CHAT_ID":      in.ChatID,
		},
	}
	doc["mcp_servers"] = mcpServers

	out, err := toml.Marshal(doc)
	if err != nil {
		return "", apierr.Config("encoding runtime config: %v", err)
	}

	path := filepath.Join(dir, in.ChatID+".toml")
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", apierr.Config("writing runtime config: %v", err)
	}
	return path, nil
}

// MaterializeAgentToolsScript writes the bundled agent_tools MCP runtime
// script to <homeDir>/.codex/agent_hub/agent_tools_mcp.py, so every
// launched container mounts the identical file, and returns its path.
func MaterializeAgentToolsScript(homeDir string) (string, error) {
	dir := filepath.Join(homeDir, ".codex", "agent_hub")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apierr.Config("creating agent_tools script directory: %v", err)
	}
	path := filepath.Join(dir, "agent_tools_mcp.py")
	if err := os.WriteFile(path, []byte(agentToolsMCPScript), 0o755); err != nil {
		return "", apierr.Config("materializing agent_tools script: %v", err)
	}
	return path, nil
}

// agentToolsMCPScript is a minimal stdio MCP server, stdlib-only so it
// runs in any container without a pip install step. It exposes two
// tools, publish_artifact and ready_ack, both of which simply POST to
// the hub's callback URL with the bearer token this file's env carries.
const agentToolsMCPScript = `#!/usr/bin/env python3
import json
import os
import sys
import urllib.request

CALLBACK_URL = os.environ.get("AGENT_HUB_CALLBACK_URL", "")
TOKEN = os.environ.get("AGENT_HUB_TOKEN", "")
PROJECT_ID = os.environ.get("AGENT_HUB_PROJECT_ID", "")
CHAT_ID = os.environ.get("AGENT_HUB_CHAT_ID", "")

TOOLS = [
    {
        "name": "publish_artifact",
        "description": "Publish a file under the chat's workspace as an artifact.",
        "inputSchema": {
            "type": "object",
            "properties": {"relative_path": {"type": "string"}},
            "required": ["relative_path"],
        },
    },
    {
        "name": "ready_ack",
        "description": "Acknowledge a bootstrap milestone back to the hub.",
        "inputSchema": {
            "type": "object",
            "properties": {
                "guid": {"type": "string"},
                "stage": {"type": "string"},
            },
            "required": ["guid", "stage"],
        },
    },
]


def post(path, payload):
    req = urllib.request.Request(
        CALLBACK_URL.rstrip("/") + path,
        data=json.dumps(payload).encode("utf-8"),
        headers={
            "Authorization": "Bearer " + TOKEN,
            "Content-Type": "application/json",
        },
        method="POST",
    )
    with urllib.request.urlopen(req, timeout=30) as resp:
        return json.loads(resp.read() or b"{}")


def handle(req):
    method = req.get("method")
    if method == "initialize":
        return {"protocolVersion": "2024-11-05", "capabilities": {"tools": {}}, "serverInfo": {"name": "agent_tools", "version": "1.0"}}
    if method == "tools/list":
        return {"tools": TOOLS}
    if method == "tools/call":
        name = req["params"]["name"]
        args = req["params"].get("arguments", {})
        if name == "publish_artifact":
            result = post("/api/internal/artifacts", {
                "project_id": PROJECT_ID,
                "chat_id": CHAT_ID,
                "relative_path": args["relative_path"],
            })
        elif name == "ready_ack":
            result = post("/api/internal/ready_ack", {
                "chat_id": CHAT_ID,
                "guid": args["guid"],
                "stage": args["stage"],
            })
        else:
            raise ValueError("unknown tool " + name)
        return {"content": [{"type": "text", "text": json.dumps(result)}]}
    raise ValueError("unknown method " + str(method))


def main():
    for line in sys.stdin:
        line = line.strip()
        if not line:
            continue
        req = json.loads(line)
        try:
            result = handle(req)
            resp = {"jsonrpc": "2.0", "id": req.get("id"), "result": result}
        except Exception as exc:  # noqa: BLE001
            resp = {"jsonrpc": "2.0", "id": req.get("id"), "error": {"code": -32000, "message": str(exc)}}
        sys.stdout.write(json.dumps(resp) + "\n")
        sys.stdout.flush()


if __name__ == "__main__":
    main()
`

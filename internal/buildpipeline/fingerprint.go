// Package buildpipeline implements the project build pipeline (F): the
// setup-snapshot fingerprint, a serialized per-project build worker with
// cancellation, and staleness reconciliation.
package buildpipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"agenthub/internal/model"
)

const schemaVersion = 1

// fingerprintInput is the canonical serialization fingerprinted by
// Fingerprint, per spec §3's Setup-Snapshot Fingerprint definition.
type fingerprintInput struct {
	SchemaVersion                  int      `json:"schema_version"`
	ProjectID                      string   `json:"project_id"`
	DefaultBranch                  string   `json:"default_branch"`
	RepoHeadSHA                    string   `json:"repo_head_sha"`
	SetupScript                    string   `json:"setup_script"`
	BaseImageMode                  string   `json:"base_image_mode"`
	BaseImageValue                 string   `json:"base_image_value"`
	DefaultROMounts                []string `json:"default_ro_mounts"`
	DefaultRWMounts                []string `json:"default_rw_mounts"`
	DefaultEnvVars                 []string `json:"default_env_vars"`
	AgentCLIRuntimeInputsFingerprint string `json:"agent_cli_runtime_inputs_fingerprint"`
}

// Fingerprint computes the SHA-256 setup-snapshot fingerprint for a
// project, truncated to 16 hex chars and formatted as
// agent-hub-setup-<project_id_prefix>-<digest>. agentCLIRuntimeInputsFP
// is a caller-supplied fingerprint of the agent CLI image/runtime
// inputs (kept opaque here; it is not part of the Project type).
func Fingerprint(p model.Project, agentCLIRuntimeInputsFP string) string {
	in := fingerprintInput{
		SchemaVersion:                   schemaVersion,
		ProjectID:                       p.ID,
		DefaultBranch:                   p.DefaultBranch,
		RepoHeadSHA:                     p.RepoHeadSHA,
		SetupScript:                     p.SetupScript,
		BaseImageMode:                   string(p.BaseImageMode),
		BaseImageValue:                  p.BaseImageValue,
		DefaultROMounts:                 sortedCopy(p.DefaultROMounts),
		DefaultRWMounts:                 sortedCopy(p.DefaultRWMounts),
		DefaultEnvVars:                  sortedCopy(p.DefaultEnvVars),
		AgentCLIRuntimeInputsFingerprint: agentCLIRuntimeInputsFP,
	}

	raw, err := json.Marshal(in)
	if err != nil {
		panic(fmt.Sprintf("fingerprint input must always marshal: %v", err))
	}
	sum := sha256.Sum256(raw)
	digest := hex.EncodeToString(sum[:])[:16]

	prefix := p.ID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("agent-hub-setup-%s-%s", prefix, digest)
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

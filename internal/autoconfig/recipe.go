package autoconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"agenthub/internal/apierr"
	"agenthub/internal/index"
	"agenthub/internal/model"
)

// Recipe is the normalized build recipe the analysis agent recommends,
// shaped to drop straight onto a Project's default_* fields (§4.12).
type Recipe struct {
	SetupScript   string   `json:"setup_script"`
	BaseImageMode string   `json:"base_image_mode"`
	BaseImageValue string  `json:"base_image_value"`
	ROMounts      []string `json:"ro_mounts"`
	RWMounts      []string `json:"rw_mounts"`
	EnvVars       []string `json:"env_vars"`
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)```")

// ParseRecipeText recovers a Recipe from an agent's final message text,
// accepting the raw object, an object inside a fenced code block, or the
// first top-level JSON object found anywhere in the text.
func ParseRecipeText(text string) (Recipe, error) {
	candidate := extractJSONObject(text)
	if candidate == "" {
		return Recipe{}, apierr.Config("no JSON object found in analysis output")
	}
	var r Recipe
	if err := json.Unmarshal([]byte(candidate), &r); err != nil {
		return Recipe{}, apierr.Config("parsing recipe JSON: %v", err)
	}
	return r, nil
}

func extractJSONObject(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") && json.Valid([]byte(trimmed)) {
		return trimmed
	}
	if m := fencedBlockRe.FindStringSubmatch(text); m != nil {
		inner := strings.TrimSpace(m[1])
		if strings.HasPrefix(inner, "{") && json.Valid([]byte(inner)) {
			return inner
		}
	}
	return firstBalancedObject(text)
}

// firstBalancedObject scans text for the first brace-balanced `{...}`
// substring, respecting string literals and escapes, and returns it only
// if it is valid JSON.
func firstBalancedObject(text string) string {
	start := -1
	depth := 0
	inString := false
	escaped := false

	for i, r := range text {
		if start == -1 {
			if r == '{' {
				start = i
				depth = 1
			}
			continue
		}
		if escaped {
			escaped = false
			continue
		}
		switch r {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := text[start : i+len(string(r))]
					if json.Valid([]byte(candidate)) {
						return candidate
					}
					start = -1
				}
			}
		}
	}
	return ""
}

// ccacheSignals/sccacheSignals name repo files whose presence suggests
// the setup script would benefit from a persistent compiler cache mount.
var ccacheSignals = []string{"Makefile", "CMakeLists.txt", "configure", "configure.ac"}
var sccacheSignals = []string{"Cargo.toml"}

const (
	defaultDockerfileName = "Dockerfile"
	ccacheContainerDir    = "/root/.ccache"
	sccacheContainerDir   = "/root/.cache/sccache"
)

// Normalize applies the §4.12 normalization pass to a freshly parsed
// recipe: defaulting the base image mode, deduplicating mounts and env
// vars, stripping setup-script lines already covered by the repo's own
// Dockerfile, and injecting a ccache/sccache cache mount when the repo
// shows signals of a C/C++ or Rust build. cacheRoot is the host
// directory caches are mounted from (typically <data_dir>/cache).
func Normalize(r Recipe, repoDir, cacheRoot string) Recipe {
	out := r
	out.BaseImageMode = string(model.NormalizeBaseImageMode(r.BaseImageMode))
	out.ROMounts = index.DedupeOrdered(r.ROMounts)
	out.RWMounts = index.DedupeOrdered(r.RWMounts)
	out.EnvVars = index.DedupeOrdered(r.EnvVars)
	out.SetupScript = dedupeSetupScript(out.SetupScript, dockerfilePath(out, repoDir))

	if cacheRoot == "" {
		return out
	}
	if hasAnySignal(repoDir, sccacheSignals) {
		out = injectCacheMount(out, filepath.Join(cacheRoot, "sccache"), sccacheContainerDir, "SCCACHE_DIR="+sccacheContainerDir)
	}
	if hasAnySignal(repoDir, ccacheSignals) {
		out = injectCacheMount(out, filepath.Join(cacheRoot, "ccache"), ccacheContainerDir, "CCACHE_DIR="+ccacheContainerDir)
	}
	return out
}

func dockerfilePath(r Recipe, repoDir string) string {
	if model.BaseImageMode(r.BaseImageMode) == model.BaseImageRepoPath && r.BaseImageValue != "" {
		return filepath.Join(repoDir, r.BaseImageValue)
	}
	return filepath.Join(repoDir, defaultDockerfileName)
}

// dedupeSetupScript drops lines from script that appear verbatim (after
// trimming) in the repo's own Dockerfile, so the recommended recipe
// doesn't re-run steps the base image already performs.
func dedupeSetupScript(script, dockerfilePath string) string {
	if strings.TrimSpace(script) == "" {
		return script
	}
	raw, err := os.ReadFile(dockerfilePath)
	if err != nil {
		return script
	}
	existing := make(map[string]bool)
	for _, line := range strings.Split(string(raw), "\n") {
		existing[strings.TrimSpace(line)] = true
	}

	var kept []string
	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || !existing[trimmed] {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func hasAnySignal(repoDir string, names []string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(repoDir, name)); err == nil {
			return true
		}
	}
	return false
}

func injectCacheMount(r Recipe, hostDir, containerDir, envVar string) Recipe {
	mount := hostDir + ":" + containerDir
	if !hasMountTarget(r.RWMounts, containerDir) {
		r.RWMounts = append(r.RWMounts, mount)
	}
	if !hasEnvKey(r.EnvVars, envVar) {
		r.EnvVars = append(r.EnvVars, envVar)
	}
	return r
}

func hasMountTarget(mounts []string, target string) bool {
	for _, m := range mounts {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) >= 2 && parts[1] == target {
			return true
		}
	}
	return false
}

func hasEnvKey(vars []string, kv string) bool {
	key := kv
	if i := strings.IndexByte(kv, '='); i >= 0 {
		key = kv[:i]
	}
	for _, v := range vars {
		if strings.HasPrefix(v, key+"=") {
			return true
		}
	}
	return false
}

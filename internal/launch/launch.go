// Package launch compiles the deterministic container-run argv the hub
// hands to docker for both project snapshot builds and chat runtimes,
// and resolves the host identity every launched container runs as.
package launch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"agenthub/internal/apierr"
	"agenthub/internal/buildpipeline"
	"agenthub/internal/model"
)

const defaultContainerWorkspace = "/workspace"
const prepareSnapshotEntrypoint = "/bin/sh"

// BindMount is a host/container path pair mounted read-only (or not),
// for auxiliary files the compiler itself manages: credential files,
// the per-chat runtime config, and the agent_tools MCP script. These
// are distinct from the caller-supplied ro_mounts/rw_mounts, which pass
// through to the argv verbatim and are what Parse recovers.
type BindMount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// LaunchSpec is the compiler's full input, §4.5.
type LaunchSpec struct {
	Workspace            string
	ContainerWorkspace    string
	ContainerProjectName  string
	SnapshotTag           string
	AgentCommand          string
	Resume                bool
	LocalUID              int
	LocalGID              int
	Username              string
	SupplementaryGIDs     []int
	ROMounts              []string
	RWMounts              []string
	EnvVars               []string
	ExtraArgs             []string
	AuxMounts             []BindMount
	PrepareSnapshotOnly   bool
}

// ParsedLaunch is what Parse recovers from a compiled argv.
type ParsedLaunch struct {
	ROMounts      []string
	RWMounts      []string
	EnvVars       []string
	ContainerArgs []string
}

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
var leadingAlnum = regexp.MustCompile(`^[a-zA-Z0-9]`)

// managedLabelKey must match docker.ManagedLabelKey; duplicated rather
// than imported so this package stays free of a docker dependency.
const managedLabelKey = "agent-hub.managed"

func sanitizeContainerName(name string) string {
	name = invalidNameChars.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	if name == "" {
		return ""
	}
	if !leadingAlnum.MatchString(name) {
		name = "c-" + name
	}
	return "agent-hub-" + name
}

func mountTarget(mount string) string {
	parts := strings.SplitN(mount, ":", 3)
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func hasMountTarget(mounts []string, target string) bool {
	for _, m := range mounts {
		if mountTarget(m) == target {
			return true
		}
	}
	return false
}

// Compile produces the exact docker argv for spec. Same inputs yield
// byte-identical argv; see the determinism property in §8.
func Compile(spec LaunchSpec) []string {
	argv := []string{"docker", "run", "--rm", "--init"}

	if name := sanitizeContainerName(spec.ContainerProjectName); name != "" {
		argv = append(argv, "--name", name)
	}
	argv = append(argv, "--label", managedLabelKey+"=true")
	argv = append(argv, "--user", fmt.Sprintf("%d:%d", spec.LocalUID, spec.LocalGID))
	for _, gid := range spec.SupplementaryGIDs {
		argv = append(argv, "--group-add", strconv.Itoa(gid))
	}
	if spec.Username != "" {
		argv = append(argv, "--env", "USER="+spec.Username)
	}

	containerWorkspace := spec.ContainerWorkspace
	if containerWorkspace == "" {
		containerWorkspace = defaultContainerWorkspace
	}
	if spec.Workspace != "" {
		argv = append(argv, "--mount", fmt.Sprintf("type=bind,source=%s,target=%s", spec.Workspace, containerWorkspace))
	}
	argv = append(argv, "-w", containerWorkspace)

	for _, m := range spec.AuxMounts {
		mount := fmt.Sprintf("type=bind,source=%s,target=%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			mount += ",readonly"
		}
		argv = append(argv, "--mount", mount)
	}

	tmpTarget := containerWorkspace + "/tmp"
	if !hasMountTarget(spec.RWMounts, tmpTarget) && !hasMountTarget(spec.ROMounts, tmpTarget) {
		argv = append(argv, "--tmpfs", "/tmp:mode=1777,exec")
	}

	for _, e := range spec.EnvVars {
		argv = append(argv, "--env", e)
	}
	for _, m := range spec.ROMounts {
		argv = append(argv, "-v", m)
	}
	for _, m := range spec.RWMounts {
		argv = append(argv, "-v", m)
	}

	if spec.PrepareSnapshotOnly {
		argv = append(argv, "--entrypoint", prepareSnapshotEntrypoint)
	}
	argv = append(argv, spec.SnapshotTag)
	if spec.PrepareSnapshotOnly {
		return argv
	}

	argv = append(argv, spec.AgentCommand)
	if spec.Resume {
		argv = append(argv, "--resume")
	}
	argv = append(argv, spec.ExtraArgs...)
	return argv
}

// Parse recovers (ro_mounts, rw_mounts, env_vars, container_args) from an
// argv produced by Compile. It understands only this compiler's shape,
// not arbitrary docker invocations.
func Parse(argv []string) ParsedLaunch {
	var out ParsedLaunch
	imageSeen := false

	skipValue := map[string]bool{
		"--name": true, "--user": true, "-w": true, "--entrypoint": true,
		"--group-add": true, "--tmpfs": true, "--mount": true, "--label": true,
	}

	for i := 0; i < len(argv); i++ {
		tok := argv[i]
		switch {
		case tok == "docker" || tok == "run" || tok == "--rm" || tok == "--init":
			continue
		case tok == "--env":
			if i+1 < len(argv) {
				out.EnvVars = append(out.EnvVars, argv[i+1])
				i++
			}
		case tok == "-v":
			if i+1 < len(argv) {
				v := argv[i+1]
				if strings.HasSuffix(v, ":ro") {
					out.ROMounts = append(out.ROMounts, v)
				} else {
					out.RWMounts = append(out.RWMounts, v)
				}
				i++
			}
		case skipValue[tok]:
			i++
		default:
			if !imageSeen {
				imageSeen = true
				continue
			}
			out.ContainerArgs = append(out.ContainerArgs, tok)
		}
	}
	if len(out.ContainerArgs) > 0 {
		// first surviving token is the agent command, not a container arg
		out.ContainerArgs = out.ContainerArgs[1:]
	}
	return out
}

// Compiler wires a resolved Identity and ambient config into concrete
// CompileSnapshotBuild/CompileChatLaunch implementations, satisfying the
// narrow interfaces buildpipeline.LaunchCompiler and chatruntime.Launcher
// declare on their own side to avoid importing this package.
type Compiler struct {
	Identity          Identity
	WorkRoot          string
	RuntimeConfigDir  string
	CallbackBaseURL   string
	BaseConfigText    string
	AgentToolsScript  string // host path materialized by MaterializeAgentToolsScript
	Tokens            TokenIssuer
	AutoConfigImage   string // base image the Auto-Configure Worker's analysis pass runs
}

// NewCompiler materializes the agent_tools MCP script once (every
// launched container mounts the same file) and returns a ready Compiler.
func NewCompiler(identity Identity, workRoot, runtimeConfigDir, callbackBaseURL, baseConfigText, homeDir string, tokens TokenIssuer) (*Compiler, error) {
	scriptPath, err := MaterializeAgentToolsScript(homeDir)
	if err != nil {
		return nil, err
	}
	return &Compiler{
		Identity:         identity,
		WorkRoot:         workRoot,
		RuntimeConfigDir: runtimeConfigDir,
		CallbackBaseURL:  callbackBaseURL,
		BaseConfigText:   baseConfigText,
		AgentToolsScript: scriptPath,
		Tokens:           tokens,
	}, nil
}

// CompileSnapshotBuild synthesizes a Dockerfile from the project's base
// image and setup script and returns a `docker build` argv tagged with
// the project's fingerprint. credEnv/credFile are accepted for parity
// with the broker's Materialize result but unused today: the build
// context is already a clone on disk, so the setup script needs no host
// git credentials; they matter once private base-image registries are
// wired in.
func (c *Compiler) CompileSnapshotBuild(p model.Project, credEnv []string, credFile string) []string {
	workspace := filepath.Join(c.WorkRoot, p.ID)
	tag := buildpipeline.Fingerprint(p, "")

	dockerfile, err := snapshotDockerfile(p, workspace)
	if err != nil {
		return nil
	}
	dockerfilePath := filepath.Join(workspace, ".agent-hub-setup.Dockerfile")
	if err := os.WriteFile(dockerfilePath, []byte(dockerfile), 0o644); err != nil {
		return nil
	}
	return []string{"docker", "build", "--pull", "-f", dockerfilePath, "-t", tag, workspace}
}

func snapshotDockerfile(p model.Project, workspace string) (string, error) {
	var b strings.Builder
	switch p.BaseImageMode {
	case model.BaseImageRepoPath:
		content, err := os.ReadFile(filepath.Join(workspace, p.BaseImageValue))
		if err != nil {
			return "", apierr.Config("reading base Dockerfile %q: %v", p.BaseImageValue, err)
		}
		b.Write(content)
		b.WriteString("\n")
	default:
		fmt.Fprintf(&b, "FROM %s\n", p.BaseImageValue)
	}
	fmt.Fprintf(&b, "WORKDIR %s\n", defaultContainerWorkspace)
	if strings.TrimSpace(p.SetupScript) != "" {
		if err := os.WriteFile(filepath.Join(workspace, ".agent-hub-setup.sh"), []byte(p.SetupScript), 0o755); err != nil {
			return "", apierr.Config("writing setup script: %v", err)
		}
		b.WriteString("COPY .agent-hub-setup.sh /tmp/agent-hub-setup.sh\n")
		b.WriteString("RUN chmod +x /tmp/agent-hub-setup.sh && /tmp/agent-hub-setup.sh && rm -f /tmp/agent-hub-setup.sh\n")
	}
	return b.String(), nil
}

// CompileChatLaunch builds the LaunchSpec for a chat's agent process and
// compiles it, issuing a fresh agent_tools bearer token and materializing
// this chat's runtime config file.
func (c *Compiler) CompileChatLaunch(chat model.Chat, credEnv []string) ([]string, []string, error) {
	containerWorkspace := chat.ContainerWorkspace
	if containerWorkspace == "" {
		containerWorkspace = defaultContainerWorkspace
	}

	var token string
	if c.Tokens != nil {
		var err error
		token, err = c.Tokens.IssueAgentToolsToken(chat.ID)
		if err != nil {
			return nil, nil, apierr.Config("issuing agent_tools token: %v", err)
		}
	}

	cfgPath, err := MaterializeRuntimeConfig(c.RuntimeConfigDir, RuntimeConfigInputs{
		BaseConfigText:     c.BaseConfigText,
		AgentType:          chat.AgentType,
		ContainerWorkspace: containerWorkspace,
		CallbackBaseURL:    c.CallbackBaseURL,
		BearerToken:        token,
		ProjectID:          chat.ProjectID,
		ChatID:             chat.ID,
	})
	if err != nil {
		return nil, nil, err
	}

	spec := LaunchSpec{
		Workspace:            chat.Workspace,
		ContainerWorkspace:   containerWorkspace,
		ContainerProjectName: chat.ProjectID,
		SnapshotTag:          chat.SetupSnapshotImage,
		AgentCommand:         string(chat.AgentType),
		LocalUID:             c.Identity.UID,
		LocalGID:             c.Identity.GID,
		Username:             c.Identity.Username,
		SupplementaryGIDs:    c.Identity.SupplementaryGIDs,
		ROMounts:             chat.ROMounts,
		RWMounts:             chat.RWMounts,
		EnvVars:              chat.EnvVars,
		ExtraArgs:            chat.AgentArgs,
		AuxMounts: []BindMount{
			{HostPath: cfgPath, ContainerPath: containerConfigPath(chat.AgentType), ReadOnly: true},
			{HostPath: c.AgentToolsScript, ContainerPath: agentToolsScriptContainerPath, ReadOnly: true},
		},
	}

	env := append(append([]string{}, os.Environ()...), credEnv...)
	return Compile(spec), env, nil
}

// CompileAutoConfigLaunch builds the one-shot docker run argv for the
// Auto-Configure Worker's analysis pass (L): codex execs once, in
// read-only sandbox mode, against the cloned workspace, writing its
// final message to outputName inside the container workspace. The
// bearer token is scoped to sessionID rather than a chat, via the same
// agent_tools MCP wiring a real chat gets.
func (c *Compiler) CompileAutoConfigLaunch(sessionID, workspace, prompt, outputName string) ([]string, string, error) {
	var token string
	if c.Tokens != nil {
		var err error
		token, err = c.Tokens.IssueAgentToolsToken(sessionID)
		if err != nil {
			return nil, "", apierr.Config("issuing session token: %v", err)
		}
	}

	cfgPath, err := MaterializeRuntimeConfig(c.RuntimeConfigDir, RuntimeConfigInputs{
		BaseConfigText:     c.BaseConfigText,
		AgentType:          model.AgentCodex,
		ContainerWorkspace: defaultContainerWorkspace,
		CallbackBaseURL:    c.CallbackBaseURL,
		BearerToken:        token,
		ChatID:             sessionID,
	})
	if err != nil {
		return nil, "", err
	}

	spec := LaunchSpec{
		Workspace:            workspace,
		ContainerWorkspace:   defaultContainerWorkspace,
		ContainerProjectName: "autoconfig-" + sessionID,
		SnapshotTag:          c.AutoConfigImage,
		AgentCommand:         string(model.AgentCodex),
		LocalUID:             c.Identity.UID,
		LocalGID:             c.Identity.GID,
		Username:             c.Identity.Username,
		SupplementaryGIDs:    c.Identity.SupplementaryGIDs,
		ExtraArgs: []string{
			"exec", "--sandbox", "read-only",
			"--output-last-message", defaultContainerWorkspace + "/" + outputName,
			prompt,
		},
		AuxMounts: []BindMount{
			{HostPath: cfgPath, ContainerPath: containerConfigPath(model.AgentCodex), ReadOnly: true},
			{HostPath: c.AgentToolsScript, ContainerPath: agentToolsScriptContainerPath, ReadOnly: true},
		},
	}
	return Compile(spec), token, nil
}

func containerConfigPath(agentType model.AgentType) string {
	switch agentType {
	case model.AgentClaude:
		return "/home/agent/.claude/config.toml"
	case model.AgentGemini:
		return "/home/agent/.gemini/config.toml"
	default:
		return "/home/agent/.codex/config.toml"
	}
}

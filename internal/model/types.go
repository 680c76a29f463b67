// Package model holds the hub's persisted data model: projects, chats,
// settings, and the sum-typed enums the state normalizer coerces raw
// input into. These are plain value types; all reads and writes to them
// go through internal/state's single-writer actor.
package model

import "time"

// BuildStatus is a project's build lifecycle state.
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildBuilding  BuildStatus = "building"
	BuildReady     BuildStatus = "ready"
	BuildFailed    BuildStatus = "failed"
	BuildCancelled BuildStatus = "cancelled"
)

// NormalizeBuildStatus coerces a raw string to the canonical BuildStatus
// set, defaulting unknown values to pending rather than failing the load.
func NormalizeBuildStatus(raw string) BuildStatus {
	switch BuildStatus(raw) {
	case BuildPending, BuildBuilding, BuildReady, BuildFailed, BuildCancelled:
		return BuildStatus(raw)
	default:
		return BuildPending
	}
}

// BaseImageMode selects how a project's base image is specified.
type BaseImageMode string

const (
	BaseImageTag      BaseImageMode = "tag"
	BaseImageRepoPath BaseImageMode = "repo_path"
)

// NormalizeBaseImageMode coerces a raw string, defaulting to "tag".
func NormalizeBaseImageMode(raw string) BaseImageMode {
	if BaseImageMode(raw) == BaseImageRepoPath {
		return BaseImageRepoPath
	}
	return BaseImageTag
}

// BindingMode is a project's credential binding policy.
type BindingMode string

const (
	BindingAuto   BindingMode = "auto"
	BindingSet    BindingMode = "set"
	BindingSingle BindingMode = "single"
	BindingAll    BindingMode = "all"
)

// NormalizeBindingMode coerces a raw string, defaulting to "auto".
func NormalizeBindingMode(raw string) BindingMode {
	switch BindingMode(raw) {
	case BindingAuto, BindingSet, BindingSingle, BindingAll:
		return BindingMode(raw)
	default:
		return BindingAuto
	}
}

// AgentType names the in-container coding-agent CLI a chat runs.
type AgentType string

const (
	AgentCodex  AgentType = "codex"
	AgentClaude AgentType = "claude"
	AgentGemini AgentType = "gemini"
)

// NormalizeAgentType coerces a raw string, defaulting to codex. An
// explicitly invalid non-empty value is left for the caller to reject at
// the HTTP boundary rather than silently coerced, per the CONFIG_ERROR
// policy of never silently fixing bad state inputs.
func NormalizeAgentType(raw string) (AgentType, bool) {
	switch AgentType(raw) {
	case AgentCodex, AgentClaude, AgentGemini:
		return AgentType(raw), true
	case "":
		return AgentCodex, true
	default:
		return "", false
	}
}

// ChatStatus is a chat's runtime status machine state.
type ChatStatus string

const (
	ChatStarting ChatStatus = "starting"
	ChatRunning  ChatStatus = "running"
	ChatStopped  ChatStatus = "stopped"
	ChatFailed   ChatStatus = "failed"
)

func NormalizeChatStatus(raw string) ChatStatus {
	switch ChatStatus(raw) {
	case ChatStarting, ChatRunning, ChatStopped, ChatFailed:
		return ChatStatus(raw)
	default:
		return ChatFailed
	}
}

// TitleStatus tracks the chat title generator's per-chat job state.
type TitleStatus string

const (
	TitleIdle    TitleStatus = "idle"
	TitlePending TitleStatus = "pending"
	TitleReady   TitleStatus = "ready"
	TitleError   TitleStatus = "error"
)

func NormalizeTitleStatus(raw string) TitleStatus {
	switch TitleStatus(raw) {
	case TitleIdle, TitlePending, TitleReady, TitleError:
		return TitleStatus(raw)
	default:
		return TitleIdle
	}
}

// ReadyAckStage names the bootstrap milestone a launched runtime reports.
type ReadyAckStage string

const (
	StageContainerBootstrapped ReadyAckStage = "container_bootstrapped"
	StageAgentProcessStarted   ReadyAckStage = "agent_process_started"
)

// CredentialKind distinguishes a GitHub App installation from a PAT.
type CredentialKind string

const (
	CredentialGitHubAppInstallation CredentialKind = "github_app_installation"
	CredentialPersonalAccessToken   CredentialKind = "personal_access_token"
)

// Provider is the git hosting provider a credential or project targets.
type Provider string

const (
	ProviderGitHub Provider = "github"
	ProviderGitLab Provider = "gitlab"
)

// Project is the persisted project record (spec §3).
type Project struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	RepoURL            string      `json:"repo_url"`
	DefaultBranch      string      `json:"default_branch"`
	SetupScript        string      `json:"setup_script"`
	BaseImageMode      BaseImageMode `json:"base_image_mode"`
	BaseImageValue     string      `json:"base_image_value"`
	DefaultROMounts    []string    `json:"default_ro_mounts"`
	DefaultRWMounts    []string    `json:"default_rw_mounts"`
	DefaultEnvVars     []string    `json:"default_env_vars"`
	CredentialBinding  CredentialBinding `json:"credential_binding"`
	RepoHeadSHA        string      `json:"repo_head_sha"`
	SetupSnapshotImage string      `json:"setup_snapshot_image"`
	BuildStatus        BuildStatus `json:"build_status"`
	BuildError         string      `json:"build_error,omitempty"`
	BuildStartedAt     *time.Time  `json:"build_started_at,omitempty"`
	BuildFinishedAt    *time.Time  `json:"build_finished_at,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at"`
}

// CredentialBinding is a project-scoped policy plus ordered id list
// determining which connected credentials the broker tries for a repo.
type CredentialBinding struct {
	Mode        BindingMode `json:"mode"`
	Source      string      `json:"source,omitempty"`
	CredentialIDs []string  `json:"credential_ids,omitempty"`
}

// Chat is the persisted chat record (spec §3).
type Chat struct {
	ID                       string        `json:"id"`
	ProjectID                string        `json:"project_id"`
	Name                     string        `json:"name"`
	Profile                  string        `json:"profile,omitempty"`
	ROMounts                 []string      `json:"ro_mounts"`
	RWMounts                 []string      `json:"rw_mounts"`
	EnvVars                  []string      `json:"env_vars"`
	AgentArgs                []string      `json:"agent_args"`
	AgentType                AgentType     `json:"agent_type"`
	Status                   ChatStatus    `json:"status"`
	StatusReason             string        `json:"status_reason,omitempty"`
	LastStatusTransitionAt   time.Time     `json:"last_status_transition_at"`
	PID                      int           `json:"pid,omitempty"`
	Workspace                string        `json:"workspace"`
	ContainerWorkspace       string        `json:"container_workspace"`
	SetupSnapshotImage       string        `json:"setup_snapshot_image"`
	StartError               string        `json:"start_error,omitempty"`
	LastExitCode             *int          `json:"last_exit_code,omitempty"`
	LastExitAt               *time.Time    `json:"last_exit_at,omitempty"`
	StopRequestedAt          *time.Time    `json:"stop_requested_at,omitempty"`
	TitleUserPrompts         []string      `json:"title_user_prompts"`
	TitleCached              string        `json:"title_cached,omitempty"`
	TitlePromptFingerprint   string        `json:"title_prompt_fingerprint,omitempty"`
	TitleStatus              TitleStatus   `json:"title_status"`
	TitleError               string        `json:"title_error,omitempty"`
	Artifacts                []Artifact    `json:"artifacts"`
	ArtifactCurrentIDs       []string      `json:"artifact_current_ids"`
	ArtifactPromptHistory    []PromptArtifactHistoryEntry `json:"artifact_prompt_history"`
	ArtifactPublishTokenHash string        `json:"artifact_publish_token_hash,omitempty"`
	AgentToolsTokenHash      string        `json:"agent_tools_token_hash,omitempty"`
	ReadyAckGUID             string        `json:"ready_ack_guid,omitempty"`
	ReadyAckStage            ReadyAckStage `json:"ready_ack_stage,omitempty"`
	ReadyAckAt               *time.Time    `json:"ready_ack_at,omitempty"`
	ReadyAckMeta             map[string]interface{} `json:"ready_ack_meta,omitempty"`
	CreateRequestID          string        `json:"create_request_id,omitempty"`
	CreatedAt                time.Time     `json:"created_at"`
	UpdatedAt                time.Time     `json:"updated_at"`
}

// Artifact is a single ingested file under a chat or session.
type Artifact struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	RelativePath         string    `json:"relative_path"`
	StorageRelativePath  string    `json:"storage_relative_path"`
	SizeBytes            int64     `json:"size_bytes"`
	CreatedAt            time.Time `json:"created_at"`
}

// PromptArtifactHistoryEntry archives the artifacts current at the time a
// prompt was submitted, keyed by that (previous) prompt's text.
type PromptArtifactHistoryEntry struct {
	Prompt      string     `json:"prompt"`
	ArtifactIDs []string   `json:"artifact_ids"`
	ArchivedAt  time.Time  `json:"archived_at"`
}

// CredentialRecord is a normalized catalog entry (spec §3); secret
// material lives in provider-specific files, not in this struct.
type CredentialRecord struct {
	CredentialID string         `json:"credential_id"`
	Kind         CredentialKind `json:"kind"`
	Provider     Provider       `json:"provider"`
	Host         string         `json:"host"`
	Scheme       string         `json:"scheme"`
	AccountLogin string         `json:"account_login,omitempty"`
	AccountEmail string         `json:"account_email,omitempty"`
	AccountName  string         `json:"account_name,omitempty"`
	ConnectedAt  time.Time      `json:"connected_at"`
}

// Settings holds hub-wide preferences, persisted as part of State.
type Settings struct {
	DefaultAgentType  AgentType `json:"default_agent_type"`
	ChatLayoutEngine  string    `json:"chat_layout_engine,omitempty"`
	GitUserName       string    `json:"git_user_name"`
	GitUserEmail      string    `json:"git_user_email"`
}

// State is the single root object persisted by the state store.
type State struct {
	Version  int                 `json:"version"`
	Projects map[string]Project  `json:"projects"`
	Chats    map[string]Chat     `json:"chats"`
	Settings Settings            `json:"settings"`
}

const CurrentSchemaVersion = 1

// NewEmptyState returns a zero-value State with initialized maps and
// default settings, the seed for a fresh data directory.
func NewEmptyState() State {
	return State{
		Version:  CurrentSchemaVersion,
		Projects: map[string]Project{},
		Chats:    map[string]Chat{},
		Settings: Settings{
			DefaultAgentType: AgentCodex,
			GitUserName:      "Agent Hub",
			GitUserEmail:     "agent-hub@localhost",
		},
	}
}

// SessionRecord is an ephemeral, non-persisted agent_tools session (spec
// §3), used by work that needs the chat's in-container callback surface
// without being a chat (e.g. auto-configure).
type SessionRecord struct {
	ID                       string
	ProjectID                string
	RepoURL                  string
	CredentialBinding        CredentialBinding
	TokenHash                string
	Workspace                string
	Artifacts                []Artifact
	ArtifactPublishTokenHash string
	ReadyAckGUID             string
	ReadyAckStage            ReadyAckStage
	ReadyAckAt               *time.Time
}

// OAuthLoginMethod distinguishes browser-delivered callbacks from device
// flows in an OAuthLoginSession.
type OAuthLoginMethod string

const (
	LoginMethodBrowserCallback OAuthLoginMethod = "browser_callback"
	LoginMethodDeviceAuth      OAuthLoginMethod = "device_auth"
)

// OAuthLoginStatus is an in-memory OAuth login session's status.
type OAuthLoginStatus string

const (
	LoginStarting              OAuthLoginStatus = "starting"
	LoginRunning               OAuthLoginStatus = "running"
	LoginWaitingForBrowser     OAuthLoginStatus = "waiting_for_browser"
	LoginWaitingForDeviceCode  OAuthLoginStatus = "waiting_for_device_code"
	LoginCallbackReceived      OAuthLoginStatus = "callback_received"
	LoginConnected             OAuthLoginStatus = "connected"
	LoginFailed                OAuthLoginStatus = "failed"
	LoginCancelled             OAuthLoginStatus = "cancelled"
)

// OAuthLoginSession is the in-memory record of a running login container
// (spec §3); never persisted to the state store.
type OAuthLoginSession struct {
	ID               string
	ContainerName    string
	Method           OAuthLoginMethod
	Status           OAuthLoginStatus
	LoginURL         string
	DeviceCode       string
	LocalCallbackURL string
	CallbackPort     int
	CallbackPath     string
	LogTail          []string
	ExitCode         *int
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}

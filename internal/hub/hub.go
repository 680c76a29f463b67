// Package hub is the composition root: it builds every component the
// spec names (state store, event bus, credential broker, build
// pipeline, chat runtime, launch compiler, token broker, artifact
// stores, index, title generator, auto-configure worker, startup
// reconciler, metrics, OAuth relay, notifications) and wires them into
// the HTTP surface's Deps bundle. No other package constructs these
// types; Controller is the only place that knows how they fit together.
package hub

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"agenthub/internal/agent"
	"agenthub/internal/apierr"
	"agenthub/internal/artifacts"
	"agenthub/internal/authproviders"
	"agenthub/internal/autoconfig"
	"agenthub/internal/buildpipeline"
	"agenthub/internal/chatruntime"
	"agenthub/internal/credentials"
	"agenthub/internal/docker"
	"agenthub/internal/eventbus"
	"agenthub/internal/git"
	"agenthub/internal/index"
	"agenthub/internal/launch"
	"agenthub/internal/metrics"
	"agenthub/internal/notify"
	"agenthub/internal/oauthrelay"
	"agenthub/internal/reconcile"
	"agenthub/internal/state"
	"agenthub/internal/telemetry"
	"agenthub/internal/titlegen"
	"agenthub/internal/tokens"
	"agenthub/internal/web"
)

// Controller owns every composed component and the HTTP server built
// from them. Run starts the one-shot startup reconciler; the HTTP server
// is exposed as Server for the caller (cmd/agent-hub) to serve.
type Controller struct {
	Store   *state.Store
	Bus     *eventbus.Bus
	Metrics *metrics.Metrics

	Docker     docker.IClient
	Git        git.GitClient
	CredStore  *credentials.Store
	CredBroker *credentials.Broker

	Builds *buildpipeline.Pipeline
	Chats  *chatruntime.Manager
	Launch *launch.Compiler
	Tokens *tokens.Broker

	Artifacts        *artifacts.Store
	SessionArtifacts *artifacts.SessionArtifacts
	Index            *index.Index

	TitleGen   *titlegen.Worker
	AutoConfig *autoconfig.Worker
	Reconciler *reconcile.Reconciler
	Notify     *notify.Manager
	Relay      *oauthrelay.Relay

	GitHubApp   *authproviders.GitHubAppAdapter
	OpenAIKey   *authproviders.OpenAIAPIKeyAdapter
	ChatGPTAcct *authproviders.ChatGPTAccountAdapter
	PAT         *authproviders.PATAdapter

	Server *web.Server

	dataDir string
}

// apiKeyGenerateTitleClient satisfies the interface titlegen.APIKeyBackend
// expects its Client field to implement.
type apiKeyGenerateTitleClient struct {
	adapter *authproviders.OpenAIAPIKeyAdapter
	model   string
	baseURL string
}

// GenerateTitle builds a fresh agent.OpenAIClient on every call so a
// reconnected or rotated API key is always picked up without restarting
// the title worker, rather than baking a stale key into a client built
// once at startup.
func (c *apiKeyGenerateTitleClient) GenerateTitle(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	key := c.adapter.APIKey()
	if key == "" {
		return "", apierr.Config("no openai api key is configured")
	}
	return agent.NewOpenAIClient(key, c.model, c.baseURL).GenerateTitle(ctx, systemPrompt, userPrompt)
}

// New builds every component from the already-loaded viper configuration
// (internal/config.Load must have run first) and returns a ready
// Controller. It does not start any background loop beyond what the
// individual constructors start themselves (chatruntime/buildpipeline
// run their own worker goroutines internally); call Run to kick off the
// one-shot startup reconciler.
func New() (*Controller, error) {
	dataDir := viper.GetString("data_dir")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, apierr.Config("creating data dir: %v", err)
	}

	workRoot := filepath.Join(dataDir, "work")
	buildLogRoot := filepath.Join(dataDir, "logs", "builds")
	chatLogRoot := filepath.Join(dataDir, "logs", "chats")
	runtimeConfigDir := filepath.Join(dataDir, "runtime-config")
	secretsDir := filepath.Join(dataDir, "secrets")
	autoConfigCacheRoot := filepath.Join(dataDir, "autoconfig-cache")
	for _, dir := range []string{workRoot, buildLogRoot, chatLogRoot, runtimeConfigDir, secretsDir, autoConfigCacheRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, apierr.Config("creating %s: %v", dir, err)
		}
	}

	bus := eventbus.New()

	store, err := state.Open(filepath.Join(dataDir, "state.json"), bus)
	if err != nil {
		return nil, err
	}

	dc, err := docker.NewClient()
	if err != nil {
		return nil, apierr.Config("connecting to docker: %v", err)
	}
	gc := git.NewClient()

	credStore, err := credentials.NewStore(secretsDir)
	if err != nil {
		return nil, err
	}
	credBroker := credentials.NewBroker(credStore, gc, secretsDir)

	identity, err := launch.ResolveIdentity(launch.IdentityConfig{
		UID:               viper.GetInt("identity.uid"),
		GID:               viper.GetInt("identity.gid"),
		Username:          viper.GetString("identity.username"),
		SupplementaryGIDs: viper.GetIntSlice("identity.supplementary_gids"),
	}, viper.GetString("identity.shared_root"))
	if err != nil {
		return nil, err
	}

	tokenBroker := tokens.NewBroker(store)

	publicBaseURL := viper.GetString("public_base_url")
	if publicBaseURL == "" {
		publicBaseURL = fmt.Sprintf("http://127.0.0.1:%d", viper.GetInt("http_port"))
	}

	launchCompiler, err := launch.NewCompiler(
		identity,
		workRoot,
		runtimeConfigDir,
		publicBaseURL,
		"", // baseConfigText: agent CLIs ship their own defaults; nothing in config overrides it yet
		"",
		tokenBroker,
	)
	if err != nil {
		return nil, err
	}
	launchCompiler.AutoConfigImage = viper.GetString("auto_config_image")

	builds := buildpipeline.NewPipeline(store, bus, dc, gc, credBroker, launchCompiler, workRoot, buildLogRoot)
	chats := chatruntime.NewManager(store, bus, launchCompiler, credBroker, chatLogRoot)

	idx, err := index.Open(filepath.Join(dataDir, "index.sqlite"))
	if err != nil {
		return nil, err
	}
	builds.SetIndex(idx)

	notifier := notify.NewManager(
		os.Getenv("SLACK_BOT_USER_TOKEN"),
		viper.GetString("notifications.slack.channel"),
		viper.GetBool("notifications.slack.enabled"),
		viper.GetBool("notifications.slack.events.build_failed"),
		viper.GetBool("notifications.slack.events.chat_failed"),
	)
	builds.SetNotifier(notifier)
	chats.SetNotifier(notifier)

	artifactStore := artifacts.NewStore(store, dataDir)
	sessionArtifacts := artifacts.NewSessionArtifacts()

	autoConfigWorker := autoconfig.NewWorker(gc, tokenBroker, launchCompiler, bus, workRoot, autoConfigCacheRoot)

	reconciler := reconcile.New(store, dc, dataDir)

	relay := oauthrelay.NewRelay(dc, publicBaseURL)

	githubApp := authproviders.NewGitHubAppAdapter(
		viper.GetString("github_app.web_base_url"),
		viper.GetString("github_app.api_base_url"),
	)
	openAIKey := authproviders.NewOpenAIAPIKeyAdapter(
		viper.GetString("openai.api_base_url"),
		filepath.Join(secretsDir, "openai_api_key.json"),
	)
	chatGPTAcct := authproviders.NewChatGPTAccountAdapter(
		dc,
		viper.GetString("openai.login_image"),
		filepath.Join(dataDir, "codex-home"),
	)
	pat := authproviders.NewPATAdapter()

	titleCreds := &titlegen.AuthProviderCredentials{
		APIKey:    openAIKey,
		Account:   chatGPTAcct,
		ModelName: viper.GetString("chat_title_model"),
	}
	apiKeyBackend := &titlegen.APIKeyBackend{
		Client: &apiKeyGenerateTitleClient{
			adapter: openAIKey,
			model:   viper.GetString("chat_title_model"),
			baseURL: viper.GetString("openai.api_base_url"),
		},
	}
	acctBackend := &titlegen.AccountBackend{CodexHome: chatGPTAcct.CodexHome()}
	titleWorker := titlegen.NewWorker(store, idx, titleCreds, apiKeyBackend, acctBackend)

	m := metrics.New()

	deps := web.Deps{
		Store:            store,
		Bus:              bus,
		Metrics:          m,
		CredStore:        credStore,
		CredBroker:       credBroker,
		Builds:           builds,
		Chats:            chats,
		Launch:           launchCompiler,
		Tokens:           tokenBroker,
		Artifacts:        artifactStore,
		SessionArtifacts: sessionArtifacts,
		Index:            idx,
		AutoConfig:       autoConfigWorker,
		GitHubApp:        githubApp,
		OpenAIKey:        openAIKey,
		ChatGPTAcct:      chatGPTAcct,
		PAT:              pat,
		Relay:            relay,
		DataDir:          dataDir,
		WorkRoot:         workRoot,
		BuildLogRoot:     buildLogRoot,
		ChatLogRoot:      chatLogRoot,
		PublicBaseURL:    publicBaseURL,
	}

	c := &Controller{
		Store:            store,
		Bus:              bus,
		Metrics:          m,
		Docker:           dc,
		Git:              gc,
		CredStore:        credStore,
		CredBroker:       credBroker,
		Builds:           builds,
		Chats:            chats,
		Launch:           launchCompiler,
		Tokens:           tokenBroker,
		Artifacts:        artifactStore,
		SessionArtifacts: sessionArtifacts,
		Index:            idx,
		TitleGen:         titleWorker,
		AutoConfig:       autoConfigWorker,
		Reconciler:       reconciler,
		Notify:           notifier,
		Relay:            relay,
		GitHubApp:        githubApp,
		OpenAIKey:        openAIKey,
		ChatGPTAcct:      chatGPTAcct,
		PAT:              pat,
		Server:           web.NewServer(deps),
		dataDir:          dataDir,
	}
	return c, nil
}

// Run kicks off the one-shot startup reconciler asynchronously, per
// §4.13: it must not block the caller, since the HTTP server should
// start accepting requests immediately rather than wait on a sweep of
// potentially many stale containers and directories.
func (c *Controller) Run(ctx context.Context) {
	go func() {
		counts, err := c.Reconciler.Reconcile(ctx)
		if err != nil {
			telemetry.LogError("startup reconcile failed", err)
			return
		}
		telemetry.LogInfo("startup reconcile complete",
			"chats_killed", counts.ChatsKilled,
			"chats_transitioned", counts.ChatsTransitioned,
			"chat_workspaces", counts.ChatWorkspaces,
			"project_workspaces", counts.ProjectWorkspaces,
			"artifact_dirs", counts.ArtifactDirs,
			"orphan_logs", counts.OrphanLogs,
			"orphan_containers", counts.OrphanContainers,
		)
	}()
}

// Shutdown stops every long-running in-process worker so a process
// restart doesn't leave PTYs or index handles dangling.
func (c *Controller) Shutdown(ctx context.Context) {
	c.Chats.ShutdownAll(ctx)
	if err := c.Index.Close(); err != nil {
		telemetry.LogError("closing build log index", err)
	}
}

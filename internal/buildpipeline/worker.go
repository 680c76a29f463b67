package buildpipeline

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agenthub/internal/apierr"
	"agenthub/internal/credentials"
	"agenthub/internal/docker"
	"agenthub/internal/eventbus"
	"agenthub/internal/git"
	"agenthub/internal/model"
	"agenthub/internal/state"
	"agenthub/internal/telemetry"
)

// LaunchCompiler is the subset of the launch package's Compile signature
// the build pipeline needs to run a prepare-snapshot-only build, kept as
// an interface to avoid an import cycle between launch and buildpipeline.
type LaunchCompiler interface {
	CompileSnapshotBuild(p model.Project, credEnv []string, credFile string) []string
}

// Indexer records build-log lines for paginated retrieval, kept as a
// narrow interface so this package doesn't import internal/index
// directly. A nil Indexer (the default) makes indexing a no-op; the
// event bus and log file remain the live-tail source either way.
type Indexer interface {
	AppendBuildLogLine(ctx context.Context, projectID, line string) error
}

// Notifier receives a best-effort callback when a build finishes in
// failure, kept as a narrow interface so this package doesn't import
// notify directly. A nil Notifier (the default) makes notification a
// no-op.
type Notifier interface {
	NotifyBuildFailed(project model.Project)
}

// Pipeline runs one build worker per project, serialized so a project
// never has two builds in flight at once.
type Pipeline struct {
	store    *state.Store
	bus      *eventbus.Bus
	docker   docker.IClient
	git      git.GitClient
	broker   *credentials.Broker
	launch   LaunchCompiler
	workRoot string
	logRoot  string
	notifier Notifier
	idx      Indexer

	mu        sync.Mutex
	inFlight  map[string]context.CancelFunc
	cancelled map[string]bool
}

// SetNotifier wires an optional build-failure notifier in after
// construction, so tests and callers that don't care about
// notifications don't have to thread a nil through NewPipeline.
func (p *Pipeline) SetNotifier(n Notifier) {
	p.notifier = n
}

// SetIndex wires an optional build-log indexer in after construction.
func (p *Pipeline) SetIndex(idx Indexer) {
	p.idx = idx
}

func NewPipeline(store *state.Store, bus *eventbus.Bus, dc docker.IClient, gc git.GitClient, broker *credentials.Broker, launch LaunchCompiler, workRoot, logRoot string) *Pipeline {
	return &Pipeline{
		store:     store,
		bus:       bus,
		docker:    dc,
		git:       gc,
		broker:    broker,
		launch:    launch,
		workRoot:  workRoot,
		logRoot:   logRoot,
		inFlight:  map[string]context.CancelFunc{},
		cancelled: map[string]bool{},
	}
}

// Enqueue starts (or is a no-op if already running) a build for
// projectID.
func (p *Pipeline) Enqueue(projectID string) {
	p.mu.Lock()
	if _, running := p.inFlight[projectID]; running {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.inFlight[projectID] = cancel
	delete(p.cancelled, projectID)
	p.mu.Unlock()

	go p.run(ctx, projectID)
}

// Cancel requests cancellation of an in-flight build, cooperative per
// §4.6: the worker observes the flag at the next stage boundary.
func (p *Pipeline) Cancel(projectID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelled[projectID] = true
	if cancel, ok := p.inFlight[projectID]; ok {
		cancel()
	}
}

func (p *Pipeline) isCancelled(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancelled[projectID]
}

func (p *Pipeline) finish(projectID string) {
	p.mu.Lock()
	delete(p.inFlight, projectID)
	delete(p.cancelled, projectID)
	p.mu.Unlock()
}

func (p *Pipeline) run(ctx context.Context, projectID string) {
	defer p.finish(projectID)

	st := p.store.Load()
	proj, ok := st.Projects[projectID]
	if !ok {
		return
	}
	if proj.BuildStatus != model.BuildPending && proj.BuildStatus != model.BuildBuilding {
		return
	}

	p.transition(ctx, projectID, func(pr model.Project) model.Project {
		pr.BuildStatus = model.BuildBuilding
		now := time.Now()
		pr.BuildStartedAt = &now
		return pr
	}, "build_started")

	if err := p.build(ctx, projectID); err != nil {
		if p.isCancelled(projectID) {
			p.transition(ctx, projectID, func(pr model.Project) model.Project {
				pr.BuildStatus = model.BuildCancelled
				pr.BuildError = apierr.Wrap("PROJECT_BUILD_CANCELLED_ERROR", 409, nil, "build cancelled").Error()
				return pr
			}, "build_cancelled")
			return
		}
		failed := p.transition(ctx, projectID, func(pr model.Project) model.Project {
			pr.BuildStatus = model.BuildFailed
			pr.BuildError = err.Error()
			now := time.Now()
			pr.BuildFinishedAt = &now
			return pr
		}, "build_failed")
		if p.notifier != nil {
			p.notifier.NotifyBuildFailed(failed)
		}
	}
}

func (p *Pipeline) build(ctx context.Context, projectID string) error {
	st := p.store.Load()
	proj := st.Projects[projectID]

	workspace := filepath.Join(p.workRoot, projectID)
	mat, err := p.broker.Materialize(ctx, "build:"+projectID, primaryCredentialID(proj))
	var credEnv []string
	if err == nil {
		credEnv = mat.GitEnv
	}

	if !p.git.RepoExists(workspace) {
		if err := p.git.Clone(ctx, proj.RepoURL, workspace, credEnv); err != nil {
			return apierr.Config("cloning project workspace: %v", err)
		}
	}
	if p.isCancelled(projectID) {
		return fmt.Errorf("build cancelled before sync")
	}

	branch := proj.DefaultBranch
	if branch == "" {
		branch, err = p.git.RemoteDefaultBranch(ctx, workspace, "origin", credEnv)
		if err != nil {
			return apierr.Config("could not determine remote default branch: %v", err)
		}
	}
	if err := p.git.ResetHard(ctx, workspace, "origin", branch, credEnv); err != nil {
		return apierr.Config("syncing workspace: %v", err)
	}

	sha, err := p.git.CurrentCommitSHA(ctx, workspace)
	if err != nil {
		return apierr.Config("reading commit sha: %v", err)
	}
	proj.RepoHeadSHA = sha

	tag := Fingerprint(proj, "")
	if exists, _ := p.docker.ImageExists(ctx, tag); exists {
		return p.finalize(ctx, projectID, tag, sha)
	}
	if p.isCancelled(projectID) {
		return fmt.Errorf("build cancelled before image build")
	}

	logPath := filepath.Join(p.logRoot, projectID+".log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return apierr.Config("creating build log directory: %v", err)
	}
	logFile, err := os.Create(logPath)
	if err != nil {
		return apierr.Config("creating build log file: %v", err)
	}
	defer logFile.Close()

	streamer := &streamingLogWriter{
		file:      logFile,
		bus:       p.bus,
		idx:       p.idx,
		projectID: projectID,
	}

	argv := p.launch.CompileSnapshotBuild(proj, credEnv, mat.CredentialFile)
	if err := runBuildCommand(ctx, argv, streamer); err != nil {
		return apierr.Config("build command failed: %v", err)
	}

	return p.finalize(ctx, projectID, tag, sha)
}

// finalize re-loads the project and checks whether its fingerprint
// inputs changed while the build ran; if so the build is superseded and
// silently returns to pending rather than recording a failure.
func (p *Pipeline) finalize(ctx context.Context, projectID, builtTag, sha string) error {
	st := p.store.Load()
	current := st.Projects[projectID]
	current.RepoHeadSHA = sha
	currentFP := Fingerprint(current, "")
	if currentFP != builtTag {
		p.transition(ctx, projectID, func(pr model.Project) model.Project {
			pr.BuildStatus = model.BuildPending
			return pr
		}, "build_superseded")
		return nil
	}

	p.transition(ctx, projectID, func(pr model.Project) model.Project {
		pr.BuildStatus = model.BuildReady
		pr.SetupSnapshotImage = builtTag
		now := time.Now()
		pr.BuildFinishedAt = &now
		pr.RepoHeadSHA = sha
		pr.BuildError = ""
		return pr
	}, "build_ready")
	return nil
}

func (p *Pipeline) transition(ctx context.Context, projectID string, fn func(model.Project) model.Project, reason string) model.Project {
	var updated model.Project
	p.store.Mutate(ctx, reason, func(s model.State) (model.State, error) {
		pr, ok := s.Projects[projectID]
		if !ok {
			return s, fmt.Errorf("project %s no longer exists", projectID)
		}
		updated = fn(pr)
		s.Projects[projectID] = updated
		return s, nil
	})
	return updated
}

func primaryCredentialID(p model.Project) string {
	if len(p.CredentialBinding.CredentialIDs) > 0 {
		return p.CredentialBinding.CredentialIDs[0]
	}
	return ""
}

// streamingLogWriter writes each line of build output to the per-project
// log file, the event bus as project_build_log, and (if wired) the
// build-log index for paginated retrieval.
type streamingLogWriter struct {
	file      *os.File
	bus       *eventbus.Bus
	idx       Indexer
	projectID string

	lineBuf []byte
}

func (w *streamingLogWriter) Write(p []byte) (int, error) {
	n, err := w.file.Write(p)
	if w.bus != nil {
		w.bus.Publish(eventbus.KindProjectBuildLog, map[string]interface{}{
			"project_id": w.projectID,
			"text":       string(p),
		})
	}
	if w.idx != nil {
		w.indexLines(p)
	}
	return n, err
}

// indexLines buffers build output across Write calls and records each
// completed line, so the index reflects whole lines even when the
// subprocess's output arrives split across read chunks.
func (w *streamingLogWriter) indexLines(p []byte) {
	w.lineBuf = append(w.lineBuf, p...)
	for {
		i := bytes.IndexByte(w.lineBuf, '\n')
		if i < 0 {
			break
		}
		line := string(w.lineBuf[:i])
		w.lineBuf = w.lineBuf[i+1:]
		if err := w.idx.AppendBuildLogLine(context.Background(), w.projectID, line); err != nil {
			telemetry.LogError("recording build log line", err, "project_id", w.projectID)
		}
	}
}

// runBuildCommand executes the compiled launch argv as a subprocess,
// streaming its combined stdout/stderr into w. Cancellation of ctx
// SIGTERMs the process group, with a 4-second grace period before
// SIGKILL, handled by newGroupCommand and terminateGroup in process.go.
func runBuildCommand(ctx context.Context, argv []string, w *streamingLogWriter) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty build command")
	}
	cmd := newGroupCommand(ctx, argv[0], argv[1:]...)
	// The same writer for both streams makes exec share one pipe, so w
	// sees output as it is produced and never from two goroutines at once.
	cmd.Stdout = w
	cmd.Stderr = w

	if err := cmd.Start(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		terminateGroup(cmd, done, 4*time.Second)
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func writeAll(w *streamingLogWriter, b []byte) {
	if len(b) == 0 {
		return
	}
	w.Write(b)
}

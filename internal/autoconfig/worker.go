// Package autoconfig implements the Auto-Configure Worker (L): a
// one-shot job that clones a candidate repo, runs a throwaway analysis
// pass against it in a session-scoped container, and parses the agent's
// recommended build recipe out of its final message, per §4.12.
package autoconfig

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agenthub/internal/apierr"
	"agenthub/internal/eventbus"
	"agenthub/internal/git"
	"agenthub/internal/model"
	"agenthub/internal/tokens"
)

// Launcher compiles the one-shot analysis argv and issues its session
// bearer token, kept as an interface so this package doesn't import
// launch directly and create an import cycle.
type Launcher interface {
	CompileAutoConfigLaunch(sessionID, workspace, prompt, outputName string) (argv []string, token string, err error)
}

const (
	resultFileName  = "agent-hub-autoconfig-result.json"
	subprocessGrace = 4 * time.Second
)

// analysisPrompt is the fixed instruction given to every analysis pass.
// It names the exact JSON field set of Recipe that ParseRecipeText decodes so the
// parser's raw/fenced/first-object fallback chain has a consistent
// target.
const analysisPrompt = `Inspect this repository and recommend a container build recipe for running a coding agent against it. Reply with exactly one JSON object and nothing else: {"setup_script": string, "base_image_mode": "tag" or "repo_path", "base_image_value": string, "ro_mounts": [string], "rw_mounts": [string], "env_vars": [string]}.`

// Request is one Auto-Configure Worker invocation.
type Request struct {
	RequestID string
	ProjectID string
	RepoURL   string
	Binding   model.CredentialBinding
	CredEnv   []string
}

// Worker runs the Auto-Configure Worker's analysis pass. One Worker
// serves any number of concurrent requests, keyed by RequestID.
type Worker struct {
	git       git.GitClient
	tokens    *tokens.Broker
	launcher  Launcher
	bus       *eventbus.Bus
	workRoot  string
	cacheRoot string

	mu        sync.Mutex
	inFlight  map[string]context.CancelFunc
	cancelled map[string]bool
}

func NewWorker(gc git.GitClient, tk *tokens.Broker, launcher Launcher, bus *eventbus.Bus, workRoot, cacheRoot string) *Worker {
	return &Worker{
		git:       gc,
		tokens:    tk,
		launcher:  launcher,
		bus:       bus,
		workRoot:  workRoot,
		cacheRoot: cacheRoot,
		inFlight:  map[string]context.CancelFunc{},
		cancelled: map[string]bool{},
	}
}

// Cancel requests cooperative cancellation of an in-flight request: the
// worker observes the flag at the next stage boundary, or SIGTERM/
// SIGKILLs the analysis subprocess if one is already running.
func (w *Worker) Cancel(requestID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelled[requestID] = true
	if cancel, ok := w.inFlight[requestID]; ok {
		cancel()
	}
}

func (w *Worker) isCancelled(requestID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled[requestID]
}

func (w *Worker) begin(requestID string) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	w.mu.Lock()
	w.inFlight[requestID] = cancel
	delete(w.cancelled, requestID)
	w.mu.Unlock()
	return ctx
}

func (w *Worker) finish(requestID string) {
	w.mu.Lock()
	delete(w.inFlight, requestID)
	delete(w.cancelled, requestID)
	w.mu.Unlock()
}

func (w *Worker) log(requestID, text string) {
	if w.bus == nil || text == "" {
		return
	}
	w.bus.Publish(eventbus.KindAutoConfigLog, map[string]interface{}{
		"request_id": requestID,
		"text":       text,
	})
}

// Run clones req.RepoURL into a throwaway workspace, runs the analysis
// pass, and returns the normalized recommended recipe. The workspace is
// always removed before Run returns.
func (w *Worker) Run(req Request) (Recipe, error) {
	ctx := w.begin(req.RequestID)
	defer w.finish(req.RequestID)

	workspace, err := os.MkdirTemp(w.workRoot, "autoconfig-*")
	if err != nil {
		return Recipe{}, apierr.Config("creating analysis workspace: %v", err)
	}
	defer os.RemoveAll(workspace)

	w.log(req.RequestID, "cloning "+req.RepoURL)
	if err := w.git.Clone(ctx, req.RepoURL, workspace, req.CredEnv); err != nil {
		return Recipe{}, apierr.Config("cloning repository: %v", err)
	}
	if w.isCancelled(req.RequestID) {
		return Recipe{}, fmt.Errorf("auto-configure cancelled before analysis")
	}

	sess, _, err := w.tokens.NewSession(req.ProjectID, req.RepoURL, req.Binding)
	if err != nil {
		return Recipe{}, apierr.Config("issuing analysis session: %v", err)
	}
	defer w.tokens.CloseSession(sess.ID)

	if w.isCancelled(req.RequestID) {
		return Recipe{}, fmt.Errorf("auto-configure cancelled before analysis")
	}

	argv, _, err := w.launcher.CompileAutoConfigLaunch(sess.ID, workspace, analysisPrompt, resultFileName)
	if err != nil {
		return Recipe{}, apierr.Config("compiling analysis launch: %v", err)
	}
	if len(argv) == 0 {
		return Recipe{}, apierr.Config("compiled analysis launch is empty")
	}

	w.log(req.RequestID, "running analysis")
	if err := w.runAnalysis(ctx, req.RequestID, argv); err != nil {
		return Recipe{}, err
	}

	raw, err := os.ReadFile(filepath.Join(workspace, resultFileName))
	if err != nil {
		return Recipe{}, apierr.Config("reading analysis result: %v", err)
	}
	recipe, err := ParseRecipeText(string(raw))
	if err != nil {
		return Recipe{}, err
	}
	return Normalize(recipe, workspace, w.cacheRoot), nil
}

// runAnalysis spawns the compiled argv as a subprocess owning its own
// process group, so a cancelled ctx SIGTERMs (then, after a grace
// period, SIGKILLs) the whole analysis tree rather than a lone child.
func (w *Worker) runAnalysis(ctx context.Context, requestID string, argv []string) error {
	cmd := newGroupCommand(ctx, argv[0], argv[1:]...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	if err := cmd.Start(); err != nil {
		return apierr.Config("starting analysis process: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		terminateGroup(cmd, done, subprocessGrace)
		<-done
		w.log(requestID, buf.String())
		return fmt.Errorf("auto-configure cancelled")
	case err := <-done:
		w.log(requestID, buf.String())
		if err != nil {
			return apierr.Config("analysis process failed: %v", err)
		}
		return nil
	}
}

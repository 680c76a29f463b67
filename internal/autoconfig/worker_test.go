package autoconfig

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/eventbus"
	"agenthub/internal/git"
	"agenthub/internal/model"
	"agenthub/internal/tokens"
)

type stubLauncher struct {
	argv func(sessionID, workspace, prompt, outputName string) []string
	err  error
}

func (s *stubLauncher) CompileAutoConfigLaunch(sessionID, workspace, prompt, outputName string) ([]string, string, error) {
	if s.err != nil {
		return nil, "", s.err
	}
	return s.argv(sessionID, workspace, prompt, outputName), "tok", nil
}

func writeResultShellArgv(sessionID, workspace, prompt, outputName string) []string {
	path := filepath.Join(workspace, outputName)
	script := fmt.Sprintf(`echo '{"setup_script":"make","base_image_mode":"tag","base_image_value":"ubuntu:24.04","ro_mounts":[],"rw_mounts":[],"env_vars":["FOO=bar"]}' > %s`, path)
	return []string{"sh", "-c", script}
}

func newTestWorker(t *testing.T, launcher Launcher) (*Worker, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	tk := tokens.NewBroker(nil)
	w := NewWorker(&git.MockGitClient{}, tk, launcher, bus, t.TempDir(), "")
	return w, bus
}

func TestRunClonesAnalyzesAndParsesRecipe(t *testing.T) {
	w, _ := newTestWorker(t, &stubLauncher{argv: writeResultShellArgv})

	recipe, err := w.Run(Request{RequestID: "r1", ProjectID: "p1", RepoURL: "https://example.com/org/repo.git"})
	require.NoError(t, err)
	assert.Equal(t, "make", recipe.SetupScript)
	assert.Equal(t, "tag", recipe.BaseImageMode)
	assert.Equal(t, "ubuntu:24.04", recipe.BaseImageValue)
	assert.Contains(t, recipe.EnvVars, "FOO=bar")
}

func TestRunFailsWhenCloneFails(t *testing.T) {
	bus := eventbus.New()
	tk := tokens.NewBroker(nil)
	gc := &git.MockGitClient{CloneFunc: func(ctx context.Context, repoURL, directory string, env []string) error {
		return fmt.Errorf("network unreachable")
	}}
	w := NewWorker(gc, tk, &stubLauncher{argv: writeResultShellArgv}, bus, t.TempDir(), "")

	_, err := w.Run(Request{RequestID: "r1", RepoURL: "https://example.com/org/repo.git"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cloning repository")
}

func TestRunFailsWhenLauncherErrors(t *testing.T) {
	w, _ := newTestWorker(t, &stubLauncher{err: fmt.Errorf("bad launch spec")})

	_, err := w.Run(Request{RequestID: "r1", RepoURL: "https://example.com/org/repo.git"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compiling analysis launch")
}

func TestRunFailsWhenResultFileMissing(t *testing.T) {
	w, _ := newTestWorker(t, &stubLauncher{argv: func(sessionID, workspace, prompt, outputName string) []string {
		return []string{"true"}
	}})

	_, err := w.Run(Request{RequestID: "r1", RepoURL: "https://example.com/org/repo.git"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading analysis result")
}

func TestRunCooperativeCancellationTerminatesSubprocess(t *testing.T) {
	w, _ := newTestWorker(t, &stubLauncher{argv: func(sessionID, workspace, prompt, outputName string) []string {
		return []string{"sleep", "30"}
	}})

	errCh := make(chan error, 1)
	go func() {
		_, err := w.Run(Request{RequestID: "r1", RepoURL: "https://example.com/org/repo.git"})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		w.mu.Lock()
		_, ok := w.inFlight["r1"]
		w.mu.Unlock()
		return ok
	}, time.Second, 5*time.Millisecond)

	w.Cancel("r1")

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cancelled")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestRunSucceedsWithSingleBinding(t *testing.T) {
	w, _ := newTestWorker(t, &stubLauncher{argv: writeResultShellArgv})
	_, err := w.Run(Request{
		RequestID: "r2",
		RepoURL:   "https://example.com/org/repo.git",
		Binding:   model.CredentialBinding{Mode: model.BindingSingle, CredentialIDs: []string{"cred-1"}},
	})
	require.NoError(t, err)
}

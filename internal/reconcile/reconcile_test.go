package reconcile

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/docker"
	"agenthub/internal/eventbus"
	"agenthub/internal/model"
	"agenthub/internal/state"
)

func newTestStore(t *testing.T) (*state.Store, string) {
	t.Helper()
	dir := t.TempDir()
	st, err := state.Open(filepath.Join(dir, "state.json"), eventbus.New())
	require.NoError(t, err)
	return st, dir
}

func TestReconcileKillsLiveOrphanAndMarksFailed(t *testing.T) {
	st, dataDir := newTestStore(t)

	// Reconcile signals the process group led by pid, so the child leads
	// its own group as a chat runtime process does; Wait reaps it so it
	// stops showing as alive once it exits.
	cmd := exec.Command("sleep", "30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer cmd.Process.Kill()
	go cmd.Wait()

	_, err := st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Chats["c1"] = model.Chat{
			ID:                  "c1",
			Status:              model.ChatRunning,
			PID:                 pid,
			AgentToolsTokenHash: "deadbeef",
		}
		return s, nil
	})
	require.NoError(t, err)

	dc, _ := docker.NewMockClient()
	r := New(st, dc, dataDir)
	counts, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, counts.ChatsKilled)
	assert.Equal(t, 1, counts.ChatsTransitioned)

	got := st.Load().Chats["c1"]
	assert.Equal(t, model.ChatFailed, got.Status)
	assert.Empty(t, got.StartError)
	assert.Zero(t, got.PID)
	assert.Empty(t, got.AgentToolsTokenHash)

	// the sleep process should no longer be alive
	require.Eventually(t, func() bool {
		return !processAlive(pid)
	}, time.Second, 10*time.Millisecond)
}

func TestReconcileMissingPIDTransitionsWithEmptyStartError(t *testing.T) {
	st, dataDir := newTestStore(t)

	_, err := st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Chats["c1"] = model.Chat{ID: "c1", Status: model.ChatStarting, PID: 999999999}
		return s, nil
	})
	require.NoError(t, err)

	dc, _ := docker.NewMockClient()
	r := New(st, dc, dataDir)
	counts, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, counts.ChatsKilled)
	assert.Equal(t, 1, counts.ChatsTransitioned)

	got := st.Load().Chats["c1"]
	assert.Equal(t, model.ChatFailed, got.Status)
	assert.Empty(t, got.StartError)
}

func TestReconcileHonorsPriorStopRequest(t *testing.T) {
	st, dataDir := newTestStore(t)
	now := time.Now()

	_, err := st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Chats["c1"] = model.Chat{ID: "c1", Status: model.ChatRunning, StopRequestedAt: &now}
		return s, nil
	})
	require.NoError(t, err)

	dc, _ := docker.NewMockClient()
	r := New(st, dc, dataDir)
	_, err = r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, model.ChatStopped, st.Load().Chats["c1"].Status)
}

func TestReconcileLeavesTerminalChatsAlone(t *testing.T) {
	st, dataDir := newTestStore(t)

	_, err := st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Chats["c1"] = model.Chat{ID: "c1", Status: model.ChatStopped}
		return s, nil
	})
	require.NoError(t, err)

	dc, _ := docker.NewMockClient()
	r := New(st, dc, dataDir)
	counts, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, counts.ChatsTransitioned)
	assert.Equal(t, model.ChatStopped, st.Load().Chats["c1"].Status)
}

func TestReconcileSweepsOrphanDirectoriesAndLogs(t *testing.T) {
	st, dataDir := newTestStore(t)

	_, err := st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Chats["keep-chat"] = model.Chat{ID: "keep-chat", Status: model.ChatStopped}
		s.Projects["keep-proj"] = model.Project{ID: "keep-proj"}
		return s, nil
	})
	require.NoError(t, err)

	mustMkdir(t, filepath.Join(dataDir, "chats", "keep-chat"))
	mustMkdir(t, filepath.Join(dataDir, "chats", "orphan-chat"))
	mustMkdir(t, filepath.Join(dataDir, "projects", "keep-proj"))
	mustMkdir(t, filepath.Join(dataDir, "projects", "orphan-proj"))
	mustMkdir(t, filepath.Join(dataDir, "artifacts", "chats", "keep-chat"))
	mustMkdir(t, filepath.Join(dataDir, "artifacts", "chats", "orphan-chat"))
	mustMkdir(t, filepath.Join(dataDir, "logs"))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "logs", "keep-chat.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "logs", "orphan-chat.log"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "logs", "keep-proj.log"), []byte("x"), 0o644))

	dc, _ := docker.NewMockClient()
	r := New(st, dc, dataDir)
	counts, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, counts.ChatWorkspaces)
	assert.Equal(t, 1, counts.ProjectWorkspaces)
	assert.Equal(t, 1, counts.ArtifactDirs)
	assert.Equal(t, 1, counts.OrphanLogs)

	assertExists(t, filepath.Join(dataDir, "chats", "keep-chat"), true)
	assertExists(t, filepath.Join(dataDir, "chats", "orphan-chat"), false)
	assertExists(t, filepath.Join(dataDir, "logs", "orphan-chat.log"), false)
	assertExists(t, filepath.Join(dataDir, "logs", "keep-proj.log"), true)
}

func TestReconcileRemovesStoppedManagedContainers(t *testing.T) {
	st, dataDir := newTestStore(t)
	dc, api := docker.NewMockClient()

	var removed []string
	api.ContainerListFunc = func(ctx context.Context, options container.ListOptions) ([]types.Container, error) {
		return []types.Container{
			{ID: "running-one", State: "running", Labels: map[string]string{docker.ManagedLabelKey: "true"}},
			{ID: "stopped-one", State: "exited", Labels: map[string]string{docker.ManagedLabelKey: "true"}},
			{ID: "unmanaged", State: "exited"},
		}, nil
	}
	api.ContainerStopFunc = func(ctx context.Context, containerID string, options container.StopOptions) error {
		return nil
	}
	api.ContainerRemoveFunc = func(ctx context.Context, containerID string, options container.RemoveOptions) error {
		removed = append(removed, containerID)
		return nil
	}

	r := New(st, dc, dataDir)
	counts, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, counts.OrphanContainers)
	assert.Equal(t, []string{"stopped-one"}, removed)
}

func TestReconcileIsIdempotent(t *testing.T) {
	st, dataDir := newTestStore(t)
	_, err := st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Chats["c1"] = model.Chat{ID: "c1", Status: model.ChatStopped}
		return s, nil
	})
	require.NoError(t, err)

	dc, _ := docker.NewMockClient()
	r := New(st, dc, dataDir)

	first, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	second, err := r.Reconcile(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Counts{}, first)
	assert.Equal(t, Counts{}, second)
}

func mustMkdir(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(path, 0o755))
}

func assertExists(t *testing.T, path string, want bool) {
	t.Helper()
	_, err := os.Stat(path)
	if want {
		assert.NoError(t, err)
	} else {
		assert.True(t, os.IsNotExist(err))
	}
}

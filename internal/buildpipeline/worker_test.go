package buildpipeline

import (
	"context"
	"testing"
	"time"

	"agenthub/internal/credentials"
	"agenthub/internal/docker"
	"agenthub/internal/eventbus"
	"agenthub/internal/git"
	"agenthub/internal/model"
	"agenthub/internal/state"

	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLaunchCompiler struct {
	argv []string
}

func (s *stubLaunchCompiler) CompileSnapshotBuild(p model.Project, credEnv []string, credFile string) []string {
	if s.argv != nil {
		return s.argv
	}
	return []string{"true"}
}

func newTestPipeline(t *testing.T, launch LaunchCompiler) (*Pipeline, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()
	st, err := state.Open(dir+"/state.json", bus)
	require.NoError(t, err)

	credStore, err := credentials.NewStore(dir + "/secrets")
	require.NoError(t, err)
	gc := &git.MockGitClient{}
	broker := credentials.NewBroker(credStore, gc, dir+"/secrets")

	dc, _ := docker.NewMockClient()
	p := NewPipeline(st, bus, dc, gc, broker, launch, dir+"/work", dir+"/logs")
	return p, st
}

func seedProject(t *testing.T, st *state.Store, proj model.Project) {
	t.Helper()
	_, err := st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Projects[proj.ID] = proj
		return s, nil
	})
	require.NoError(t, err)
}

func TestRunSkipsProjectNotPendingOrBuilding(t *testing.T) {
	p, st := newTestPipeline(t, &stubLaunchCompiler{})
	seedProject(t, st, model.Project{ID: "p1", RepoURL: "https://example.com/r.git", BuildStatus: model.BuildReady})

	p.Enqueue("p1")
	assert.Eventually(t, func() bool {
		return !p.isRunning("p1")
	}, time.Second, 10*time.Millisecond)

	got := st.Load().Projects["p1"]
	assert.Equal(t, model.BuildReady, got.BuildStatus)
}

func TestRunCompletesSuccessfullyWhenImageAlreadyExists(t *testing.T) {
	p, st := newTestPipeline(t, &stubLaunchCompiler{})

	proj := model.Project{
		ID:            "p2",
		RepoURL:       "https://example.com/r.git",
		DefaultBranch: "main",
		RepoHeadSHA:   "deadbeef",
		BuildStatus:   model.BuildPending,
	}
	expectedTag := Fingerprint(proj, "")

	dc, mockAPI := docker.NewMockClient()
	mockAPI.ImageListFunc = func(ctx context.Context, options image.ListOptions) ([]image.Summary, error) {
		return []image.Summary{{ID: "sha256:x", RepoTags: []string{expectedTag}}}, nil
	}
	p.docker = dc

	seedProject(t, st, proj)

	p.Enqueue("p2")
	assert.Eventually(t, func() bool {
		return st.Load().Projects["p2"].BuildStatus == model.BuildReady
	}, 2*time.Second, 10*time.Millisecond)

	got := st.Load().Projects["p2"]
	assert.Equal(t, expectedTag, got.SetupSnapshotImage)
}

func TestCancelMarksBuildCancelled(t *testing.T) {
	p, st := newTestPipeline(t, &stubLaunchCompiler{argv: []string{"sleep", "5"}})

	seedProject(t, st, model.Project{
		ID:            "p3",
		RepoURL:       "https://example.com/r.git",
		DefaultBranch: "main",
		BuildStatus:   model.BuildPending,
	})

	p.Enqueue("p3")
	time.Sleep(50 * time.Millisecond)
	p.Cancel("p3")

	assert.Eventually(t, func() bool {
		return st.Load().Projects["p3"].BuildStatus == model.BuildCancelled
	}, 6*time.Second, 20*time.Millisecond)
}

func TestFingerprintChangesWithRepoHeadSHA(t *testing.T) {
	p1 := model.Project{ID: "proj-a", DefaultBranch: "main", RepoHeadSHA: "sha1"}
	p2 := p1
	p2.RepoHeadSHA = "sha2"

	assert.NotEqual(t, Fingerprint(p1, ""), Fingerprint(p2, ""))
}

func TestFingerprintIgnoresMountOrder(t *testing.T) {
	p1 := model.Project{ID: "proj-b", DefaultROMounts: []string{"b", "a"}}
	p2 := model.Project{ID: "proj-b", DefaultROMounts: []string{"a", "b"}}
	assert.Equal(t, Fingerprint(p1, ""), Fingerprint(p2, ""))
}

func (p *Pipeline) isRunning(projectID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inFlight[projectID]
	return ok
}

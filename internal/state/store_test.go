package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"agenthub/internal/eventbus"
	"agenthub/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSeedsFreshState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")

	s, err := Open(path, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CurrentSchemaVersion, s.Load().Version)

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestOpenNormalizesAndRewritesStaleFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version":1,"projects":{"p1":{"id":"p1","build_status":"bogus"}},"chats":{}}`), 0o644))

	bus := eventbus.New()
	sub := bus.Subscribe(context.Background())
	defer sub.Unsubscribe()

	s, err := Open(path, bus)
	require.NoError(t, err)

	got := s.Load().Projects["p1"]
	assert.Equal(t, model.BuildPending, got.BuildStatus)

	evt := <-sub.Events()
	assert.Equal(t, eventbus.KindStateChanged, evt.Kind)
}

func TestOpenRejectsInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte(`not json`), 0o644))

	_, err := Open(path, nil)
	assert.Error(t, err)
}

func TestMutatePersistsAndPublishes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	bus := eventbus.New()
	sub := bus.Subscribe(context.Background())
	defer sub.Unsubscribe()

	s, err := Open(path, bus)
	require.NoError(t, err)
	<-sub.Events() // initial_state

	_, err = s.Mutate(context.Background(), "project_created", func(st model.State) (model.State, error) {
		st.Projects["p1"] = model.Project{ID: "p1", Name: "demo"}
		return st, nil
	})
	require.NoError(t, err)

	loaded := s.Load()
	assert.Contains(t, loaded.Projects, "p1")
	assert.Equal(t, model.BuildPending, loaded.Projects["p1"].BuildStatus)

	evt := <-sub.Events()
	data := evt.Data.(map[string]interface{})
	assert.Equal(t, "project_created", data["reason"])
}

func TestLoadReturnsIndependentCopy(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "state.json"), nil)
	require.NoError(t, err)

	_, err = s.Mutate(context.Background(), "seed", func(st model.State) (model.State, error) {
		st.Chats["c1"] = model.Chat{ID: "c1", ROMounts: []string{"/a"}}
		return st, nil
	})
	require.NoError(t, err)

	snap := s.Load()
	snap.Chats["c1"].ROMounts[0] = "mutated"
	assert.Equal(t, "/a", s.Load().Chats["c1"].ROMounts[0])
}

func TestNormalizeIsIdempotent(t *testing.T) {
	raw := model.State{
		Projects: map[string]model.Project{
			"p1": {ID: "p1", BuildStatus: "weird"},
		},
		Chats: map[string]model.Chat{
			"c1": {ID: "c1", ArtifactCurrentIDs: []string{"missing"}},
		},
	}
	once, changed1 := Normalize(raw)
	assert.True(t, changed1)

	twice, changed2 := Normalize(once)
	assert.False(t, changed2)
	assert.Equal(t, once, twice)
}

package chatruntime

import (
	"context"
	"testing"
	"time"

	"agenthub/internal/eventbus"
	"agenthub/internal/model"
	"agenthub/internal/state"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoLauncher struct{}

func (echoLauncher) CompileChatLaunch(chat model.Chat, credEnv []string) ([]string, []string, error) {
	return []string{"cat"}, nil, nil
}

func newTestManager(t *testing.T) (*Manager, *state.Store) {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()
	st, err := state.Open(dir+"/state.json", bus)
	require.NoError(t, err)

	_, err = st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Projects["proj1"] = model.Project{ID: "proj1", BuildStatus: model.BuildReady}
		s.Chats["chat1"] = model.Chat{ID: "chat1", ProjectID: "proj1", Status: model.ChatStopped}
		return s, nil
	})
	require.NoError(t, err)

	mgr := NewManager(st, bus, echoLauncher{}, nil, dir+"/logs")
	return mgr, st
}

func TestStartRejectsWhenProjectNotReady(t *testing.T) {
	mgr, st := newTestManager(t)
	st.Mutate(context.Background(), "unready", func(s model.State) (model.State, error) {
		p := s.Projects["proj1"]
		p.BuildStatus = model.BuildPending
		s.Projects["proj1"] = p
		return s, nil
	})

	err := mgr.Start(context.Background(), "chat1")
	assert.Error(t, err)
}

func TestStartSpawnsAndTransitionsToRunning(t *testing.T) {
	mgr, st := newTestManager(t)

	require.NoError(t, mgr.Start(context.Background(), "chat1"))

	assert.Eventually(t, func() bool {
		return st.Load().Chats["chat1"].Status == model.ChatRunning
	}, time.Second, 10*time.Millisecond)

	got := st.Load().Chats["chat1"]
	assert.NotZero(t, got.PID)
}

func TestStartRejectsAlreadyRunning(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Start(context.Background(), "chat1"))
	err := mgr.Start(context.Background(), "chat1")
	assert.Error(t, err)
	mgr.Stop(context.Background(), "chat1")
}

func TestWriteEchoesThroughToListener(t *testing.T) {
	mgr, _ := newTestManager(t)
	require.NoError(t, mgr.Start(context.Background(), "chat1"))
	defer mgr.Stop(context.Background(), "chat1")

	listener, _, err := mgr.Attach("chat1")
	require.NoError(t, err)
	defer listener.Close()

	require.NoError(t, mgr.Write("chat1", []byte("hello\n")))

	select {
	case chunk := <-listener.Chunks():
		assert.Contains(t, string(chunk), "hello")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed output")
	}
}

func TestStopTransitionsToStopped(t *testing.T) {
	mgr, st := newTestManager(t)
	require.NoError(t, mgr.Start(context.Background(), "chat1"))

	assert.Eventually(t, func() bool {
		return st.Load().Chats["chat1"].Status == model.ChatRunning
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Stop(context.Background(), "chat1"))

	assert.Eventually(t, func() bool {
		return st.Load().Chats["chat1"].Status == model.ChatStopped
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAttachUnknownChatErrors(t *testing.T) {
	mgr, _ := newTestManager(t)
	_, _, err := mgr.Attach("does-not-exist")
	assert.Error(t, err)
}

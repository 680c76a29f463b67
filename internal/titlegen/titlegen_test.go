package titlegen

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agenthub/internal/eventbus"
	"agenthub/internal/model"
	"agenthub/internal/state"
)

func newTestState(t *testing.T, prompts []string) *state.Store {
	t.Helper()
	st, err := state.Open(t.TempDir()+"/state.json", eventbus.New())
	require.NoError(t, err)

	_, err = st.Mutate(context.Background(), "seed", func(s model.State) (model.State, error) {
		s.Chats["chat1"] = model.Chat{ID: "chat1", Status: model.ChatRunning, TitleUserPrompts: prompts}
		return s, nil
	})
	require.NoError(t, err)
	return st
}

type fakeCreds struct {
	apiModel      string
	apiConfigured bool
	acctConnected bool
}

func (f fakeCreds) APIKeyConfigured() (string, bool) {
	m := f.apiModel
	if m == "" {
		m = "gpt-4.1-mini"
	}
	return m, f.apiConfigured
}

func (f fakeCreds) AccountConnected() bool { return f.acctConnected }

type countingBackend struct {
	calls int32
	title string
	err   error
}

func (b *countingBackend) GenerateTitle(ctx context.Context, prompts []string) (string, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.err != nil {
		return "", b.err
	}
	return b.title, nil
}

func TestFingerprintIsOrderAndModelSensitive(t *testing.T) {
	a := Fingerprint("gpt-4.1-mini", 80, []string{"A", "B"})
	b := Fingerprint("gpt-4.1-mini", 80, []string{"B", "A"})
	c := Fingerprint("gpt-4.1-mini", 80, []string{"A", "B"})
	d := Fingerprint("other-model", 80, []string{"A", "B"})

	assert.Equal(t, a, c)
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, d)
}

func TestRunOnceSetsErrorWithoutCredentials(t *testing.T) {
	st := newTestState(t, []string{"A"})
	backend := &countingBackend{title: "should not be used"}
	w := NewWorker(st, nil, fakeCreds{}, backend, backend)

	w.Trigger("chat1")

	require.Eventually(t, func() bool {
		return st.Load().Chats["chat1"].TitleStatus == model.TitleError
	}, 2*time.Second, 5*time.Millisecond)

	got := st.Load().Chats["chat1"]
	assert.Equal(t, noCredentialsMessage, got.TitleError)
	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.calls))
}

func TestRunOnceIsNoOpOnFingerprintCacheHit(t *testing.T) {
	st := newTestState(t, []string{"A"})
	fp := Fingerprint("gpt-4.1-mini", maxTitleChars, []string{"A"})
	_, err := st.Mutate(context.Background(), "seed-ready", func(s model.State) (model.State, error) {
		c := s.Chats["chat1"]
		c.TitleStatus = model.TitleReady
		c.TitlePromptFingerprint = fp
		c.TitleCached = "Existing Title"
		s.Chats["chat1"] = c
		return s, nil
	})
	require.NoError(t, err)

	backend := &countingBackend{title: "new title"}
	w := NewWorker(st, nil, fakeCreds{apiConfigured: true}, backend, backend)

	w.Trigger("chat1")
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&backend.calls))
	assert.Equal(t, "Existing Title", st.Load().Chats["chat1"].TitleCached)
}

func TestRunOnceGeneratesAndCachesTitle(t *testing.T) {
	st := newTestState(t, []string{"fix the login bug"})
	backend := &countingBackend{title: "Fix login bug"}
	w := NewWorker(st, nil, fakeCreds{apiConfigured: true}, backend, backend)

	w.Trigger("chat1")

	require.Eventually(t, func() bool {
		return st.Load().Chats["chat1"].TitleStatus == model.TitleReady
	}, 2*time.Second, 5*time.Millisecond)

	got := st.Load().Chats["chat1"]
	assert.Equal(t, "Fix login bug", got.TitleCached)
	assert.Equal(t, Fingerprint("gpt-4.1-mini", maxTitleChars, []string{"fix the login bug"}), got.TitlePromptFingerprint)
	assert.Equal(t, int32(1), atomic.LoadInt32(&backend.calls))
}

func TestRunOnceUsesAccountBackendWithoutAPIKey(t *testing.T) {
	st := newTestState(t, []string{"A"})
	apiBackend := &countingBackend{title: "api title"}
	acctBackend := &countingBackend{title: "account title"}
	w := NewWorker(st, nil, fakeCreds{acctConnected: true}, apiBackend, acctBackend)

	w.Trigger("chat1")

	require.Eventually(t, func() bool {
		return st.Load().Chats["chat1"].TitleStatus == model.TitleReady
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&apiBackend.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&acctBackend.calls))
	assert.Equal(t, "account title", st.Load().Chats["chat1"].TitleCached)
}

type blockingBackend struct {
	calls   int32
	started chan struct{}
	proceed chan struct{}
}

func (b *blockingBackend) GenerateTitle(ctx context.Context, prompts []string) (string, error) {
	atomic.AddInt32(&b.calls, 1)
	b.started <- struct{}{}
	<-b.proceed
	return "title", nil
}

func TestTriggerSingleFlightRerunsExactlyOnceAfterPending(t *testing.T) {
	st := newTestState(t, []string{"A"})
	backend := &blockingBackend{started: make(chan struct{}, 4), proceed: make(chan struct{})}
	w := NewWorker(st, nil, fakeCreds{apiConfigured: true}, backend, backend)

	w.Trigger("chat1")
	<-backend.started

	_, err := st.Mutate(context.Background(), "add-prompt", func(s model.State) (model.State, error) {
		c := s.Chats["chat1"]
		c.TitleUserPrompts = append(c.TitleUserPrompts, "B")
		s.Chats["chat1"] = c
		return s, nil
	})
	require.NoError(t, err)

	w.Trigger("chat1")
	close(backend.proceed)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&backend.calls) == 2
	}, 2*time.Second, 5*time.Millisecond)

	got := st.Load().Chats["chat1"]
	require.Eventually(t, func() bool {
		return st.Load().Chats["chat1"].TitlePromptFingerprint == Fingerprint("gpt-4.1-mini", maxTitleChars, []string{"A", "B"})
	}, 2*time.Second, 5*time.Millisecond)
	_ = got
}

func TestAPIKeyBackendDelegatesToClient(t *testing.T) {
	client := &fakeOpenAIClient{title: "Delegated Title"}
	b := &APIKeyBackend{Client: client}

	got, err := b.GenerateTitle(context.Background(), []string{"A", "B"})
	require.NoError(t, err)
	assert.Equal(t, "Delegated Title", got)
	assert.Equal(t, systemPromptTemplate, client.gotSystem)
	assert.Contains(t, client.gotUser, "A")
	assert.Contains(t, client.gotUser, "B")
}

type fakeOpenAIClient struct {
	title     string
	gotSystem string
	gotUser   string
}

func (f *fakeOpenAIClient) GenerateTitle(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.gotSystem = systemPrompt
	f.gotUser = userPrompt
	return f.title, nil
}

func TestAccountBackendUsesInjectedRunner(t *testing.T) {
	var gotHome, gotPrompt string
	b := &AccountBackend{
		CodexHome: "/home/agent/.codex",
		RunCodex: func(ctx context.Context, codexHome, prompt string) (string, error) {
			gotHome = codexHome
			gotPrompt = prompt
			return "Codex Title", nil
		},
	}

	got, err := b.GenerateTitle(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, "Codex Title", got)
	assert.Equal(t, "/home/agent/.codex", gotHome)
	assert.Contains(t, gotPrompt, "A")
}

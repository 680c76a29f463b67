// Package titlegen implements the per-chat background title generator
// (K): single-flight with a pending-rerun flag, a SHA-256 prompt
// fingerprint that short-circuits unchanged input, and two backends
// (OpenAI API key, ChatGPT account) per §4.9.
package titlegen

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"

	"agenthub/internal/authproviders"
	"agenthub/internal/index"
	"agenthub/internal/model"
	"agenthub/internal/state"
)

const (
	maxTitleChars = 80

	// noCredentialsMessage is the fixed title_error for a chat with no
	// OpenAI credentials configured in either mode. It is intentionally
	// generic and stable: callers key off title_status, not this text.
	noCredentialsMessage = "no OpenAI credentials configured: connect an API key or a ChatGPT account in Settings"
)

// Backend produces a title string from a chat's deduplicated prompt
// history.
type Backend interface {
	GenerateTitle(ctx context.Context, prompts []string) (string, error)
}

// CredentialStatus reports which title-generation backends are usable
// right now. AuthProviderCredentials implements it over the
// internal/authproviders adapters; the Worker depends only on this
// interface, so tests can supply their own implementation.
type CredentialStatus interface {
	// APIKeyConfigured returns the fixed model name to use in API-key
	// mode, and whether an API key is currently configured.
	APIKeyConfigured() (modelName string, configured bool)
	// AccountConnected reports whether a ChatGPT account login is
	// currently connected.
	AccountConnected() bool
}

// Worker drives single-flight + pending-rerun title generation per chat.
type Worker struct {
	store *state.Store
	idx   *index.Index
	creds CredentialStatus

	apiKeyBackend Backend
	acctBackend   Backend

	mu      sync.Mutex
	running map[string]bool
	pending map[string]bool
}

func NewWorker(store *state.Store, idx *index.Index, creds CredentialStatus, apiKeyBackend, acctBackend Backend) *Worker {
	return &Worker{
		store:         store,
		idx:           idx,
		creds:         creds,
		apiKeyBackend: apiKeyBackend,
		acctBackend:   acctBackend,
		running:       map[string]bool{},
		pending:       map[string]bool{},
	}
}

// Trigger schedules a title pass for chatID. If a pass is already
// running for that chat, it instead sets a pending flag so the worker
// reruns once more after the current pass finishes — exactly one rerun,
// not one per extra trigger.
func (w *Worker) Trigger(chatID string) {
	w.mu.Lock()
	if w.running[chatID] {
		w.pending[chatID] = true
		w.mu.Unlock()
		return
	}
	w.running[chatID] = true
	w.mu.Unlock()

	go w.runLoop(chatID)
}

func (w *Worker) runLoop(chatID string) {
	for {
		w.runOnce(context.Background(), chatID)

		w.mu.Lock()
		if w.pending[chatID] {
			w.pending[chatID] = false
			w.mu.Unlock()
			continue
		}
		w.running[chatID] = false
		w.mu.Unlock()
		return
	}
}

// Fingerprint hashes the inputs that determine a title pass's output, so
// a repeat pass with the same model/limit/prompts is a guaranteed no-op.
// modelName is always the API-key-mode model name, even in account mode
// — see DESIGN.md's Open Question (ii): this keeps the fingerprint
// stable across OpenAI account reconnects.
func Fingerprint(modelName string, maxChars int, prompts []string) string {
	payload := struct {
		Model    string   `json:"model"`
		MaxChars int      `json:"max_chars"`
		Prompts  []string `json:"prompts"`
	}{Model: modelName, MaxChars: maxChars, Prompts: prompts}
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (w *Worker) runOnce(ctx context.Context, chatID string) {
	chat, ok := w.store.Load().Chats[chatID]
	if !ok {
		return
	}

	prompts := w.dedupedPrompts(ctx, chatID, chat.TitleUserPrompts)
	if len(prompts) == 0 {
		return
	}

	apiModel, apiConfigured := w.creds.APIKeyConfigured()
	acctConnected := w.creds.AccountConnected()
	if !apiConfigured && !acctConnected {
		w.persist(ctx, chatID, "", "", model.TitleError, noCredentialsMessage)
		return
	}

	fingerprint := Fingerprint(apiModel, maxTitleChars, prompts)
	if chat.TitleStatus == model.TitleReady && chat.TitlePromptFingerprint == fingerprint {
		return
	}

	w.persist(ctx, chatID, chat.TitleCached, fingerprint, model.TitlePending, "")

	backend := w.acctBackend
	if apiConfigured {
		backend = w.apiKeyBackend
	}

	title, err := backend.GenerateTitle(ctx, prompts)
	if err != nil {
		w.persist(ctx, chatID, chat.TitleCached, fingerprint, model.TitleError, err.Error())
		return
	}
	w.persist(ctx, chatID, truncateTitle(title), fingerprint, model.TitleReady, "")
}

func (w *Worker) dedupedPrompts(ctx context.Context, chatID string, prompts []string) []string {
	if w.idx == nil {
		return index.DedupeOrdered(prompts)
	}
	for _, p := range prompts {
		if _, err := w.idx.RecordPrompt(ctx, chatID, p); err != nil {
			return index.DedupeOrdered(prompts)
		}
	}
	deduped, err := w.idx.Prompts(ctx, chatID)
	if err != nil {
		return index.DedupeOrdered(prompts)
	}
	return deduped
}

func truncateTitle(title string) string {
	title = strings.TrimSpace(title)
	title = strings.Trim(title, "\"")
	if len(title) > maxTitleChars {
		title = title[:maxTitleChars]
	}
	return title
}

func (w *Worker) persist(ctx context.Context, chatID, title, fingerprint string, status model.TitleStatus, titleErr string) {
	w.store.Mutate(ctx, "title_generated", func(s model.State) (model.State, error) {
		c, ok := s.Chats[chatID]
		if !ok {
			return s, nil
		}
		if status == model.TitleReady {
			c.TitleCached = title
			c.TitlePromptFingerprint = fingerprint
		} else if status == model.TitlePending {
			c.TitlePromptFingerprint = fingerprint
		}
		c.TitleStatus = status
		c.TitleError = titleErr
		s.Chats[chatID] = c
		return s, nil
	})
}

const systemPromptTemplate = "You generate short, descriptive titles (at most 80 characters, no surrounding quotes) for coding-agent chat sessions, from the sequence of prompts the user has submitted so far."

// APIKeyBackend renders the title generator's system+user prompt pair
// and sends them through an OpenAI-compatible chat-completions client.
type APIKeyBackend struct {
	Client interface {
		GenerateTitle(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	}
}

func (b *APIKeyBackend) GenerateTitle(ctx context.Context, prompts []string) (string, error) {
	return b.Client.GenerateTitle(ctx, systemPromptTemplate, renderUserPrompt(prompts))
}

func renderUserPrompt(prompts []string) string {
	var sb strings.Builder
	sb.WriteString("Prompts submitted so far, in order:\n")
	for i, p := range prompts {
		sb.WriteString(strings.TrimSpace(p))
		if i != len(prompts)-1 {
			sb.WriteString("\n---\n")
		}
	}
	return sb.String()
}

// AccountBackend generates a title by exec'ing the bundled codex CLI in
// read-only sandbox mode against the host identity's codex home,
// per §4.9's account-mode backend.
type AccountBackend struct {
	CodexHome string
	// RunCodex executes `codex exec` and returns the generated title. A
	// field so tests can substitute a fake without touching the real
	// binary.
	RunCodex func(ctx context.Context, codexHome, prompt string) (string, error)
}

func (b *AccountBackend) GenerateTitle(ctx context.Context, prompts []string) (string, error) {
	run := b.RunCodex
	if run == nil {
		run = execCodexTitle
	}
	return run(ctx, b.CodexHome, systemPromptTemplate+"\n\n"+renderUserPrompt(prompts))
}

func execCodexTitle(ctx context.Context, codexHome, prompt string) (string, error) {
	f, err := os.CreateTemp("", "agent-hub-title-*.txt")
	if err != nil {
		return "", err
	}
	tmp := f.Name()
	f.Close()
	defer os.Remove(tmp)

	cmd := exec.CommandContext(ctx, "codex", "exec", "--sandbox", "read-only", "--output-last-message", tmp, prompt)
	cmd.Env = append(os.Environ(), "CODEX_HOME="+codexHome)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", &execError{err: err, output: string(out)}
	}

	content, err := os.ReadFile(tmp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(content)), nil
}

type execError struct {
	err    error
	output string
}

func (e *execError) Error() string {
	return e.err.Error() + ": " + e.output
}

func (e *execError) Unwrap() error { return e.err }

// AuthProviderCredentials adapts the OpenAI API key and ChatGPT account
// auth provider adapters (D) into the CredentialStatus this package
// needs, so HubController can wire the two directly instead of
// hand-rolling glue at the composition root.
type AuthProviderCredentials struct {
	APIKey    *authproviders.OpenAIAPIKeyAdapter
	Account   *authproviders.ChatGPTAccountAdapter
	ModelName string
}

func (c *AuthProviderCredentials) APIKeyConfigured() (string, bool) {
	if c.APIKey == nil {
		return c.ModelName, false
	}
	return c.ModelName, c.APIKey.APIKey() != ""
}

func (c *AuthProviderCredentials) AccountConnected() bool {
	if c.Account == nil {
		return false
	}
	return c.Account.Connected()
}

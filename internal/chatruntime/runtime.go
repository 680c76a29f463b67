// Package chatruntime implements the chat runtime manager (G): it spawns
// each chat's agent process under a PTY, fans its output out to attached
// listeners with ANSI-aware line detection, and drives the chat status
// machine (starting/running/stopped/failed) through the state store.
package chatruntime

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"

	"agenthub/internal/apierr"
	"agenthub/internal/artifacts"
	"agenthub/internal/credentials"
	"agenthub/internal/eventbus"
	"agenthub/internal/model"
	"agenthub/internal/state"
)

const (
	ptyCols = 160
	ptyRows = 48

	listenerQueueCapacity = 256
	backlogCap            = 150 * 1024
	shutdownGrace         = 4 * time.Second
)

// Launcher compiles a chat's launch argv and environment, kept as an
// interface here so chatruntime doesn't import the launch package
// directly and create an import cycle.
type Launcher interface {
	CompileChatLaunch(chat model.Chat, credEnv []string) (argv []string, env []string, err error)
}

// Notifier receives a best-effort callback when a chat transitions to
// failed, kept as a narrow interface so this package doesn't import
// notify directly. A nil Notifier (the default) makes notification a
// no-op.
type Notifier interface {
	NotifyChatFailed(chat model.Chat)
}


// Listener is a bounded, drop-oldest subscriber to one chat's output.
type Listener struct {
	ch     chan []byte
	chatID string
	mgr    *Manager
	id     uint64
}

func (l *Listener) Chunks() <-chan []byte { return l.ch }

func (l *Listener) Close() {
	l.mgr.removeListener(l.chatID, l.id)
}

// runtime holds the live (non-persisted) process state for one running chat.
type runtime struct {
	mu        sync.Mutex
	cmd       *exec.Cmd
	master    *os.File
	listeners map[uint64]*Listener
	nextID    uint64
	logFile   *os.File
	backlog   []byte
	submit    *submissionDetector
}

// Manager owns every live chat runtime and persists status transitions
// through the state store.
type Manager struct {
	store    *state.Store
	bus      *eventbus.Bus
	launcher Launcher
	creds    *credentials.Broker
	logRoot  string
	notifier Notifier

	mu       sync.Mutex
	runtimes map[string]*runtime
}

func NewManager(store *state.Store, bus *eventbus.Bus, launcher Launcher, creds *credentials.Broker, logRoot string) *Manager {
	return &Manager{
		store:    store,
		bus:      bus,
		launcher: launcher,
		creds:    creds,
		logRoot:  logRoot,
		runtimes: map[string]*runtime{},
	}
}

// SetNotifier wires an optional chat-failure notifier in after
// construction.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// Start spawns chatID's process. It rejects an already-running chat and
// a chat whose project snapshot isn't ready, both as 409s.
func (m *Manager) Start(ctx context.Context, chatID string) error {
	m.mu.Lock()
	if _, running := m.runtimes[chatID]; running {
		m.mu.Unlock()
		return apierr.Conflict("chat %s is already running", chatID)
	}
	m.mu.Unlock()

	st := m.store.Load()
	chat, ok := st.Chats[chatID]
	if !ok {
		return apierr.NotFound("chat %s not found", chatID)
	}
	proj, ok := st.Projects[chat.ProjectID]
	if !ok {
		return apierr.NotFound("project %s not found", chat.ProjectID)
	}
	if proj.BuildStatus != model.BuildReady {
		return apierr.Conflict("project %s snapshot is not ready", proj.ID)
	}

	m.transition(ctx, chatID, model.ChatStarting, "start_requested")

	credEnv, err := m.materializeCreds(ctx, chat, proj)
	if err != nil {
		m.transition(ctx, chatID, model.ChatFailed, fmt.Sprintf("credential materialization failed: %v", err))
		return err
	}

	argv, env, err := m.launcher.CompileChatLaunch(chat, credEnv)
	if err != nil {
		m.transition(ctx, chatID, model.ChatFailed, fmt.Sprintf("launch compile failed: %v", err))
		return apierr.Config("compiling launch command: %v", err)
	}
	if len(argv) == 0 {
		m.transition(ctx, chatID, model.ChatFailed, "launch command is empty")
		return apierr.Config("compiled launch command is empty")
	}

	rt, pid, err := m.spawn(chatID, argv, env)
	if err != nil {
		m.transition(ctx, chatID, model.ChatFailed, fmt.Sprintf("spawn failed: %v", err))
		return apierr.Upstream(0, err, "spawning chat process")
	}

	m.mu.Lock()
	m.runtimes[chatID] = rt
	m.mu.Unlock()

	m.store.Mutate(ctx, "chat_started", func(s model.State) (model.State, error) {
		c := s.Chats[chatID]
		c.PID = pid
		c.Status = model.ChatRunning
		c.StatusReason = "process spawned"
		c.LastStatusTransitionAt = time.Now()
		s.Chats[chatID] = c
		return s, nil
	})

	go m.readLoop(chatID, rt)
	return nil
}

// materializeCreds resolves the project's bound credential (if any) and
// writes it to disk for the chat's clone/fetch operations. A project with
// no usable credential (a public repo, or binding not yet configured)
// spawns with no git_env at all rather than failing.
func (m *Manager) materializeCreds(ctx context.Context, chat model.Chat, proj model.Project) ([]string, error) {
	if m.creds == nil {
		return nil, nil
	}
	candidates, err := m.creds.Resolve(ctx, proj.RepoURL, proj.CredentialBinding)
	if len(candidates) == 0 {
		if proj.CredentialBinding.Mode != model.BindingAuto {
			return nil, err
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	mat, err := m.creds.Materialize(ctx, "chat:"+chat.ID, candidates[0].CredentialID)
	if err != nil {
		return nil, err
	}
	return mat.GitEnv, nil
}

// spawn opens a PTY, starts the compiled command attached to its slave,
// and returns the live runtime.
func (m *Manager) spawn(chatID string, argv []string, env []string) (*runtime, int, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = env

	// pty.StartWithSize puts the child in its own session (Setsid), which
	// also makes it its own process group leader, so signaling
	// -cmd.Process.Pid reaches the whole group.
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: ptyCols, Rows: ptyRows})
	if err != nil {
		return nil, 0, fmt.Errorf("starting pty: %w", err)
	}

	logPath := fmt.Sprintf("%s/%s.log", m.logRoot, chatID)
	if err := os.MkdirAll(m.logRoot, 0o755); err != nil {
		master.Close()
		return nil, 0, fmt.Errorf("creating chat log directory: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		master.Close()
		return nil, 0, fmt.Errorf("opening chat log file: %w", err)
	}

	rt := &runtime{
		cmd:       cmd,
		master:    master,
		listeners: map[uint64]*Listener{},
		logFile:   logFile,
		submit:    newSubmissionDetector(),
	}
	return rt, cmd.Process.Pid, nil
}

// readLoop is the per-chat reader thread: it decodes master fd bytes
// incrementally, fans them out, appends to the log file and backlog, and
// records an exit through the state store on EOF.
func (m *Manager) readLoop(chatID string, rt *runtime) {
	buf := make([]byte, 4096)
	var pending []byte

	for {
		n, err := rt.master.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			complete := completeUTF8Prefix(pending)
			if len(complete) > 0 {
				m.dispatch(chatID, rt, complete)
				pending = pending[len(complete):]
			}
		}
		if err != nil {
			break
		}
	}

	if len(pending) > 0 {
		m.dispatch(chatID, rt, pending)
	}

	rt.master.Close()
	rt.logFile.Close()

	exitCode := -1
	if rt.cmd.ProcessState != nil {
		exitCode = rt.cmd.ProcessState.ExitCode()
	} else {
		rt.cmd.Wait()
		if rt.cmd.ProcessState != nil {
			exitCode = rt.cmd.ProcessState.ExitCode()
		}
	}

	m.mu.Lock()
	delete(m.runtimes, chatID)
	m.mu.Unlock()

	m.recordExit(chatID, exitCode)
}

// completeUTF8Prefix returns the longest prefix of b that ends on a full
// rune boundary, leaving a trailing partial multi-byte sequence (if any)
// for the next read.
func completeUTF8Prefix(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	n := len(b)
	start := n - 1
	for start > 0 && n-start < utf8.UTFMax && !utf8.RuneStart(b[start]) {
		start--
	}
	if utf8.FullRune(b[start:]) {
		return b
	}
	return b[:start]
}

func (m *Manager) dispatch(chatID string, rt *runtime, chunk []byte) {
	rt.logFile.Write(chunk)

	rt.mu.Lock()
	rt.backlog = append(rt.backlog, chunk...)
	if len(rt.backlog) > backlogCap {
		rt.backlog = rt.backlog[len(rt.backlog)-backlogCap:]
	}
	rt.submit.Feed(chunk)
	listeners := make([]*Listener, 0, len(rt.listeners))
	for _, l := range rt.listeners {
		listeners = append(listeners, l)
	}
	rt.mu.Unlock()

	for _, l := range listeners {
		enqueueDropOldest(l.ch, chunk)
	}

	for _, prompt := range rt.submit.DrainSubmitted() {
		m.onSubmittedPrompt(chatID, prompt)
	}
}

func enqueueDropOldest(ch chan []byte, chunk []byte) {
	select {
	case ch <- chunk:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- chunk:
	default:
	}
}

// onSubmittedPrompt is invoked for every detected prompt submission; the
// title generator picks it up through the state mutation it records, and
// the chat's current artifacts are archived under the previous prompt.
func (m *Manager) onSubmittedPrompt(chatID, prompt string) {
	var previous string
	m.store.Mutate(context.Background(), "prompt_submitted", func(s model.State) (model.State, error) {
		c, ok := s.Chats[chatID]
		if !ok {
			return s, fmt.Errorf("chat %s no longer exists", chatID)
		}
		if n := len(c.TitleUserPrompts); n > 0 {
			previous = c.TitleUserPrompts[n-1]
		}
		c.TitleUserPrompts = append(c.TitleUserPrompts, prompt)
		s.Chats[chatID] = c
		return s, nil
	})
	artifacts.ArchivePromptHistory(context.Background(), m.store, chatID, previous)
}

func (m *Manager) recordExit(chatID string, exitCode int) {
	var updated model.Chat
	m.store.Mutate(context.Background(), "chat_exited", func(s model.State) (model.State, error) {
		c, ok := s.Chats[chatID]
		if !ok {
			return s, fmt.Errorf("chat %s no longer exists", chatID)
		}
		now := time.Now()
		c.LastExitCode = &exitCode
		c.LastExitAt = &now
		if c.StopRequestedAt != nil {
			c.Status = model.ChatStopped
			c.StatusReason = "closed by user"
		} else {
			c.Status = model.ChatFailed
			c.StatusReason = fmt.Sprintf("process exited unexpectedly with code %d", exitCode)
		}
		c.LastStatusTransitionAt = now
		s.Chats[chatID] = c
		updated = c
		return s, nil
	})
	if updated.Status == model.ChatFailed && m.notifier != nil {
		m.notifier.NotifyChatFailed(updated)
	}
}

func (m *Manager) transition(ctx context.Context, chatID string, status model.ChatStatus, reason string) {
	var updated model.Chat
	m.store.Mutate(ctx, reason, func(s model.State) (model.State, error) {
		c, ok := s.Chats[chatID]
		if !ok {
			return s, fmt.Errorf("chat %s no longer exists", chatID)
		}
		c.Status = status
		c.StatusReason = reason
		c.LastStatusTransitionAt = time.Now()
		s.Chats[chatID] = c
		updated = c
		return s, nil
	})
	if status == model.ChatFailed && m.notifier != nil {
		m.notifier.NotifyChatFailed(updated)
	}
}

// Attach registers a new listener for chatID, seeding it with the
// size-capped backlog tail so the caller's UI can render recent output
// immediately.
func (m *Manager) Attach(chatID string) (*Listener, []byte, error) {
	m.mu.Lock()
	rt, ok := m.runtimes[chatID]
	m.mu.Unlock()
	if !ok {
		return nil, nil, apierr.NotFound("chat %s is not running", chatID)
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextID++
	l := &Listener{
		ch:     make(chan []byte, listenerQueueCapacity),
		chatID: chatID,
		mgr:    m,
		id:     rt.nextID,
	}
	rt.listeners[l.id] = l

	backlog := append([]byte(nil), rt.backlog...)
	return l, backlog, nil
}

func (m *Manager) removeListener(chatID string, id uint64) {
	m.mu.Lock()
	rt, ok := m.runtimes[chatID]
	m.mu.Unlock()
	if !ok {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.listeners, id)
}

// Write sends raw input bytes to chatID's master fd verbatim.
func (m *Manager) Write(chatID string, data []byte) error {
	m.mu.Lock()
	rt, ok := m.runtimes[chatID]
	m.mu.Unlock()
	if !ok {
		return apierr.NotFound("chat %s is not running", chatID)
	}
	_, err := rt.master.Write(data)
	return err
}

// Resize applies a new terminal size to chatID's PTY and signals the
// child process group with SIGWINCH.
func (m *Manager) Resize(chatID string, cols, rows uint16) error {
	m.mu.Lock()
	rt, ok := m.runtimes[chatID]
	m.mu.Unlock()
	if !ok {
		return apierr.NotFound("chat %s is not running", chatID)
	}
	if err := pty.Setsize(rt.master, &pty.Winsize{Cols: cols, Rows: rows}); err != nil {
		return err
	}
	if rt.cmd.Process != nil {
		syscall.Kill(-rt.cmd.Process.Pid, syscall.SIGWINCH)
	}
	return nil
}

// Stop requests a graceful shutdown of chatID: SIGTERM to the process
// group, a grace period, then SIGKILL.
func (m *Manager) Stop(ctx context.Context, chatID string) error {
	m.mu.Lock()
	rt, ok := m.runtimes[chatID]
	m.mu.Unlock()
	if !ok {
		return apierr.NotFound("chat %s is not running", chatID)
	}

	m.store.Mutate(ctx, "stop_requested", func(s model.State) (model.State, error) {
		c := s.Chats[chatID]
		now := time.Now()
		c.StopRequestedAt = &now
		s.Chats[chatID] = c
		return s, nil
	})

	if rt.cmd.Process == nil {
		return nil
	}
	pgid := rt.cmd.Process.Pid
	syscall.Kill(-pgid, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			m.mu.Lock()
			_, stillRunning := m.runtimes[chatID]
			m.mu.Unlock()
			if !stillRunning {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(shutdownGrace):
		syscall.Kill(-pgid, syscall.SIGKILL)
		<-done
	}
	return nil
}

// ShutdownAll terminates every running chat with the same grace deadline,
// used on hub shutdown.
func (m *Manager) ShutdownAll(ctx context.Context) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.runtimes))
	for id := range m.runtimes {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(chatID string) {
			defer wg.Done()
			m.Stop(ctx, chatID)
		}(id)
	}
	wg.Wait()
}

// Package reconcile implements the startup reconciler (M): a one-shot
// sweep run asynchronously when the hub boots, before any project build
// or chat is scheduled, that brings on-disk and in-process state back in
// line with whatever the previous process lifetime left behind.
//
// It never runs concurrently with itself (the hub calls Reconcile once,
// from its own startup goroutine) and is idempotent: running it twice in
// a row with nothing having changed between the two runs returns zero
// counts the second time.
package reconcile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"agenthub/internal/docker"
	"agenthub/internal/model"
	"agenthub/internal/state"
)

const killGrace = 4 * time.Second

// managedLabelKey is the same label launch.Compile stamps on every
// container it runs (launch keeps its own unexported copy to avoid
// importing docker). This package already imports docker for
// IClient, so it reads the constant directly rather than duplicating it
// a third time.
const managedLabelKey = docker.ManagedLabelKey

// Counts tallies what a Reconcile pass did, for the caller to log.
type Counts struct {
	ChatsKilled         int
	ChatsTransitioned   int
	ChatWorkspaces      int
	ProjectWorkspaces   int
	ArtifactDirs        int
	OrphanLogs          int
	OrphanContainers    int
}

// Reconciler owns the dependencies a startup sweep needs: the state
// store to read and correct, a Docker client to enumerate and remove
// dangling containers, and the data directory whose chats/projects/
// artifacts/logs subtrees get swept for orphans.
type Reconciler struct {
	store   *state.Store
	docker  docker.IClient
	dataDir string
}

// New returns a ready Reconciler.
func New(store *state.Store, dc docker.IClient, dataDir string) *Reconciler {
	return &Reconciler{store: store, docker: dc, dataDir: dataDir}
}

// Reconcile runs the full startup sweep once and returns per-category
// counts. It does not return an error for partial sweep failures (a
// stray permission error on one orphan directory must not block the
// rest of the sweep); it only returns an error if the state mutation
// itself fails, since that would leave the hub's authoritative state
// inconsistent with reality.
func (r *Reconciler) Reconcile(ctx context.Context) (Counts, error) {
	var counts Counts

	snapshot := r.store.Load()

	killed := map[string]bool{}
	for id, c := range snapshot.Chats {
		if c.Status != model.ChatRunning && c.Status != model.ChatStarting {
			continue
		}
		if c.PID != 0 && processAlive(c.PID) {
			killProcessGroup(c.PID, killGrace)
			counts.ChatsKilled++
		}
		killed[id] = true
	}

	if len(killed) > 0 {
		_, err := r.store.Mutate(ctx, "startup_reconcile", func(s model.State) (model.State, error) {
			for id := range killed {
				c, ok := s.Chats[id]
				if !ok {
					continue
				}
				if c.StopRequestedAt != nil {
					c.Status = model.ChatStopped
					c.StatusReason = "stopped during hub restart"
				} else {
					c.Status = model.ChatFailed
					c.StatusReason = "process did not survive hub restart"
					// Open Question (iii): start_error is deliberately left
					// empty here; callers render a human string from
					// status_reason instead of a backfilled generic message.
				}
				c.LastStatusTransitionAt = time.Now()
				c.PID = 0
				c.AgentToolsTokenHash = ""
				c.ArtifactPublishTokenHash = ""
				c.ReadyAckGUID = ""
				c.ReadyAckStage = ""
				c.ReadyAckAt = nil
				s.Chats[id] = c
			}
			return s, nil
		})
		if err != nil {
			return counts, fmt.Errorf("persisting reconciled chat state: %w", err)
		}
		counts.ChatsTransitioned = len(killed)
	}

	final := r.store.Load()
	keepChats := map[string]bool{}
	keepProjects := map[string]bool{}
	for id := range final.Chats {
		keepChats[id] = true
	}
	for id := range final.Projects {
		keepProjects[id] = true
	}

	counts.ChatWorkspaces = sweepDir(filepath.Join(r.dataDir, "chats"), keepChats)
	counts.ProjectWorkspaces = sweepDir(filepath.Join(r.dataDir, "projects"), keepProjects)
	counts.ArtifactDirs = sweepDir(filepath.Join(r.dataDir, "artifacts", "chats"), keepChats)

	keepLogs := map[string]bool{}
	for id := range keepChats {
		keepLogs[id] = true
	}
	for id := range keepProjects {
		keepLogs[id] = true
	}
	counts.OrphanLogs = sweepLogs(filepath.Join(r.dataDir, "logs"), keepLogs)

	counts.OrphanContainers = r.sweepContainers(ctx)

	return counts, nil
}

// sweepDir removes every child of root not named in keep. A missing
// root is not an error: the directory may not have been created yet.
func sweepDir(root string, keep map[string]bool) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if keep[e.Name()] {
			continue
		}
		if os.RemoveAll(filepath.Join(root, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

// sweepLogs removes every "<id>.log" file under root whose id is not in
// keep. Chat and project logs share the same directory, so keep is the
// union of both id sets.
func sweepLogs(root string, keep map[string]bool) int {
	entries, err := os.ReadDir(root)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".log")
		if id == e.Name() || keep[id] {
			continue
		}
		if os.RemoveAll(filepath.Join(root, e.Name())) == nil {
			removed++
		}
	}
	return removed
}

// sweepContainers removes every hub-managed container that is not
// currently running. Containers the hub is actively using are always
// running, so a stopped hub-managed container is by definition a leak
// from a previous process lifetime (crash, or a StopContainer that
// raced a daemon restart).
func (r *Reconciler) sweepContainers(ctx context.Context) int {
	if r.docker == nil {
		return 0
	}
	containers, err := r.docker.ListContainers(ctx, managedLabelKey)
	if err != nil {
		return 0
	}
	removed := 0
	for _, c := range containers {
		if c.Running {
			continue
		}
		if r.docker.StopContainer(ctx, c.ID, 0) == nil {
			removed++
		}
	}
	return removed
}

// processAlive reports whether pid refers to a running process, via the
// null signal: sending signal 0 performs only existence and permission
// checks, no actual signal delivery.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// killProcessGroup sends SIGTERM to the process group led by pid (the
// chat runtime's docker-run/codex process is always its own session and
// group leader, per chatruntime.Manager.spawn), then escalates to
// SIGKILL if it is still alive after grace.
func killProcessGroup(pid int, grace time.Duration) {
	syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	if processAlive(pid) {
		syscall.Kill(-pid, syscall.SIGKILL)
	}
}

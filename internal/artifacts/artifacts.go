// Package artifacts ingests files a running agent publishes through the
// agent_tools callback and keeps the per-chat artifact set and its
// prompt-keyed history within the caps described in §4.11. Per-session
// (auto-configure) artifacts follow the same schema but live only in
// memory, keyed on the session record rather than persisted state.
package artifacts

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
	"agenthub/internal/state"
)

const (
	maxArtifactsPerChat  = 200
	maxPromptHistory     = 64
	stagedArtifactsSubdir = ".agent-hub-artifacts"
)

// Store ingests and tracks artifacts for persisted chats.
type Store struct {
	store   *state.Store
	dataDir string
}

func NewStore(store *state.Store, dataDir string) *Store {
	return &Store{store: store, dataDir: dataDir}
}

func chatArtifactDir(dataDir, chatID string) string {
	return filepath.Join(dataDir, "artifacts", "chats", chatID)
}

// StagedUploadPath returns the path a multipart upload should be written
// to before Ingest is called on it, per §4.11's staging convention.
func StagedUploadPath(workspace, name string) string {
	return filepath.Join(workspace, stagedArtifactsSubdir, uuid.NewString()+"-"+name)
}

// Ingest copies sourcePath into chatID's artifact directory (temp+rename,
// so a reader never observes a partial file), records it on the chat, and
// evicts the oldest artifact if the 200-artifact cap is exceeded.
// relativePath is the path the caller referenced the file by (meaningful
// for the JSON {path} upload shape; empty for staged multipart uploads).
func (s *Store) Ingest(ctx context.Context, chatID, sourcePath, relativePath, name string) (model.Artifact, error) {
	if name == "" {
		name = filepath.Base(sourcePath)
	}

	id := uuid.NewString()
	destDir := filepath.Join(chatArtifactDir(s.dataDir, chatID), id)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return model.Artifact{}, apierr.Config("creating artifact directory: %v", err)
	}
	destPath := filepath.Join(destDir, name)
	if err := atomicCopy(sourcePath, destPath); err != nil {
		os.RemoveAll(destDir)
		return model.Artifact{}, err
	}

	info, err := os.Stat(destPath)
	if err != nil {
		os.RemoveAll(destDir)
		return model.Artifact{}, apierr.Config("stat artifact %q: %v", destPath, err)
	}

	storageRel, err := filepath.Rel(s.dataDir, destPath)
	if err != nil {
		storageRel = destPath
	}

	art := model.Artifact{
		ID:                  id,
		Name:                name,
		RelativePath:        relativePath,
		StorageRelativePath: storageRel,
		SizeBytes:           info.Size(),
		CreatedAt:           time.Now(),
	}

	var dropped []model.Artifact
	_, err = s.store.Mutate(ctx, "artifact_ingested", func(st model.State) (model.State, error) {
		c, ok := st.Chats[chatID]
		if !ok {
			return st, apierr.NotFound("chat %q not found", chatID)
		}
		c.Artifacts = append(c.Artifacts, art)
		c.ArtifactCurrentIDs = append(c.ArtifactCurrentIDs, art.ID)
		if over := len(c.Artifacts) - maxArtifactsPerChat; over > 0 {
			dropped = append([]model.Artifact{}, c.Artifacts[:over]...)
			c.Artifacts = append([]model.Artifact{}, c.Artifacts[over:]...)
			c.ArtifactCurrentIDs = removeIDs(c.ArtifactCurrentIDs, dropped)
		}
		st.Chats[chatID] = c
		return st, nil
	})
	if err != nil {
		os.RemoveAll(destDir)
		return model.Artifact{}, err
	}

	for _, d := range dropped {
		os.RemoveAll(filepath.Join(chatArtifactDir(s.dataDir, chatID), d.ID))
	}

	return art, nil
}

func removeIDs(ids []string, dropped []model.Artifact) []string {
	drop := make(map[string]bool, len(dropped))
	for _, d := range dropped {
		drop[d.ID] = true
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !drop[id] {
			out = append(out, id)
		}
	}
	return out
}

// ArchivePromptHistory archives the chat's currently-current artifacts
// under prompt (the prompt text that was current before this submission)
// and clears artifact_current_ids, ready for the next prompt's artifacts.
// It is a no-op when the chat has no current artifacts. History is capped
// at 64 entries, oldest dropped.
func ArchivePromptHistory(ctx context.Context, st *state.Store, chatID, prompt string) error {
	_, err := st.Mutate(ctx, "artifact_prompt_archived", func(s model.State) (model.State, error) {
		c, ok := s.Chats[chatID]
		if !ok {
			return s, apierr.NotFound("chat %q not found", chatID)
		}
		if len(c.ArtifactCurrentIDs) == 0 {
			return s, nil
		}
		ids := append([]string{}, c.ArtifactCurrentIDs...)
		c.ArtifactPromptHistory = append(c.ArtifactPromptHistory, model.PromptArtifactHistoryEntry{
			Prompt:      prompt,
			ArtifactIDs: ids,
			ArchivedAt:  time.Now(),
		})
		if over := len(c.ArtifactPromptHistory) - maxPromptHistory; over > 0 {
			c.ArtifactPromptHistory = c.ArtifactPromptHistory[over:]
		}
		c.ArtifactCurrentIDs = nil
		s.Chats[chatID] = c
		return s, nil
	})
	return err
}

// DeleteChatArtifacts removes a chat's artifact directory from disk, for
// use when a chat itself is deleted.
func DeleteChatArtifacts(dataDir, chatID string) error {
	return os.RemoveAll(chatArtifactDir(dataDir, chatID))
}

func atomicCopy(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return apierr.Config("opening artifact source %q: %v", srcPath, err)
	}
	defer src.Close()

	dir := filepath.Dir(destPath)
	tmp, err := os.CreateTemp(dir, ".artifact-*.tmp")
	if err != nil {
		return apierr.Config("staging artifact: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apierr.Config("copying artifact: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apierr.Config("closing staged artifact: %v", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return apierr.Config("setting artifact permissions: %v", err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return apierr.Config("finalizing artifact: %v", err)
	}
	return nil
}

// SessionArtifacts tracks in-memory artifacts for ephemeral agent_tools
// sessions (auto-configure). It mirrors Store's schema but persists
// nothing: the whole set is discarded with the session.
type SessionArtifacts struct {
	mu  sync.Mutex
	byS map[string][]model.Artifact
}

func NewSessionArtifacts() *SessionArtifacts {
	return &SessionArtifacts{byS: map[string][]model.Artifact{}}
}

// Ingest copies sourcePath into the session's artifact directory under
// dataDir and records it in memory. There is no cap: sessions are
// one-shot and short-lived.
func (sa *SessionArtifacts) Ingest(dataDir, sessionID, sourcePath, relativePath, name string) (model.Artifact, error) {
	if name == "" {
		name = filepath.Base(sourcePath)
	}
	id := uuid.NewString()
	destDir := filepath.Join(dataDir, "artifacts", "agent_tools_sessions", sessionID, id)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return model.Artifact{}, apierr.Config("creating session artifact directory: %v", err)
	}
	destPath := filepath.Join(destDir, name)
	if err := atomicCopy(sourcePath, destPath); err != nil {
		os.RemoveAll(destDir)
		return model.Artifact{}, err
	}
	info, err := os.Stat(destPath)
	if err != nil {
		os.RemoveAll(destDir)
		return model.Artifact{}, apierr.Config("stat session artifact %q: %v", destPath, err)
	}
	storageRel, err := filepath.Rel(dataDir, destPath)
	if err != nil {
		storageRel = destPath
	}
	art := model.Artifact{
		ID:                  id,
		Name:                name,
		RelativePath:        relativePath,
		StorageRelativePath: storageRel,
		SizeBytes:           info.Size(),
		CreatedAt:           time.Now(),
	}

	sa.mu.Lock()
	sa.byS[sessionID] = append(sa.byS[sessionID], art)
	sa.mu.Unlock()
	return art, nil
}

// List returns sessionID's artifacts recorded so far.
func (sa *SessionArtifacts) List(sessionID string) []model.Artifact {
	sa.mu.Lock()
	defer sa.mu.Unlock()
	return append([]model.Artifact{}, sa.byS[sessionID]...)
}

// Discard deletes sessionID's in-memory record and on-disk directory, for
// CloseSession.
func (sa *SessionArtifacts) Discard(dataDir, sessionID string) {
	sa.mu.Lock()
	delete(sa.byS, sessionID)
	sa.mu.Unlock()
	os.RemoveAll(filepath.Join(dataDir, "artifacts", "agent_tools_sessions", sessionID))
}

// Package state implements the hub's single-writer state store: a JSON
// snapshot of projects, chats, and settings, persisted under a process
// lock with atomic temp-file-then-rename writes, and normalized on every
// load. It is the root of the lock order described by the hub's
// concurrency model: callers that also hold a chat runtime lock must
// acquire this one last.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agenthub/internal/eventbus"
	"agenthub/internal/model"
)

// Store owns the on-disk state file and serializes all mutations to it
// through a single mutex, matching the hub's single-writer design.
type Store struct {
	path string
	bus  *eventbus.Bus

	mu      sync.Mutex
	current model.State
}

// Open loads (or seeds) the state file at path and returns a ready Store.
// A missing file is treated as a fresh install, not an error.
func Open(path string, bus *eventbus.Bus) (*Store, error) {
	s := &Store{path: path, bus: bus}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s.current = model.NewEmptyState()
		if err := s.writeLocked("initial_state"); err != nil {
			return nil, err
		}
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("CONFIG_ERROR: reading state file: %w", err)
	}

	var loaded model.State
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("CONFIG_ERROR: state file is not valid JSON: %w", err)
	}

	normalized, changed := Normalize(loaded)
	s.current = normalized
	if changed {
		if err := s.writeLocked("state_normalized"); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Load returns a deep-enough copy of the current state for read access.
// Maps are copied one level so callers cannot mutate the store's
// internal entries without going through Mutate.
func (s *Store) Load() model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.current)
}

// MutateFunc transforms a state snapshot into its replacement.
type MutateFunc func(model.State) (model.State, error)

// Mutate applies fn to the current state under the write lock, persists
// the result, and publishes a state_changed event tagged with reason.
// If fn returns an error the state file is left untouched.
func (s *Store) Mutate(ctx context.Context, reason string, fn MutateFunc) (model.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next, err := fn(cloneState(s.current))
	if err != nil {
		return model.State{}, err
	}
	normalized, _ := Normalize(next)
	s.current = normalized

	if err := s.writeLocked(reason); err != nil {
		return model.State{}, err
	}
	return cloneState(s.current), nil
}

// writeLocked persists s.current to disk via temp-file-then-rename and
// publishes a state_changed event. Caller must hold s.mu.
func (s *Store) writeLocked(reason string) error {
	raw, err := json.MarshalIndent(s.current, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp state file: %w", err)
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.KindStateChanged, map[string]interface{}{
			"reason": reason,
			"at":     time.Now(),
		})
	}
	return nil
}

func cloneState(in model.State) model.State {
	out := in
	out.Projects = make(map[string]model.Project, len(in.Projects))
	for k, v := range in.Projects {
		vv := v
		vv.DefaultROMounts = append([]string(nil), v.DefaultROMounts...)
		vv.DefaultRWMounts = append([]string(nil), v.DefaultRWMounts...)
		vv.DefaultEnvVars = append([]string(nil), v.DefaultEnvVars...)
		vv.CredentialBinding.CredentialIDs = append([]string(nil), v.CredentialBinding.CredentialIDs...)
		out.Projects[k] = vv
	}
	out.Chats = make(map[string]model.Chat, len(in.Chats))
	for k, v := range in.Chats {
		vv := v
		vv.ROMounts = append([]string(nil), v.ROMounts...)
		vv.RWMounts = append([]string(nil), v.RWMounts...)
		vv.EnvVars = append([]string(nil), v.EnvVars...)
		vv.AgentArgs = append([]string(nil), v.AgentArgs...)
		vv.TitleUserPrompts = append([]string(nil), v.TitleUserPrompts...)
		vv.Artifacts = append([]model.Artifact(nil), v.Artifacts...)
		vv.ArtifactCurrentIDs = append([]string(nil), v.ArtifactCurrentIDs...)
		vv.ArtifactPromptHistory = append([]model.PromptArtifactHistoryEntry(nil), v.ArtifactPromptHistory...)
		out.Chats[k] = vv
	}
	return out
}

package credentials

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agenthub/internal/git"
	"agenthub/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	s, err := NewStore(dir)
	require.NoError(t, err)
	return s
}

func TestAddPATDedupesExactTuple(t *testing.T) {
	s := newTestStore(t)
	id1, err := s.AddPAT(model.ProviderGitHub, "github.com", "https", "alice", "tok123", "a@example.com")
	require.NoError(t, err)
	id2, err := s.AddPAT(model.ProviderGitHub, "github.com", "https", "alice", "tok123", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.Len(t, s.Catalog(), 1)
}

func TestCatalogIncludesAllProviders(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddPAT(model.ProviderGitHub, "github.com", "https", "alice", "tok1", "")
	require.NoError(t, err)
	_, err = s.AddPAT(model.ProviderGitLab, "gitlab.com", "https", "bob", "tok2", "")
	require.NoError(t, err)

	cat := s.Catalog()
	assert.Len(t, cat, 2)
}

func TestResolveSetModePreservesOrderAndFiltersMissing(t *testing.T) {
	s := newTestStore(t)
	id1, _ := s.AddPAT(model.ProviderGitHub, "github.com", "https", "alice", "tok1", "")
	id2, _ := s.AddPAT(model.ProviderGitHub, "github.com", "https", "bob", "tok2", "")

	b := NewBroker(s, &git.MockGitClient{}, t.TempDir())
	cands, err := b.Resolve(context.Background(), "https://github.com/org/repo.git", model.CredentialBinding{
		Mode:          model.BindingSet,
		CredentialIDs: []string{id2, "nonexistent", id1},
	})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, id2, cands[0].CredentialID)
	assert.Equal(t, id1, cands[1].CredentialID)
}

func TestResolveAllModeFiltersByHost(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddPAT(model.ProviderGitHub, "github.com", "https", "alice", "tok1", "")
	_, _ = s.AddPAT(model.ProviderGitLab, "gitlab.com", "https", "bob", "tok2", "")

	b := NewBroker(s, &git.MockGitClient{}, t.TempDir())
	cands, err := b.Resolve(context.Background(), "https://github.com/org/repo.git", model.CredentialBinding{Mode: model.BindingAll})
	require.NoError(t, err)
	require.Len(t, cands, 1)
}

func TestResolveAutoRanksVerifiedFirst(t *testing.T) {
	s := newTestStore(t)
	goodID, _ := s.AddPAT(model.ProviderGitHub, "github.com", "https", "good", "tokgood", "")
	badID, _ := s.AddPAT(model.ProviderGitHub, "github.com", "https", "bad", "tokbad", "")

	mg := &git.MockGitClient{
		LsRemoteProbeFunc: func(ctx context.Context, repoURL string, env []string) (bool, error) {
			return credentialFileContains(env, "good"), nil
		},
	}
	b := NewBroker(s, mg, t.TempDir())
	cands, err := b.Resolve(context.Background(), "https://github.com/org/repo.git", model.CredentialBinding{Mode: model.BindingAuto})
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, goodID, cands[0].CredentialID)
	assert.True(t, cands[0].Verified)
	assert.Equal(t, badID, cands[1].CredentialID)
	assert.False(t, cands[1].Verified)
}

// credentialFileContains reads the credential-store file referenced by
// GIT_CONFIG_VALUE_0 (set by gitEnvFor) and checks whether needle appears
// in its contents, letting the probe stub distinguish between the
// "good" and "bad" materialized credentials in the test above.
func credentialFileContains(env []string, needle string) bool {
	const prefix = "GIT_CONFIG_VALUE_0=store --file="
	for _, e := range env {
		if len(e) > len(prefix) && e[:len(prefix)] == prefix {
			path := e[len(prefix):]
			data, err := os.ReadFile(path)
			if err != nil {
				return false
			}
			return strings.Contains(string(data), needle)
		}
	}
	return false
}

func TestResolveAutoFailsWhenNoneUsable(t *testing.T) {
	s := newTestStore(t)
	_, _ = s.AddPAT(model.ProviderGitHub, "github.com", "https", "alice", "tok1", "")

	mg := &git.MockGitClient{
		LsRemoteProbeFunc: func(ctx context.Context, repoURL string, env []string) (bool, error) {
			return false, nil
		},
	}
	b := NewBroker(s, mg, t.TempDir())
	cands, err := b.Resolve(context.Background(), "https://github.com/org/repo.git", model.CredentialBinding{Mode: model.BindingAuto})
	require.NoError(t, err)
	assert.Len(t, cands, 1)
	assert.False(t, cands[0].Verified)
}

func TestMaterializeWritesZeroModeFile(t *testing.T) {
	s := newTestStore(t)
	id, _ := s.AddPAT(model.ProviderGitHub, "github.com", "https", "alice", "s3cr3t", "")

	b := NewBroker(s, &git.MockGitClient{}, t.TempDir())
	_, err := b.Materialize(context.Background(), "build:p1", id)
	require.NoError(t, err)

	// gitEnvFor writes the real file; Materialize computes a separate
	// context-keyed path but both must exist writable under secretsDir.
	entries, err := os.ReadDir(filepath.Join(b.secretsDir, "credfiles"))
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	info, err := entries[0].Info()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

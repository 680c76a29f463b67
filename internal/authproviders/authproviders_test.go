package authproviders

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIAPIKeyAdapterConnectAndStatus(t *testing.T) {
	dir := t.TempDir()
	a := NewOpenAIAPIKeyAdapter("https://api.openai.com", filepath.Join(dir, "openai.env"))

	st, err := a.Connect("sk-abcdefghijklmnop")
	require.NoError(t, err)
	assert.True(t, st.Configured)
	assert.Contains(t, st.MaskedHint, "...")
	assert.Equal(t, "sk-abcdefghijklmnop", a.APIKey())
}

func TestOpenAIAPIKeyAdapterStatusWhenUnconfigured(t *testing.T) {
	dir := t.TempDir()
	a := NewOpenAIAPIKeyAdapter("", filepath.Join(dir, "openai.env"))
	st, err := a.Status()
	require.NoError(t, err)
	assert.False(t, st.Configured)
}

func TestOpenAIAPIKeyAdapterVerifyRejectsOn401(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	a := NewOpenAIAPIKeyAdapter(srv.URL, filepath.Join(t.TempDir(), "openai.env"))
	err := a.Verify(context.Background(), "bad-key")
	assert.Error(t, err)
}

func TestOpenAIAPIKeyAdapterVerifyAcceptsOn200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := NewOpenAIAPIKeyAdapter(srv.URL, filepath.Join(t.TempDir(), "openai.env"))
	err := a.Verify(context.Background(), "good-key")
	assert.NoError(t, err)
}

func TestHasRequiredGitLabScopes(t *testing.T) {
	assert.True(t, hasRequiredGitLabScopes("api, read_user"))
	assert.True(t, hasRequiredGitLabScopes("read_repository, write_repository"))
	assert.False(t, hasRequiredGitLabScopes("read_user"))
}

func TestNormalizeHostScheme(t *testing.T) {
	host, scheme := NormalizeHostScheme("GitHub.com", "")
	assert.Equal(t, "github.com", host)
	assert.Equal(t, "https", scheme)
}

func TestGitHubAppManifestStart(t *testing.T) {
	a := NewGitHubAppAdapter("", "")
	sess, err := a.StartManifest("sess-1", "http://localhost:8420")
	require.NoError(t, err)
	assert.Contains(t, sess.FormAction, sess.State)
	assert.NotEmpty(t, sess.Manifest)
}

func TestGitHubAppCallbackRejectsUnknownState(t *testing.T) {
	a := NewGitHubAppAdapter("", "")
	_, err := a.HandleCallback("never-started", "somecode")
	assert.Error(t, err)
}

// Package credentials implements the credential broker (C): a unified
// catalog of connected git credentials, a per-repository resolution
// algorithm, and ephemeral materialization of git-credential files for
// the build pipeline and workspace sync operations to consume.
package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
)

// Store persists one file per provider under a secrets directory:
// github_app.json (at most one installation), github_pats.json,
// gitlab_pats.json. Secret material never touches internal/state.
type Store struct {
	secretsDir string

	mu       sync.Mutex
	appInst  *githubAppInstallation
	ghPats   []patRecord
	glPats   []patRecord
}

type githubAppInstallation struct {
	InstallationID int64     `json:"installation_id"`
	AppID          int64     `json:"app_id"`
	Slug           string    `json:"slug"`
	PrivateKeyPEM  string    `json:"private_key_pem"`
	AccountLogin   string    `json:"account_login"`
	Host           string    `json:"host"`
	ConnectedAt    time.Time `json:"connected_at"`
}

type patRecord struct {
	TokenID      string    `json:"token_id"`
	Host         string    `json:"host"`
	Scheme       string    `json:"scheme"`
	Login        string    `json:"login"`
	Token        string    `json:"token"`
	Email        string    `json:"email,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// NewStore loads (or initializes) the provider secret files under dir.
func NewStore(dir string) (*Store, error) {
	s := &Store{secretsDir: dir}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, apierr.Config("creating secrets directory: %v", err)
	}
	if err := s.loadAppInstallation(); err != nil {
		return nil, err
	}
	if err := s.loadPats(ProviderGitHub, &s.ghPats); err != nil {
		return nil, err
	}
	if err := s.loadPats(ProviderGitLab, &s.glPats); err != nil {
		return nil, err
	}
	return s, nil
}

// Provider constants re-exported for callers that don't want to import
// model directly just for these.
const (
	ProviderGitHub = model.ProviderGitHub
	ProviderGitLab = model.ProviderGitLab
)

func (s *Store) appInstallationPath() string { return filepath.Join(s.secretsDir, "github_app.json") }
func (s *Store) patsPath(p model.Provider) string {
	return filepath.Join(s.secretsDir, string(p)+"_pats.json")
}

func (s *Store) loadAppInstallation() error {
	raw, err := os.ReadFile(s.appInstallationPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierr.Config("reading github app installation: %v", err)
	}
	var rec githubAppInstallation
	if err := json.Unmarshal(raw, &rec); err != nil {
		return apierr.Config("github app installation file is corrupt: %v", err)
	}
	s.appInst = &rec
	return nil
}

func (s *Store) loadPats(p model.Provider, dst *[]patRecord) error {
	raw, err := os.ReadFile(s.patsPath(p))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return apierr.Config("reading %s PAT store: %v", p, err)
	}
	var recs []patRecord
	if err := json.Unmarshal(raw, &recs); err != nil {
		return apierr.Config("%s PAT store is corrupt: %v", p, err)
	}
	*dst = recs
	return nil
}

func writeJSONAtomic(path string, v interface{}) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cred-*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	tmp.Close()
	if err := os.Chmod(name, 0o600); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// SaveGitHubAppInstallation persists a GitHub App installation record,
// replacing any stored one, and returns an error if it cannot be written.
func (s *Store) SaveGitHubAppInstallation(installationID, appID int64, slug, privateKeyPEM, accountLogin, host string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := githubAppInstallation{
		InstallationID: installationID,
		AppID:          appID,
		Slug:           slug,
		PrivateKeyPEM:  privateKeyPEM,
		AccountLogin:   accountLogin,
		Host:           host,
		ConnectedAt:    time.Now(),
	}
	if err := writeJSONAtomic(s.appInstallationPath(), rec); err != nil {
		return apierr.Config("persisting github app installation: %v", err)
	}
	s.appInst = &rec
	return nil
}

// AddPAT appends a personal access token, deduping exact
// (provider, host, login, token) tuples, and returns its assigned id.
func (s *Store) AddPAT(provider model.Provider, host, scheme, login, token, email string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := &s.ghPats
	if provider == model.ProviderGitLab {
		list = &s.glPats
	}
	for _, r := range *list {
		if r.Host == host && r.Login == login && r.Token == token {
			return r.TokenID, nil
		}
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", provider, host, login, token, time.Now().UnixNano())))
	tokenID := hex.EncodeToString(sum[:])[:16]
	rec := patRecord{
		TokenID:     tokenID,
		Host:        host,
		Scheme:      scheme,
		Login:       login,
		Token:       token,
		Email:       email,
		ConnectedAt: time.Now(),
	}
	*list = append(*list, rec)
	if err := writeJSONAtomic(s.patsPath(provider), *list); err != nil {
		return "", apierr.Config("persisting %s PAT: %v", provider, err)
	}
	return tokenID, nil
}

// RemovePAT deletes a personal access token by id, reporting whether it
// was found under provider's list.
func (s *Store) RemovePAT(provider model.Provider, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := &s.ghPats
	if provider == model.ProviderGitLab {
		list = &s.glPats
	}
	out := make([]patRecord, 0, len(*list))
	found := false
	for _, r := range *list {
		if r.TokenID == tokenID {
			found = true
			continue
		}
		out = append(out, r)
	}
	if !found {
		return false, nil
	}
	*list = out
	if err := writeJSONAtomic(s.patsPath(provider), *list); err != nil {
		return false, apierr.Config("persisting %s PAT removal: %v", provider, err)
	}
	return true, nil
}

// ClearGitHubAppInstallation removes the single stored GitHub App
// installation record, if any.
func (s *Store) ClearGitHubAppInstallation() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appInst == nil {
		return nil
	}
	if err := os.Remove(s.appInstallationPath()); err != nil && !os.IsNotExist(err) {
		return apierr.Config("removing github app installation file: %v", err)
	}
	s.appInst = nil
	return nil
}

// Catalog returns the unified, normalized list of connected credentials.
func (s *Store) Catalog() []model.CredentialRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.CredentialRecord
	if s.appInst != nil {
		out = append(out, model.CredentialRecord{
			CredentialID: fmt.Sprintf("github_app:%d", s.appInst.InstallationID),
			Kind:         model.CredentialGitHubAppInstallation,
			Provider:     model.ProviderGitHub,
			Host:         s.appInst.Host,
			Scheme:       "https",
			AccountLogin: s.appInst.AccountLogin,
			ConnectedAt:  s.appInst.ConnectedAt,
		})
	}
	for _, r := range s.ghPats {
		out = append(out, model.CredentialRecord{
			CredentialID: r.TokenID,
			Kind:         model.CredentialPersonalAccessToken,
			Provider:     model.ProviderGitHub,
			Host:         r.Host,
			Scheme:       r.Scheme,
			AccountLogin: r.Login,
			AccountEmail: r.Email,
			ConnectedAt:  r.ConnectedAt,
		})
	}
	for _, r := range s.glPats {
		out = append(out, model.CredentialRecord{
			CredentialID: r.TokenID,
			Kind:         model.CredentialPersonalAccessToken,
			Provider:     model.ProviderGitLab,
			Host:         r.Host,
			Scheme:       r.Scheme,
			AccountLogin: r.Login,
			AccountEmail: r.Email,
			ConnectedAt:  r.ConnectedAt,
		})
	}
	return out
}

// patSecretFor returns the stored PAT record (scheme, login, token) for
// a given credential_id, used during materialization. The secret for a
// GitHub App installation is obtained by the caller (Broker) via its
// installation-token cache, not here.
func (s *Store) patSecretFor(credentialID string) (patRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.ghPats {
		if r.TokenID == credentialID {
			return r, true
		}
	}
	for _, r := range s.glPats {
		if r.TokenID == credentialID {
			return r, true
		}
	}
	return patRecord{}, false
}

func (s *Store) appInstallation() (githubAppInstallation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appInst == nil {
		return githubAppInstallation{}, false
	}
	return *s.appInst, true
}

// GitHubAppCredentials exposes the stored app id and private key for
// callers (the settings HTTP surface) that need to re-list or reconnect
// installations directly against GitHubAppAdapter, without reaching into
// the broker's installation-token cache.
func (s *Store) GitHubAppCredentials() (appID int64, privateKeyPEM string, ok bool) {
	inst, ok := s.appInstallation()
	if !ok {
		return 0, "", false
	}
	return inst.AppID, inst.PrivateKeyPEM, true
}

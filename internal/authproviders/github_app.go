package authproviders

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"agenthub/internal/apierr"
	"agenthub/internal/githubjwt"
)

// GitHubAppAdapter implements the GitHub App manifest creation flow
// (§4.4): start a manifest session, handle GitHub's callback, and list
// / connect installations.
type GitHubAppAdapter struct {
	webBaseURL string
	apiBaseURL string
	httpClient *http.Client

	mu       sync.Mutex
	sessions map[string]string // state nonce -> session id
}

func NewGitHubAppAdapter(webBaseURL, apiBaseURL string) *GitHubAppAdapter {
	if webBaseURL == "" {
		webBaseURL = "https://github.com"
	}
	if apiBaseURL == "" {
		apiBaseURL = "https://api.github.com"
	}
	return &GitHubAppAdapter{
		webBaseURL: webBaseURL,
		apiBaseURL: apiBaseURL,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		sessions:   map[string]string{},
	}
}

// ManifestSession is the result of starting a manifest flow.
type ManifestSession struct {
	SessionID  string
	FormAction string
	State      string
	Manifest   string
}

// StartManifest creates a state nonce, registers the session, and
// returns the target form action the caller's HTML response should post
// the manifest JSON to.
func (a *GitHubAppAdapter) StartManifest(sessionID, hubPublicBaseURL string) (ManifestSession, error) {
	nonce, err := randomHex(16)
	if err != nil {
		return ManifestSession{}, apierr.Config("generating state nonce: %v", err)
	}

	a.mu.Lock()
	a.sessions[nonce] = sessionID
	a.mu.Unlock()

	manifest := map[string]interface{}{
		"name": "Agent Hub",
		"url":  hubPublicBaseURL,
		"hook_attributes": map[string]interface{}{
			"url":    hubPublicBaseURL + "/api/settings/auth/github-app/webhook",
			"active": false,
		},
		"redirect_url":             hubPublicBaseURL + "/api/settings/auth/github-app/setup/callback",
		"public":                   false,
		"default_permissions":      map[string]string{"contents": "write", "metadata": "read"},
		"default_events":           []string{},
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return ManifestSession{}, err
	}

	formAction := fmt.Sprintf("%s/settings/apps/new?state=%s", a.webBaseURL, url.QueryEscape(nonce))
	return ManifestSession{
		SessionID:  sessionID,
		FormAction: formAction,
		State:      nonce,
		Manifest:   string(manifestJSON),
	}, nil
}

// ManifestInstallation is the normalized result of a completed manifest
// conversion.
type ManifestInstallation struct {
	AppID         int64  `json:"id"`
	Slug          string `json:"slug"`
	PrivateKeyPEM string `json:"pem"`
	HTMLURL       string `json:"html_url"`
}

// HandleCallback verifies the state nonce in constant time, exchanges
// the manifest conversion code, and returns the normalized app record.
func (a *GitHubAppAdapter) HandleCallback(state, code string) (ManifestInstallation, error) {
	a.mu.Lock()
	matched := ""
	for nonce := range a.sessions {
		if subtle.ConstantTimeCompare([]byte(nonce), []byte(state)) == 1 {
			matched = nonce
			break
		}
	}
	if matched != "" {
		delete(a.sessions, matched)
	}
	a.mu.Unlock()
	if matched == "" {
		return ManifestInstallation{}, apierr.BadRequest("unknown or expired github app manifest state")
	}

	reqURL := fmt.Sprintf("%s/app-manifests/%s/conversions", a.apiBaseURL, url.PathEscape(code))
	req, err := http.NewRequest(http.MethodPost, reqURL, nil)
	if err != nil {
		return ManifestInstallation{}, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return ManifestInstallation{}, apierr.Upstream(http.StatusBadGateway, err, "github manifest conversion request failed")
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return ManifestInstallation{}, apierr.Upstream(resp.StatusCode, nil, "github manifest conversion returned %d: %s", resp.StatusCode, string(body))
	}

	var inst ManifestInstallation
	if err := json.Unmarshal(body, &inst); err != nil {
		return ManifestInstallation{}, apierr.Upstream(http.StatusBadGateway, err, "decoding github manifest conversion response")
	}
	return inst, nil
}

// Installation is a listed GitHub App installation.
type Installation struct {
	ID      int64  `json:"id"`
	Account struct {
		Login string `json:"login"`
	} `json:"account"`
}

// ListInstallations calls GET /app/installations with a freshly signed
// JWT (9-minute lifetime, 30-second clock skew allowance).
func (a *GitHubAppAdapter) ListInstallations(appID int64, privateKeyPEM string) ([]Installation, error) {
	jwt, err := githubjwt.Sign(appID, privateKeyPEM)
	if err != nil {
		return nil, apierr.Config("signing github app jwt: %v", err)
	}

	req, err := http.NewRequest(http.MethodGet, a.apiBaseURL+"/app/installations", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, apierr.Upstream(http.StatusBadGateway, err, "listing github app installations")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, apierr.Upstream(resp.StatusCode, nil, "github installations list returned %d", resp.StatusCode)
	}

	var out []Installation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apierr.Upstream(http.StatusBadGateway, err, "decoding github installations list")
	}
	return out, nil
}

// ConnectInstallation fetches GET /app/installations/{id} to confirm it
// still exists, returning a small persistable record.
func (a *GitHubAppAdapter) ConnectInstallation(appID int64, privateKeyPEM string, installationID int64) (Installation, error) {
	jwt, err := githubjwt.Sign(appID, privateKeyPEM)
	if err != nil {
		return Installation{}, apierr.Config("signing github app jwt: %v", err)
	}

	reqURL := fmt.Sprintf("%s/app/installations/%d", a.apiBaseURL, installationID)
	req, err := http.NewRequest(http.MethodGet, reqURL, nil)
	if err != nil {
		return Installation{}, err
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Installation{}, apierr.Upstream(http.StatusBadGateway, err, "connecting github app installation")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return Installation{}, apierr.Upstream(resp.StatusCode, nil, "github installation lookup returned %d", resp.StatusCode)
	}

	var inst Installation
	if err := json.NewDecoder(resp.Body).Decode(&inst); err != nil {
		return Installation{}, apierr.Upstream(http.StatusBadGateway, err, "decoding github installation lookup")
	}
	return inst, nil
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

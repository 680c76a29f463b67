// Package authproviders implements the auth provider adapters (D): the
// OpenAI API key and ChatGPT account backends, the GitHub App manifest
// flow, and GitHub/GitLab personal access tokens. Every adapter mutation
// is expected to flow through the caller's state store and emit
// auth_changed, which this package leaves to its callers rather than
// importing internal/state directly (adapters are pure verification +
// persistence-of-secret-material, not state-store clients).
package authproviders

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"agenthub/internal/apierr"
)

// OpenAIAPIKeyAdapter verifies and persists an OpenAI API key.
type OpenAIAPIKeyAdapter struct {
	baseURL    string
	httpClient *http.Client
	secretPath string
}

func NewOpenAIAPIKeyAdapter(baseURL, secretPath string) *OpenAIAPIKeyAdapter {
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	return &OpenAIAPIKeyAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 8 * time.Second},
		secretPath: secretPath,
	}
}

// Verify probes GET /v1/models with the given key, returning nil if the
// key is accepted.
func (a *OpenAIAPIKeyAdapter) Verify(ctx context.Context, apiKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return apierr.Upstream(http.StatusBadGateway, err, "contacting OpenAI to verify API key")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return apierr.Upstream(resp.StatusCode, nil, "OpenAI rejected the API key")
	}
	if resp.StatusCode >= 400 {
		return apierr.Upstream(resp.StatusCode, nil, "OpenAI /v1/models returned %d", resp.StatusCode)
	}
	return nil
}

// Connect persists the key as a private env file and returns its status.
func (a *OpenAIAPIKeyAdapter) Connect(apiKey string) (Status, error) {
	if err := os.MkdirAll(filepath.Dir(a.secretPath), 0o700); err != nil {
		return Status{}, apierr.Config("creating openai secret directory: %v", err)
	}
	contents := fmt.Sprintf("OPENAI_API_KEY=%s\n", apiKey)
	if err := os.WriteFile(a.secretPath, []byte(contents), 0o600); err != nil {
		return Status{}, apierr.Config("writing openai secret file: %v", err)
	}
	return a.Status()
}

// Status reports a masked hint and the secret file's mtime, never the
// raw key.
type Status struct {
	Configured bool      `json:"configured"`
	MaskedHint string    `json:"masked_hint,omitempty"`
	UpdatedAt  time.Time `json:"updated_at,omitempty"`
}

func (a *OpenAIAPIKeyAdapter) Status() (Status, error) {
	info, err := os.Stat(a.secretPath)
	if os.IsNotExist(err) {
		return Status{Configured: false}, nil
	}
	if err != nil {
		return Status{}, err
	}
	raw, err := os.ReadFile(a.secretPath)
	if err != nil {
		return Status{}, err
	}
	key := parseAPIKey(string(raw))
	return Status{
		Configured: key != "",
		MaskedHint: maskKey(key),
		UpdatedAt:  info.ModTime(),
	}, nil
}

// APIKey returns the stored raw key for internal use (e.g. the title
// generator's API-key-mode backend), or "" if none is configured.
func (a *OpenAIAPIKeyAdapter) APIKey() string {
	raw, err := os.ReadFile(a.secretPath)
	if err != nil {
		return ""
	}
	return parseAPIKey(string(raw))
}

func parseAPIKey(contents string) string {
	const prefix = "OPENAI_API_KEY="
	for _, line := range splitLines(contents) {
		if len(line) > len(prefix) && line[:len(prefix)] == prefix {
			return line[len(prefix):]
		}
	}
	return ""
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:3] + "..." + key[len(key)-4:]
}

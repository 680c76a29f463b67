package authproviders

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
)

// PATAdapter verifies and normalizes GitHub/GitLab personal access
// tokens before they are handed to the credential store.
type PATAdapter struct {
	httpClient *http.Client
}

func NewPATAdapter() *PATAdapter {
	return &PATAdapter{httpClient: &http.Client{Timeout: 8 * time.Second}}
}

// NormalizeHostScheme lowercases the host and defaults an empty scheme
// to https, matching how the credential catalog compares entries.
func NormalizeHostScheme(host, scheme string) (string, string) {
	host = strings.ToLower(strings.TrimSpace(host))
	if scheme == "" {
		scheme = "https"
	}
	return host, scheme
}

// VerifiedIdentity is the normalized account identity a PAT verification
// returns.
type VerifiedIdentity struct {
	Login string
	Email string
	Name  string
}

// Verify probes the token against GitHub first (unless host hints
// GitLab), falling back to the other provider, per §4.4.
func (a *PATAdapter) Verify(ctx context.Context, host, scheme, token string) (model.Provider, VerifiedIdentity, error) {
	gitlabHinted := strings.Contains(host, "gitlab")

	order := []model.Provider{model.ProviderGitHub, model.ProviderGitLab}
	if gitlabHinted {
		order = []model.Provider{model.ProviderGitLab, model.ProviderGitHub}
	}

	var lastErr error
	for _, p := range order {
		identity, err := a.verifyOne(ctx, p, scheme, token)
		if err == nil {
			return p, identity, nil
		}
		lastErr = err
	}
	return "", VerifiedIdentity{}, lastErr
}

func (a *PATAdapter) verifyOne(ctx context.Context, provider model.Provider, scheme, token string) (VerifiedIdentity, error) {
	var url, authHeader string
	switch provider {
	case model.ProviderGitHub:
		url = fmt.Sprintf("%s://api.github.com/user", scheme)
		authHeader = "Bearer " + token
	case model.ProviderGitLab:
		url = fmt.Sprintf("%s://gitlab.com/api/v4/user", scheme)
		authHeader = "Bearer " + token
	default:
		return VerifiedIdentity{}, fmt.Errorf("unknown provider %s", provider)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return VerifiedIdentity{}, err
	}
	req.Header.Set("Authorization", authHeader)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return VerifiedIdentity{}, apierr.Upstream(http.StatusBadGateway, err, "%s token verification request failed", provider)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return VerifiedIdentity{}, apierr.CredentialResolution(http.StatusUnauthorized, "%s rejected the token", provider)
	}
	if resp.StatusCode >= 400 {
		return VerifiedIdentity{}, apierr.Upstream(resp.StatusCode, nil, "%s /user returned %d", provider, resp.StatusCode)
	}

	if provider == model.ProviderGitLab {
		scopes := resp.Header.Get("X-OAuth-Scopes")
		if scopes != "" && !hasRequiredGitLabScopes(scopes) {
			granted := "," + strings.ReplaceAll(scopes, " ", "") + ","
			var missing []string
			for _, want := range []string{"read_repository", "write_repository"} {
				if !strings.Contains(granted, ","+want+",") {
					missing = append(missing, want)
				}
			}
			return VerifiedIdentity{}, apierr.BadRequest("gitlab token is missing required scope(s): %s", strings.Join(missing, ", "))
		}
	}

	var body struct {
		Login string `json:"login"`
		Email string `json:"email"`
		Name  string `json:"name"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return VerifiedIdentity{}, apierr.Upstream(http.StatusBadGateway, err, "decoding %s /user response", provider)
	}

	login := body.Login
	if login == "" {
		login = body.Username
	}
	return VerifiedIdentity{Login: login, Email: body.Email, Name: body.Name}, nil
}

func hasRequiredGitLabScopes(scopeHeader string) bool {
	scopes := map[string]bool{}
	for _, s := range strings.Split(scopeHeader, ",") {
		scopes[strings.TrimSpace(s)] = true
	}
	if scopes["api"] {
		return true
	}
	return scopes["read_repository"] && scopes["write_repository"]
}

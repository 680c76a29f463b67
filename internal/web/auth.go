package web

import (
	"net/http"
	"sync"

	"github.com/google/uuid"

	"agenthub/internal/apierr"
	"agenthub/internal/authproviders"
	"agenthub/internal/eventbus"
	"agenthub/internal/model"
)

// pendingGitHubApp holds the at-most-one GitHub App manifest conversion
// result awaiting an installation pick, per the credential store's
// single-installation limit.
var (
	pendingGitHubAppMu sync.Mutex
	pendingGitHubApp   *authproviders.ManifestInstallation
)

func (s *Server) registerAuthRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/settings/auth", s.handleAuthStatus)

	mux.HandleFunc("POST /api/settings/auth/openai/connect", s.handleOpenAIConnect)
	mux.HandleFunc("POST /api/settings/auth/openai/disconnect", s.handleOpenAIDisconnect)
	mux.HandleFunc("POST /api/settings/auth/openai/title-test", s.handleOpenAITitleTest)

	mux.HandleFunc("POST /api/settings/auth/openai/account/start", s.handleChatGPTAccountStart)
	mux.HandleFunc("POST /api/settings/auth/openai/account/cancel", s.handleChatGPTAccountCancel)
	mux.HandleFunc("POST /api/settings/auth/openai/account/session", s.handleChatGPTAccountSession)
	mux.HandleFunc("POST /api/settings/auth/openai/account/callback", s.handleChatGPTAccountCallback)

	mux.HandleFunc("POST /api/settings/auth/github-app/setup/start", s.handleGitHubAppSetupStart)
	mux.HandleFunc("POST /api/settings/auth/github-app/setup/session", s.handleGitHubAppSetupSession)
	mux.HandleFunc("POST /api/settings/auth/github-app/setup/callback", s.handleGitHubAppSetupCallback)
	mux.HandleFunc("POST /api/settings/auth/github-app/connect", s.handleGitHubAppConnect)
	mux.HandleFunc("POST /api/settings/auth/github-app/disconnect", s.handleGitHubAppDisconnect)
	mux.HandleFunc("POST /api/settings/auth/github-app/installations", s.handleGitHubAppInstallations)

	mux.HandleFunc("POST /api/settings/auth/github-tokens/connect", s.handleTokenConnect(model.ProviderGitHub))
	mux.HandleFunc("POST /api/settings/auth/github-tokens/disconnect", s.handleTokenDisconnect(model.ProviderGitHub))
	mux.HandleFunc("DELETE /api/settings/auth/github-tokens/{token_id}", s.handleTokenDelete(model.ProviderGitHub))
	mux.HandleFunc("POST /api/settings/auth/gitlab-tokens/connect", s.handleTokenConnect(model.ProviderGitLab))
	mux.HandleFunc("POST /api/settings/auth/gitlab-tokens/disconnect", s.handleTokenDisconnect(model.ProviderGitLab))
	mux.HandleFunc("DELETE /api/settings/auth/gitlab-tokens/{token_id}", s.handleTokenDelete(model.ProviderGitLab))
}

func (s *Server) publishAuthChanged() {
	if s.d.Bus != nil {
		s.d.Bus.Publish(eventbus.KindAuthChanged, nil)
	}
}

func (s *Server) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{}
	if s.d.CredStore != nil {
		status["credentials"] = s.d.CredStore.Catalog()
	}
	if s.d.OpenAIKey != nil {
		st, err := s.d.OpenAIKey.Status()
		if err == nil {
			status["openai_api_key"] = st
		}
	}
	if s.d.ChatGPTAcct != nil {
		status["openai_account_connected"] = s.d.ChatGPTAcct.Connected()
	}
	writeJSON(w, http.StatusOK, status)
}

type openAIConnectRequest struct {
	APIKey string `json:"api_key"`
}

func (s *Server) handleOpenAIConnect(w http.ResponseWriter, r *http.Request) {
	var req openAIConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.OpenAIKey == nil {
		writeError(w, apierr.Config("openai adapter is not wired"))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.d.OpenAIKey.Verify(ctx, req.APIKey); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.d.OpenAIKey.Connect(req.APIKey)
	if err != nil {
		writeError(w, err)
		return
	}
	s.publishAuthChanged()
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleOpenAIDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.d.OpenAIKey == nil {
		writeError(w, apierr.Config("openai adapter is not wired"))
		return
	}
	if _, err := s.d.OpenAIKey.Connect(""); err != nil {
		writeError(w, err)
		return
	}
	s.publishAuthChanged()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOpenAITitleTest(w http.ResponseWriter, r *http.Request) {
	if s.d.OpenAIKey == nil {
		writeError(w, apierr.Config("openai adapter is not wired"))
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	key := s.d.OpenAIKey.APIKey()
	if key == "" {
		writeError(w, apierr.Config("no openai api key is configured"))
		return
	}
	if err := s.d.OpenAIKey.Verify(ctx, key); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type chatGPTAccountStartRequest struct {
	DeviceAuth bool `json:"device_auth"`
}

func (s *Server) handleChatGPTAccountStart(w http.ResponseWriter, r *http.Request) {
	var req chatGPTAccountStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.ChatGPTAcct == nil {
		writeError(w, apierr.Config("chatgpt account adapter is not wired"))
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	sess, err := s.d.ChatGPTAcct.Start(ctx, uuid.NewString(), req.DeviceAuth)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, sess)
}

type chatGPTAccountSessionRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) handleChatGPTAccountSession(w http.ResponseWriter, r *http.Request) {
	var req chatGPTAccountSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.ChatGPTAcct == nil {
		writeError(w, apierr.Config("chatgpt account adapter is not wired"))
		return
	}
	sess, ok := s.d.ChatGPTAcct.Session(req.SessionID)
	if !ok {
		writeError(w, apierr.NotFound("login session %s not found", req.SessionID))
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleChatGPTAccountCancel(w http.ResponseWriter, r *http.Request) {
	var req chatGPTAccountSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.ChatGPTAcct == nil {
		writeError(w, apierr.Config("chatgpt account adapter is not wired"))
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.d.ChatGPTAcct.Cancel(ctx, req.SessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type chatGPTAccountCallbackRequest struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
}

// handleChatGPTAccountCallback relays a browser OAuth callback into the
// login container the session names, via the candidate-host relay.
func (s *Server) handleChatGPTAccountCallback(w http.ResponseWriter, r *http.Request) {
	var req chatGPTAccountCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.ChatGPTAcct == nil || s.d.Relay == nil {
		writeError(w, apierr.Config("chatgpt account relay is not wired"))
		return
	}
	sess, ok := s.d.ChatGPTAcct.Session(req.SessionID)
	if !ok {
		writeError(w, apierr.NotFound("login session %s not found", req.SessionID))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	result, err := s.d.Relay.Relay(ctx, sess.ContainerName, sess.CallbackPort, req.Path, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(result.StatusCode)
	w.Write(result.Body)
}

func (s *Server) handleGitHubAppSetupStart(w http.ResponseWriter, r *http.Request) {
	if s.d.GitHubApp == nil {
		writeError(w, apierr.Config("github app adapter is not wired"))
		return
	}
	ms, err := s.d.GitHubApp.StartManifest(uuid.NewString(), s.d.PublicBaseURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ms)
}

func (s *Server) handleGitHubAppSetupSession(w http.ResponseWriter, r *http.Request) {
	pendingGitHubAppMu.Lock()
	inst := pendingGitHubApp
	pendingGitHubAppMu.Unlock()
	if inst == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ready":    true,
		"app_id":   inst.AppID,
		"slug":     inst.Slug,
		"html_url": inst.HTMLURL,
	})
}

type gitHubAppCallbackRequest struct {
	State string `json:"state"`
	Code  string `json:"code"`
}

func (s *Server) handleGitHubAppSetupCallback(w http.ResponseWriter, r *http.Request) {
	var req gitHubAppCallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.GitHubApp == nil {
		writeError(w, apierr.Config("github app adapter is not wired"))
		return
	}
	inst, err := s.d.GitHubApp.HandleCallback(req.State, req.Code)
	if err != nil {
		writeError(w, err)
		return
	}

	pendingGitHubAppMu.Lock()
	pendingGitHubApp = &inst
	pendingGitHubAppMu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"app_id":   inst.AppID,
		"slug":     inst.Slug,
		"html_url": inst.HTMLURL,
	})
}

func (s *Server) handleGitHubAppInstallations(w http.ResponseWriter, r *http.Request) {
	if s.d.GitHubApp == nil {
		writeError(w, apierr.Config("github app adapter is not wired"))
		return
	}

	appID, privateKey, ok := s.pendingOrStoredAppCredentials()
	if !ok {
		writeError(w, apierr.Config("no github app is pending or connected"))
		return
	}
	installs, err := s.d.GitHubApp.ListInstallations(appID, privateKey)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, installs)
}

func (s *Server) pendingOrStoredAppCredentials() (int64, string, bool) {
	pendingGitHubAppMu.Lock()
	pending := pendingGitHubApp
	pendingGitHubAppMu.Unlock()
	if pending != nil {
		return pending.AppID, pending.PrivateKeyPEM, true
	}
	if s.d.CredStore != nil {
		return s.d.CredStore.GitHubAppCredentials()
	}
	return 0, "", false
}

type gitHubAppConnectRequest struct {
	InstallationID int64 `json:"installation_id"`
}

func (s *Server) handleGitHubAppConnect(w http.ResponseWriter, r *http.Request) {
	var req gitHubAppConnectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.GitHubApp == nil || s.d.CredStore == nil {
		writeError(w, apierr.Config("github app adapter is not wired"))
		return
	}

	appID, privateKey, ok := s.pendingOrStoredAppCredentials()
	if !ok {
		writeError(w, apierr.Config("no github app is pending or connected"))
		return
	}

	inst, err := s.d.GitHubApp.ConnectInstallation(appID, privateKey, req.InstallationID)
	if err != nil {
		writeError(w, err)
		return
	}

	pendingGitHubAppMu.Lock()
	pending := pendingGitHubApp
	slug := ""
	if pending != nil {
		slug = pending.Slug
	}
	pendingGitHubApp = nil
	pendingGitHubAppMu.Unlock()

	if err := s.d.CredStore.SaveGitHubAppInstallation(inst.ID, appID, slug, privateKey, inst.Account.Login, "github.com"); err != nil {
		writeError(w, err)
		return
	}
	s.publishAuthChanged()
	writeJSON(w, http.StatusOK, map[string]interface{}{"installation_id": inst.ID, "account_login": inst.Account.Login})
}

func (s *Server) handleGitHubAppDisconnect(w http.ResponseWriter, r *http.Request) {
	if s.d.CredStore == nil {
		writeError(w, apierr.Config("credential store is not wired"))
		return
	}
	if err := s.d.CredStore.ClearGitHubAppInstallation(); err != nil {
		writeError(w, err)
		return
	}
	s.publishAuthChanged()
	w.WriteHeader(http.StatusNoContent)
}

type tokenConnectRequest struct {
	Host   string `json:"host"`
	Scheme string `json:"scheme"`
	Token  string `json:"token"`
}

func (s *Server) handleTokenConnect(provider model.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenConnectRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if s.d.PAT == nil || s.d.CredStore == nil {
			writeError(w, apierr.Config("personal access token adapter is not wired"))
			return
		}
		host, scheme := authproviders.NormalizeHostScheme(req.Host, req.Scheme)

		ctx, cancel := requestContext(r)
		defer cancel()
		verifiedProvider, identity, err := s.d.PAT.Verify(ctx, host, scheme, req.Token)
		if err != nil {
			writeError(w, err)
			return
		}
		if verifiedProvider != provider {
			writeError(w, apierr.CredentialResolution(http.StatusBadRequest, "token verified against %s, not %s", verifiedProvider, provider))
			return
		}

		tokenID, err := s.d.CredStore.AddPAT(provider, host, scheme, identity.Login, req.Token, identity.Email)
		if err != nil {
			writeError(w, err)
			return
		}
		s.publishAuthChanged()
		writeJSON(w, http.StatusOK, map[string]interface{}{"token_id": tokenID, "login": identity.Login})
	}
}

func (s *Server) handleTokenDisconnect(provider model.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.d.CredStore == nil {
			writeError(w, apierr.Config("credential store is not wired"))
			return
		}
		for _, rec := range s.d.CredStore.Catalog() {
			if rec.Provider == provider && rec.Kind == model.CredentialPersonalAccessToken {
				s.d.CredStore.RemovePAT(provider, rec.CredentialID)
			}
		}
		s.publishAuthChanged()
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTokenDelete(provider model.Provider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenID := r.PathValue("token_id")
		if s.d.CredStore == nil {
			writeError(w, apierr.Config("credential store is not wired"))
			return
		}
		found, err := s.d.CredStore.RemovePAT(provider, tokenID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !found {
			writeError(w, apierr.NotFound("token %s not found", tokenID))
			return
		}
		s.publishAuthChanged()
		w.WriteHeader(http.StatusNoContent)
	}
}

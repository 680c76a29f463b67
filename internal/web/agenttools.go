package web

import (
	"net/http"
	"path/filepath"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
)

const agentToolsTokenHeader = "x-agent-hub-agent-tools-token"

func (s *Server) registerAgentToolsRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chats/{id}/agent-tools/credentials", s.requireChatToken(s.handleAgentToolsCredentials))
	mux.HandleFunc("POST /api/chats/{id}/agent-tools/credentials", s.requireChatToken(s.handleAgentToolsCredentials))
	mux.HandleFunc("POST /api/chats/{id}/agent-tools/project-binding", s.requireChatToken(s.handleAgentToolsProjectBinding))
	mux.HandleFunc("POST /api/chats/{id}/agent-tools/ack", s.requireChatToken(s.handleAgentToolsAck))
	mux.HandleFunc("POST /api/chats/{id}/agent-tools/artifacts/submit", s.requireChatToken(s.handleAgentToolsArtifactSubmit))

	mux.HandleFunc("GET /api/agent-tools/sessions/{sid}/credentials", s.requireSessionToken(s.handleSessionCredentials))
	mux.HandleFunc("POST /api/agent-tools/sessions/{sid}/ack", s.requireSessionToken(s.handleSessionAck))
	mux.HandleFunc("POST /api/agent-tools/sessions/{sid}/artifacts/submit", s.requireSessionToken(s.handleSessionArtifactSubmit))

	mux.HandleFunc("POST /api/internal/artifacts", s.handleInternalArtifacts)
	mux.HandleFunc("POST /api/internal/ready_ack", s.handleInternalReadyAck)
}

// requireChatToken wraps h so it only runs once the presented
// x-agent-hub-agent-tools-token header matches chat {id}'s current
// token, per §6's bearer-authenticated agent-facing routes.
func (s *Server) requireChatToken(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		presented := r.Header.Get(agentToolsTokenHeader)
		if s.d.Tokens == nil || !s.d.Tokens.ValidateAgentToolsToken(id, presented) {
			writeError(w, apierr.Wrap(apierr.CodeUnauthorized, http.StatusUnauthorized, nil, "invalid or missing agent tools token"))
			return
		}
		h(w, r)
	}
}

func (s *Server) requireSessionToken(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sid := r.PathValue("sid")
		presented := r.Header.Get(agentToolsTokenHeader)
		if s.d.Tokens == nil || !s.d.Tokens.ValidateSessionToken(sid, presented) {
			writeError(w, apierr.Wrap(apierr.CodeUnauthorized, http.StatusUnauthorized, nil, "invalid or missing agent tools token"))
			return
		}
		h(w, r)
	}
}

// handleAgentToolsCredentials re-materializes the chat's bound project
// credential on demand, so a long-running agent can recover from an
// expired installation token without the chat being restarted.
func (s *Server) handleAgentToolsCredentials(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := s.d.Store.Load()
	chat, ok := st.Chats[id]
	if !ok {
		writeError(w, apierr.NotFound("chat %s not found", id))
		return
	}
	proj, ok := st.Projects[chat.ProjectID]
	if !ok {
		writeError(w, apierr.NotFound("project %s not found", chat.ProjectID))
		return
	}
	if s.d.CredBroker == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"git_env": []string{}})
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	mat, err := s.d.CredBroker.Materialize(ctx, "chat:"+id, primaryCredentialID(proj))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"git_env":         mat.GitEnv,
		"credential_file": mat.CredentialFile,
	})
}

func primaryCredentialID(p model.Project) string {
	if len(p.CredentialBinding.CredentialIDs) > 0 {
		return p.CredentialBinding.CredentialIDs[0]
	}
	return ""
}

func (s *Server) handleAgentToolsProjectBinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := s.d.Store.Load()
	chat, ok := st.Chats[id]
	if !ok {
		writeError(w, apierr.NotFound("chat %s not found", id))
		return
	}
	proj, ok := st.Projects[chat.ProjectID]
	if !ok {
		writeError(w, apierr.NotFound("project %s not found", chat.ProjectID))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_id":         proj.ID,
		"repo_url":           proj.RepoURL,
		"default_branch":     proj.DefaultBranch,
		"credential_binding": proj.CredentialBinding,
	})
}

type agentAckRequest struct {
	GUID  string `json:"guid"`
	Stage string `json:"stage"`
}

func (s *Server) handleAgentToolsAck(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req agentAckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.d.Tokens.Ack(ctx, id, req.GUID, model.ReadyAckStage(req.Stage)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type agentArtifactSubmitRequest struct {
	RelativePath string `json:"relative_path"`
	Name         string `json:"name"`
}

func (s *Server) handleAgentToolsArtifactSubmit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req agentArtifactSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.Artifacts == nil {
		writeError(w, apierr.Config("artifact store is not wired"))
		return
	}

	st := s.d.Store.Load()
	chat, ok := st.Chats[id]
	if !ok {
		writeError(w, apierr.NotFound("chat %s not found", id))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()
	sourcePath := filepath.Join(chat.Workspace, req.RelativePath)
	art, err := s.d.Artifacts.Ingest(ctx, id, sourcePath, req.RelativePath, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleSessionCredentials(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	sess, ok := s.d.Tokens.Session(sid)
	if !ok {
		writeError(w, apierr.NotFound("session %s not found", sid))
		return
	}
	if s.d.CredBroker == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"git_env": []string{}})
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	credID := ""
	if len(sess.CredentialBinding.CredentialIDs) > 0 {
		credID = sess.CredentialBinding.CredentialIDs[0]
	}
	mat, err := s.d.CredBroker.Materialize(ctx, "session:"+sid, credID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"git_env":         mat.GitEnv,
		"credential_file": mat.CredentialFile,
	})
}

func (s *Server) handleSessionAck(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	var req agentAckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.d.Tokens.AckSession(sid, req.GUID, model.ReadyAckStage(req.Stage)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionArtifactSubmit(w http.ResponseWriter, r *http.Request) {
	sid := r.PathValue("sid")
	var req agentArtifactSubmitRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if s.d.SessionArtifacts == nil {
		writeError(w, apierr.Config("session artifact store is not wired"))
		return
	}
	sess, ok := s.d.Tokens.Session(sid)
	if !ok {
		writeError(w, apierr.NotFound("session %s not found", sid))
		return
	}
	sourcePath := filepath.Join(sess.Workspace, req.RelativePath)
	art, err := s.d.SessionArtifacts.Ingest(s.d.DataDir, sid, sourcePath, req.RelativePath, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

// internalArtifactRequest is the exact shape the embedded agent_tools
// MCP script posts from inside the container, authenticated via
// Authorization: Bearer rather than the agent-facing header.
type internalArtifactRequest struct {
	ProjectID    string `json:"project_id"`
	ChatID       string `json:"chat_id"`
	RelativePath string `json:"relative_path"`
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) > len(prefix) && h[:len(prefix)] == prefix {
		return h[len(prefix):]
	}
	return ""
}

func (s *Server) handleInternalArtifacts(w http.ResponseWriter, r *http.Request) {
	var req internalArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token := bearerToken(r)

	ctx, cancel := requestContext(r)
	defer cancel()

	if s.d.Tokens.ValidateAgentToolsToken(req.ChatID, token) {
		st := s.d.Store.Load()
		chat, ok := st.Chats[req.ChatID]
		if !ok {
			writeError(w, apierr.NotFound("chat %s not found", req.ChatID))
			return
		}
		sourcePath := filepath.Join(chat.Workspace, req.RelativePath)
		art, err := s.d.Artifacts.Ingest(ctx, req.ChatID, sourcePath, req.RelativePath, "")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, art)
		return
	}

	if s.d.Tokens.ValidateSessionToken(req.ChatID, token) {
		sess, ok := s.d.Tokens.Session(req.ChatID)
		if !ok {
			writeError(w, apierr.NotFound("session %s not found", req.ChatID))
			return
		}
		sourcePath := filepath.Join(sess.Workspace, req.RelativePath)
		art, err := s.d.SessionArtifacts.Ingest(s.d.DataDir, req.ChatID, sourcePath, req.RelativePath, "")
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, art)
		return
	}

	writeError(w, apierr.Wrap(apierr.CodeUnauthorized, http.StatusUnauthorized, nil, "invalid bearer token"))
}

type internalReadyAckRequest struct {
	ChatID string `json:"chat_id"`
	GUID   string `json:"guid"`
	Stage  string `json:"stage"`
}

func (s *Server) handleInternalReadyAck(w http.ResponseWriter, r *http.Request) {
	var req internalReadyAckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	token := bearerToken(r)
	stage := model.ReadyAckStage(req.Stage)

	ctx, cancel := requestContext(r)
	defer cancel()

	if s.d.Tokens.ValidateAgentToolsToken(req.ChatID, token) {
		if err := s.d.Tokens.Ack(ctx, req.ChatID, req.GUID, stage); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if s.d.Tokens.ValidateSessionToken(req.ChatID, token) {
		if err := s.d.Tokens.AckSession(req.ChatID, req.GUID, stage); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeError(w, apierr.Wrap(apierr.CodeUnauthorized, http.StatusUnauthorized, nil, "invalid bearer token"))
}

package web

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/apierr"
	"agenthub/internal/artifacts"
	"agenthub/internal/model"
)

func (s *Server) registerChatRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/chats", s.handleCreateChat)
	mux.HandleFunc("PATCH /api/chats/{id}", s.handlePatchChat)
	mux.HandleFunc("DELETE /api/chats/{id}", s.handleDeleteChat)
	mux.HandleFunc("POST /api/chats/{id}/start", s.handleStartChat)
	mux.HandleFunc("POST /api/chats/{id}/close", s.handleCloseChat)
	mux.HandleFunc("POST /api/chats/{id}/refresh-container", s.handleRefreshChatContainer)
	mux.HandleFunc("GET /api/chats/{id}/launch-profile", s.handleChatLaunchProfile)
	mux.HandleFunc("GET /api/chats/{id}/logs", s.handleChatLogs)
}

type createChatRequest struct {
	ProjectID string   `json:"project_id"`
	Name      string   `json:"name"`
	Profile   string   `json:"profile"`
	AgentType string   `json:"agent_type"`
	ROMounts  []string `json:"ro_mounts"`
	RWMounts  []string `json:"rw_mounts"`
	EnvVars   []string `json:"env_vars"`
	AgentArgs []string `json:"agent_args"`
}

// handleCreateChat creates a chat without starting it; starting is a
// separate POST .../start call, unlike the project-scoped
// chats/start route which creates and starts in one step.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := checkRequired(map[string]string{"project_id": req.ProjectID}); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	st := s.d.Store.Load()
	proj, ok := st.Projects[req.ProjectID]
	if !ok {
		writeError(w, apierr.NotFound("project %s not found", req.ProjectID))
		return
	}

	agentType := st.Settings.DefaultAgentType
	if req.AgentType != "" {
		at, valid := model.NormalizeAgentType(req.AgentType)
		if !valid {
			writeError(w, apierr.BadRequest("unrecognized agent_type %q", req.AgentType))
			return
		}
		agentType = at
	}

	now := time.Now()
	chat := model.Chat{
		ID:                     uuid.NewString(),
		ProjectID:              req.ProjectID,
		Name:                   req.Name,
		Profile:                req.Profile,
		ROMounts:               orEmpty(append(append([]string{}, proj.DefaultROMounts...), req.ROMounts...)),
		RWMounts:               orEmpty(append(append([]string{}, proj.DefaultRWMounts...), req.RWMounts...)),
		EnvVars:                orEmpty(append(append([]string{}, proj.DefaultEnvVars...), req.EnvVars...)),
		AgentArgs:              orEmpty(req.AgentArgs),
		AgentType:              agentType,
		Status:                 model.ChatStopped,
		LastStatusTransitionAt: now,
		SetupSnapshotImage:     proj.SetupSnapshotImage,
		CreatedAt:              now,
		UpdatedAt:              now,
	}

	_, err := s.d.Store.Mutate(ctx, "chat_created", func(st model.State) (model.State, error) {
		st.Chats[chat.ID] = chat
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

type patchChatRequest struct {
	Name      *string   `json:"name"`
	AgentArgs *[]string `json:"agent_args"`
	ROMounts  *[]string `json:"ro_mounts"`
	RWMounts  *[]string `json:"rw_mounts"`
	EnvVars   *[]string `json:"env_vars"`
}

func (s *Server) handlePatchChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch patchChatRequest
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	updated, err := s.d.Store.Mutate(ctx, "chat_updated", func(st model.State) (model.State, error) {
		c, ok := st.Chats[id]
		if !ok {
			return st, apierr.NotFound("chat %s not found", id)
		}
		if patch.Name != nil {
			c.Name = *patch.Name
		}
		if patch.AgentArgs != nil {
			c.AgentArgs = orEmpty(*patch.AgentArgs)
		}
		if patch.ROMounts != nil {
			c.ROMounts = orEmpty(*patch.ROMounts)
		}
		if patch.RWMounts != nil {
			c.RWMounts = orEmpty(*patch.RWMounts)
		}
		if patch.EnvVars != nil {
			c.EnvVars = orEmpty(*patch.EnvVars)
		}
		c.UpdatedAt = time.Now()
		st.Chats[id] = c
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Chats[id])
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := requestContext(r)
	defer cancel()

	if s.d.Chats != nil {
		s.d.Chats.Stop(ctx, id)
	}
	if s.d.Tokens != nil {
		s.d.Tokens.ClearForChat(ctx, id)
	}

	_, err := s.d.Store.Mutate(ctx, "chat_deleted", func(st model.State) (model.State, error) {
		if _, ok := st.Chats[id]; !ok {
			return st, apierr.NotFound("chat %s not found", id)
		}
		delete(st.Chats, id)
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if s.d.DataDir != "" {
		artifacts.DeleteChatArtifacts(s.d.DataDir, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.d.Chats == nil {
		writeError(w, apierr.Config("chat runtime is not wired"))
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()
	if err := s.d.Chats.Start(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Store.Load().Chats[id])
}

func (s *Server) handleCloseChat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := requestContext(r)
	defer cancel()

	if s.d.Chats != nil {
		if err := s.d.Chats.Stop(ctx, id); err != nil {
			writeError(w, err)
			return
		}
	}
	if s.d.Tokens != nil {
		s.d.Tokens.ClearForChat(ctx, id)
	}
	writeJSON(w, http.StatusOK, s.d.Store.Load().Chats[id])
}

// handleRefreshChatContainer stops and restarts a chat's process, used
// after the bound project's snapshot changes underneath a running chat.
func (s *Server) handleRefreshChatContainer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.d.Chats == nil {
		writeError(w, apierr.Config("chat runtime is not wired"))
		return
	}
	ctx, cancel := requestContext(r)
	defer cancel()

	s.d.Chats.Stop(ctx, id)
	if err := s.d.Chats.Start(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.d.Store.Load().Chats[id])
}

// handleChatLaunchProfile previews a chat's launch argv without issuing
// a fresh agent_tools token or rewriting its runtime config on disk, per
// the same side-effect-free preview contract as the project launch
// profile: CompileChatLaunch rotates live tokens, so a GET never calls
// it directly.
func (s *Server) handleChatLaunchProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := s.d.Store.Load()
	chat, ok := st.Chats[id]
	if !ok {
		writeError(w, apierr.NotFound("chat %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_type":  chat.AgentType,
		"profile":     chat.Profile,
		"ro_mounts":   chat.ROMounts,
		"rw_mounts":   chat.RWMounts,
		"env_vars":    chat.EnvVars,
		"agent_args":  chat.AgentArgs,
		"snapshot":    chat.SetupSnapshotImage,
		"workspace":   chat.ContainerWorkspace,
	})
}

// handleChatLogs reads the chat's persisted log file directly from disk;
// chat logs aren't index-backed like build logs, since chatruntime
// already writes one append-only file per chat for this purpose.
func (s *Server) handleChatLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.d.ChatLogRoot == "" {
		writeError(w, apierr.Config("chat log root is not configured"))
		return
	}
	path := fmt.Sprintf("%s/%s.log", s.d.ChatLogRoot, id)
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"text": ""})
		return
	}
	if err != nil {
		writeError(w, apierr.Config("reading chat log: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"text": string(raw)})
}

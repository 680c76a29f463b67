package web

import (
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/apierr"
	"agenthub/internal/autoconfig"
	"agenthub/internal/eventbus"
	"agenthub/internal/model"
)

func (s *Server) registerProjectRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/projects", s.handleCreateProject)
	mux.HandleFunc("PATCH /api/projects/{id}", s.handlePatchProject)
	mux.HandleFunc("DELETE /api/projects/{id}", s.handleDeleteProject)
	mux.HandleFunc("POST /api/projects/{id}/build/cancel", s.handleCancelBuild)
	mux.HandleFunc("GET /api/projects/{id}/build-logs", s.handleBuildLogs)
	mux.HandleFunc("GET /api/projects/{id}/launch-profile", s.handleProjectLaunchProfile)
	mux.HandleFunc("POST /api/projects/{id}/chats/start", s.handleStartProjectChat)
	mux.HandleFunc("GET /api/projects/{id}/credential-binding", s.handleGetCredentialBinding)
	mux.HandleFunc("POST /api/projects/{id}/credential-binding", s.handleSetCredentialBinding)
	mux.HandleFunc("POST /api/projects/auto-configure", s.handleAutoConfigure)
	mux.HandleFunc("POST /api/projects/auto-configure/cancel", s.handleCancelAutoConfigure)
}

type createProjectRequest struct {
	Name              string                  `json:"name"`
	RepoURL           string                  `json:"repo_url"`
	DefaultBranch     string                  `json:"default_branch"`
	SetupScript       string                  `json:"setup_script"`
	BaseImageMode     string                  `json:"base_image_mode"`
	BaseImageValue    string                  `json:"base_image_value"`
	DefaultROMounts   []string                `json:"default_ro_mounts"`
	DefaultRWMounts   []string                `json:"default_rw_mounts"`
	DefaultEnvVars    []string                `json:"default_env_vars"`
	CredentialBinding *model.CredentialBinding `json:"credential_binding"`
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := checkRequired(map[string]string{"name": req.Name, "repo_url": req.RepoURL}); err != nil {
		writeError(w, err)
		return
	}

	mode := model.NormalizeBaseImageMode(req.BaseImageMode)
	binding := model.CredentialBinding{Mode: model.BindingAuto}
	if req.CredentialBinding != nil {
		binding = *req.CredentialBinding
		binding.Mode = model.NormalizeBindingMode(string(binding.Mode))
	}

	now := time.Now()
	proj := model.Project{
		ID:                uuid.NewString(),
		Name:              req.Name,
		RepoURL:           req.RepoURL,
		DefaultBranch:     req.DefaultBranch,
		SetupScript:       req.SetupScript,
		BaseImageMode:     mode,
		BaseImageValue:    req.BaseImageValue,
		DefaultROMounts:   orEmpty(req.DefaultROMounts),
		DefaultRWMounts:   orEmpty(req.DefaultRWMounts),
		DefaultEnvVars:    orEmpty(req.DefaultEnvVars),
		CredentialBinding: binding,
		BuildStatus:       model.BuildPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	_, err := s.d.Store.Mutate(ctx, "project_created", func(st model.State) (model.State, error) {
		st.Projects[proj.ID] = proj
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if s.d.Builds != nil {
		s.d.Builds.Enqueue(proj.ID)
	}
	writeJSON(w, http.StatusCreated, proj)
}

type patchProjectRequest struct {
	Name            *string   `json:"name"`
	DefaultBranch   *string   `json:"default_branch"`
	SetupScript     *string   `json:"setup_script"`
	BaseImageMode   *string   `json:"base_image_mode"`
	BaseImageValue  *string   `json:"base_image_value"`
	DefaultROMounts *[]string `json:"default_ro_mounts"`
	DefaultRWMounts *[]string `json:"default_rw_mounts"`
	DefaultEnvVars  *[]string `json:"default_env_vars"`
}

func (s *Server) handlePatchProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var patch patchProjectRequest
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	fingerprintRelevant := false
	updated, err := s.d.Store.Mutate(ctx, "project_updated", func(st model.State) (model.State, error) {
		p, ok := st.Projects[id]
		if !ok {
			return st, apierr.NotFound("project %s not found", id)
		}
		if patch.Name != nil {
			p.Name = *patch.Name
		}
		if patch.DefaultBranch != nil {
			p.DefaultBranch = *patch.DefaultBranch
			fingerprintRelevant = true
		}
		if patch.SetupScript != nil {
			p.SetupScript = *patch.SetupScript
			fingerprintRelevant = true
		}
		if patch.BaseImageMode != nil {
			p.BaseImageMode = model.NormalizeBaseImageMode(*patch.BaseImageMode)
			fingerprintRelevant = true
		}
		if patch.BaseImageValue != nil {
			p.BaseImageValue = *patch.BaseImageValue
			fingerprintRelevant = true
		}
		if patch.DefaultROMounts != nil {
			p.DefaultROMounts = orEmpty(*patch.DefaultROMounts)
			fingerprintRelevant = true
		}
		if patch.DefaultRWMounts != nil {
			p.DefaultRWMounts = orEmpty(*patch.DefaultRWMounts)
			fingerprintRelevant = true
		}
		if patch.DefaultEnvVars != nil {
			p.DefaultEnvVars = orEmpty(*patch.DefaultEnvVars)
			fingerprintRelevant = true
		}
		p.UpdatedAt = time.Now()
		st.Projects[id] = p
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if fingerprintRelevant && s.d.Builds != nil {
		s.d.Builds.Enqueue(id)
	}
	writeJSON(w, http.StatusOK, updated.Projects[id])
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx, cancel := requestContext(r)
	defer cancel()

	if s.d.Builds != nil {
		s.d.Builds.Cancel(id)
	}

	_, err := s.d.Store.Mutate(ctx, "project_deleted", func(st model.State) (model.State, error) {
		if _, ok := st.Projects[id]; !ok {
			return st, apierr.NotFound("project %s not found", id)
		}
		delete(st.Projects, id)
		for chatID, c := range st.Chats {
			if c.ProjectID == id {
				delete(st.Chats, chatID)
			}
		}
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}

	if s.d.WorkRoot != "" {
		os.RemoveAll(filepath.Join(s.d.WorkRoot, id))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.d.Builds == nil {
		writeError(w, apierr.Config("build pipeline is not wired"))
		return
	}
	s.d.Builds.Cancel(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleBuildLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.d.Index == nil {
		writeError(w, apierr.Config("build log index is not wired"))
		return
	}

	offset := 0
	limit := 500
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	lines, total, err := s.d.Index.BuildLogLines(ctx, id, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"lines":  lines,
		"total":  total,
		"offset": offset,
		"limit":  limit,
	})
}

// handleProjectLaunchProfile previews the docker argv a snapshot build
// would compile for this project, without issuing any tokens or writing
// runtime config to disk: unlike CompileChatLaunch, CompileSnapshotBuild
// mints no tokens. It does write the synthesized Dockerfile into the
// project workspace, the same file a snapshot build writes.
func (s *Server) handleProjectLaunchProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := s.d.Store.Load()
	p, ok := st.Projects[id]
	if !ok {
		writeError(w, apierr.NotFound("project %s not found", id))
		return
	}
	if s.d.Launch == nil {
		writeError(w, apierr.Config("launch compiler is not wired"))
		return
	}
	argv := s.d.Launch.CompileSnapshotBuild(p, nil, "")
	writeJSON(w, http.StatusOK, map[string]interface{}{"argv": argv})
}

type startProjectChatRequest struct {
	Name      string   `json:"name"`
	Profile   string   `json:"profile"`
	AgentType string   `json:"agent_type"`
	ROMounts  []string `json:"ro_mounts"`
	RWMounts  []string `json:"rw_mounts"`
	EnvVars   []string `json:"env_vars"`
	AgentArgs []string `json:"agent_args"`
}

func (s *Server) handleStartProjectChat(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	var req startProjectChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	st := s.d.Store.Load()
	proj, ok := st.Projects[projectID]
	if !ok {
		writeError(w, apierr.NotFound("project %s not found", projectID))
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
		ProjectID:              projectID,
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

	if s.d.Chats != nil {
		if err := s.d.Chats.Start(ctx, chat.ID); err != nil {
			writeError(w, err)
			return
		}
	}

	final := s.d.Store.Load().Chats[chat.ID]
	writeJSON(w, http.StatusCreated, final)
}

func (s *Server) handleGetCredentialBinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := s.d.Store.Load()
	p, ok := st.Projects[id]
	if !ok {
		writeError(w, apierr.NotFound("project %s not found", id))
		return
	}

	resp := map[string]interface{}{"binding": p.CredentialBinding}
	if s.d.CredBroker != nil {
		ctx, cancel := requestContext(r)
		defer cancel()
		candidates, err := s.d.CredBroker.Resolve(ctx, p.RepoURL, p.CredentialBinding)
		if err != nil {
			writeError(w, err)
			return
		}
		resp["candidates"] = candidates
	}
	writeJSON(w, http.StatusOK, resp)
}

type setCredentialBindingRequest struct {
	Mode          string   `json:"mode"`
	Source        string   `json:"source"`
	CredentialIDs []string `json:"credential_ids"`
}

func (s *Server) handleSetCredentialBinding(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req setCredentialBindingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	binding := model.CredentialBinding{
		Mode:          model.NormalizeBindingMode(req.Mode),
		Source:        req.Source,
		CredentialIDs: req.CredentialIDs,
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	updated, err := s.d.Store.Mutate(ctx, "project_credential_binding_updated", func(st model.State) (model.State, error) {
		p, ok := st.Projects[id]
		if !ok {
			return st, apierr.NotFound("project %s not found", id)
		}
		p.CredentialBinding = binding
		p.UpdatedAt = time.Now()
		st.Projects[id] = p
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Projects[id].CredentialBinding)
}

type autoConfigureRequest struct {
	ProjectID string `json:"project_id"`
	RepoURL   string `json:"repo_url"`
}

// handleAutoConfigure dispatches the analysis pass in a goroutine since
// Worker.Run clones a repo and runs a full container pass synchronously;
// the caller gets a request id back immediately and watches progress
// over the auto_config_log event stream, the same fire-and-return shape
// buildpipeline.Enqueue uses for builds.
func (s *Server) handleAutoConfigure(w http.ResponseWriter, r *http.Request) {
	var req autoConfigureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RepoURL == "" {
		writeError(w, apierr.BadRequest("repo_url is required"))
		return
	}
	if s.d.AutoConfig == nil {
		writeError(w, apierr.Config("auto-configure worker is not wired"))
		return
	}

	binding := model.CredentialBinding{Mode: model.BindingAuto}
	var credEnv []string
	if s.d.CredBroker != nil {
		ctx, cancel := requestContext(r)
		candidates, err := s.d.CredBroker.Resolve(ctx, req.RepoURL, binding)
		cancel()
		if err == nil && len(candidates) > 0 {
			mat, err := s.d.CredBroker.Materialize(r.Context(), "autoconfig:"+req.RepoURL, candidates[0].CredentialID)
			if err == nil {
				credEnv = mat.GitEnv
			}
		}
	}

	areq := autoconfig.Request{
		RequestID: uuid.NewString(),
		ProjectID: req.ProjectID,
		RepoURL:   req.RepoURL,
		Binding:   binding,
		CredEnv:   credEnv,
	}

	go func() {
		recipe, err := s.d.AutoConfig.Run(areq)
		if s.d.Bus == nil {
			return
		}
		if err != nil {
			s.d.Bus.Publish(eventbus.KindAutoConfigLog, map[string]interface{}{
				"request_id": areq.RequestID,
				"done":       true,
				"error":      err.Error(),
			})
			return
		}
		s.d.Bus.Publish(eventbus.KindAutoConfigLog, map[string]interface{}{
			"request_id": areq.RequestID,
			"done":       true,
			"recipe":     recipe,
		})
	}()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"request_id": areq.RequestID})
}

type cancelAutoConfigureRequest struct {
	RequestID string `json:"request_id"`
}

func (s *Server) handleCancelAutoConfigure(w http.ResponseWriter, r *http.Request) {
	var req cancelAutoConfigureRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.RequestID == "" {
		writeError(w, apierr.BadRequest("request_id is required"))
		return
	}
	if s.d.AutoConfig == nil {
		writeError(w, apierr.Config("auto-configure worker is not wired"))
		return
	}
	s.d.AutoConfig.Cancel(req.RequestID)
	w.WriteHeader(http.StatusAccepted)
}

func orEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

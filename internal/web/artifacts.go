package web

import (
	"net/http"
	"os"
	"path/filepath"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
)

func (s *Server) registerArtifactRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chats/{id}/artifacts", s.handleListArtifacts)
	mux.HandleFunc("POST /api/chats/{id}/artifacts/publish", s.handlePublishArtifact)
	mux.HandleFunc("GET /api/chats/{id}/artifacts/{aid}/download", s.handleDownloadArtifact)
	mux.HandleFunc("GET /api/chats/{id}/artifacts/{aid}/preview", s.handlePreviewArtifact)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st := s.d.Store.Load()
	c, ok := st.Chats[id]
	if !ok {
		writeError(w, apierr.NotFound("chat %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifacts":            c.Artifacts,
		"artifact_current_ids": c.ArtifactCurrentIDs,
		"prompt_history":       c.ArtifactPromptHistory,
	})
}

type publishArtifactRequest struct {
	SourcePath   string `json:"source_path"`
	RelativePath string `json:"relative_path"`
	Name         string `json:"name"`
}

// handlePublishArtifact is the operator/UI-facing counterpart of the
// agent-facing publish route: it ingests a file already staged on the
// host (e.g. via a multipart upload written to StagedUploadPath) rather
// than one submitted by the in-container agent_tools MCP script.
func (s *Server) handlePublishArtifact(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req publishArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.SourcePath == "" {
		writeError(w, apierr.BadRequest("source_path is required"))
		return
	}
	if s.d.Artifacts == nil {
		writeError(w, apierr.Config("artifact store is not wired"))
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	art, err := s.d.Artifacts.Ingest(ctx, id, req.SourcePath, req.RelativePath, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, art)
}

func (s *Server) resolveArtifactPath(chatID, artifactID string) (string, model.Artifact, error) {
	st := s.d.Store.Load()
	c, ok := st.Chats[chatID]
	if !ok {
		return "", model.Artifact{}, apierr.NotFound("chat %s not found", chatID)
	}
	for _, a := range c.Artifacts {
		if a.ID == artifactID {
			return filepath.Join(s.d.DataDir, a.StorageRelativePath), a, nil
		}
	}
	return "", model.Artifact{}, apierr.NotFound("artifact %s not found", artifactID)
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	path, art, err := s.resolveArtifactPath(r.PathValue("id"), r.PathValue("aid"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, statErr := os.Stat(path); statErr != nil {
		writeError(w, apierr.NotFound("artifact file is missing: %v", statErr))
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+art.Name+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handlePreviewArtifact(w http.ResponseWriter, r *http.Request) {
	path, _, err := s.resolveArtifactPath(r.PathValue("id"), r.PathValue("aid"))
	if err != nil {
		writeError(w, err)
		return
	}
	if _, statErr := os.Stat(path); statErr != nil {
		writeError(w, apierr.NotFound("artifact file is missing: %v", statErr))
		return
	}
	http.ServeFile(w, r, path)
}

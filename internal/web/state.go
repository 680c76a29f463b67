package web

import (
	"net/http"

	"agenthub/internal/apierr"
	"agenthub/internal/model"
)

func (s *Server) registerStateRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/state", s.handleGetState)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PATCH /api/settings", s.handlePatchSettings)
}

// stateView is the derived §3 projection GET /api/state returns: the
// full project and chat sets plus settings, as a stable JSON shape
// independent of the state store's internal map representation.
type stateView struct {
	Projects []model.Project `json:"projects"`
	Chats    []model.Chat    `json:"chats"`
	Settings model.Settings  `json:"settings"`
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	st := s.d.Store.Load()
	view := stateView{Settings: st.Settings}
	for _, p := range st.Projects {
		view.Projects = append(view.Projects, p)
	}
	for _, c := range st.Chats {
		view.Chats = append(view.Chats, c)
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Store.Load().Settings)
}

// settingsPatch carries only the fields a caller supplied; pointers so a
// PATCH can update one field without clobbering the others.
type settingsPatch struct {
	DefaultAgentType *string `json:"default_agent_type"`
	ChatLayoutEngine *string `json:"chat_layout_engine"`
	GitUserName      *string `json:"git_user_name"`
	GitUserEmail     *string `json:"git_user_email"`
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	var patch settingsPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, err)
		return
	}

	ctx, cancel := requestContext(r)
	defer cancel()

	next, err := s.d.Store.Mutate(ctx, "settings_updated", func(st model.State) (model.State, error) {
		if patch.DefaultAgentType != nil {
			agentType, ok := model.NormalizeAgentType(*patch.DefaultAgentType)
			if !ok {
				return st, apierr.Config("unrecognized default_agent_type %q", *patch.DefaultAgentType)
			}
			st.Settings.DefaultAgentType = agentType
		}
		if patch.ChatLayoutEngine != nil {
			st.Settings.ChatLayoutEngine = *patch.ChatLayoutEngine
		}
		if patch.GitUserName != nil {
			st.Settings.GitUserName = *patch.GitUserName
		}
		if patch.GitUserEmail != nil {
			st.Settings.GitUserEmail = *patch.GitUserEmail
		}
		return st, nil
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, next.Settings)
}

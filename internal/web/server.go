// Package web implements the hub's HTTP/WS surface (§6): a thin shell
// that maps requests onto the already-composed components (state store,
// build pipeline, chat runtime manager, credential broker, and so on)
// and maps every component error onto the stable {error_code, detail}
// envelope described in §7.
package web

import (
	"context"
	"embed"
	"encoding/json"
	"io/fs"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"agenthub/internal/apierr"
	"agenthub/internal/artifacts"
	"agenthub/internal/authproviders"
	"agenthub/internal/autoconfig"
	"agenthub/internal/buildpipeline"
	"agenthub/internal/chatruntime"
	"agenthub/internal/credentials"
	"agenthub/internal/eventbus"
	"agenthub/internal/index"
	"agenthub/internal/launch"
	"agenthub/internal/metrics"
	"agenthub/internal/oauthrelay"
	"agenthub/internal/state"
	"agenthub/internal/telemetry"
	"agenthub/internal/tokens"
	"agenthub/internal/validation"
)

//go:embed static/*
var staticFiles embed.FS

// Deps is everything the HTTP surface needs, composed once by the hub's
// controller and handed to NewServer as a single bundle.
type Deps struct {
	Store            *state.Store
	Bus              *eventbus.Bus
	Metrics          *metrics.Metrics
	CredStore        *credentials.Store
	CredBroker       *credentials.Broker
	Builds           *buildpipeline.Pipeline
	Chats            *chatruntime.Manager
	Launch           *launch.Compiler
	Tokens           *tokens.Broker
	Artifacts        *artifacts.Store
	SessionArtifacts *artifacts.SessionArtifacts
	Index            *index.Index
	AutoConfig       *autoconfig.Worker

	GitHubApp   *authproviders.GitHubAppAdapter
	OpenAIKey   *authproviders.OpenAIAPIKeyAdapter
	ChatGPTAcct *authproviders.ChatGPTAccountAdapter
	PAT         *authproviders.PATAdapter
	Relay       *oauthrelay.Relay

	DataDir       string
	WorkRoot      string
	BuildLogRoot  string
	ChatLogRoot   string
	PublicBaseURL string
}

// Server holds the composed dependencies and builds the hub's
// http.Handler.
type Server struct {
	d Deps

	upgrader websocket.Upgrader
}

// NewServer returns a ready Server. d must be fully populated; Server
// never constructs its own components.
func NewServer(d Deps) *Server {
	return &Server{
		d: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the hub is typically reached through a reverse proxy or
			// directly on localhost; origin checking is the deploying
			// operator's job, not this embedded server's.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Router builds the complete handler tree, wrapped in the metrics
// request-tracking middleware when metrics are wired.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	s.registerStaticRoutes(mux)
	s.registerStateRoutes(mux)
	s.registerAuthRoutes(mux)
	s.registerProjectRoutes(mux)
	s.registerChatRoutes(mux)
	s.registerArtifactRoutes(mux)
	s.registerAgentToolsRoutes(mux)
	s.registerWSRoutes(mux)

	var handler http.Handler = mux
	if s.d.Metrics != nil {
		handler = s.d.Metrics.RequestTrackingMiddleware(handler)
	}
	return handler
}

func (s *Server) registerStaticRoutes(mux *http.ServeMux) {
	sub, err := fs.Sub(staticFiles, "static")
	if err != nil {
		telemetry.LogError("mounting embedded static assets", err)
		return
	}
	mux.Handle("GET /{$}", http.FileServer(http.FS(sub)))
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		telemetry.LogError("encoding JSON response", err)
	}
}

// errorBody is the stable {error_code, detail} envelope every error
// response carries, per §7.
type errorBody struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
}

// writeError maps err onto the stable error envelope and an HTTP status.
// Anything that isn't a *apierr.HubError is reported as an opaque 500
// with BAD_REQUEST-style wrapping left to the caller that produced it.
func writeError(w http.ResponseWriter, err error) {
	if he, ok := apierr.As(err); ok {
		writeJSON(w, he.Status, errorBody{ErrorCode: string(he.Code), Detail: he.Message})
		return
	}
	telemetry.LogError("unhandled internal error", err)
	writeJSON(w, http.StatusInternalServerError, errorBody{ErrorCode: "INTERNAL_ERROR", Detail: err.Error()})
}

// decodeJSON reads and decodes the request body into dst, returning a
// BAD_REQUEST HubError on any malformed input.
func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apierr.BadRequest("decoding request body: %v", err)
	}
	return nil
}

// checkRequired runs the teacher's generic field validator over a set of
// named required strings, collapsing every missing field into one
// BAD_REQUEST instead of failing on the first, matching ValidateConfig's
// own accumulate-then-report shape.
func checkRequired(fields map[string]string) error {
	v := validation.NewValidator()
	for name, value := range fields {
		v.Required(value, name)
	}
	if v.Validate() {
		return nil
	}
	msgs := make([]string, 0, len(v.Errors()))
	for _, msg := range v.Errors() {
		msgs = append(msgs, msg)
	}
	sort.Strings(msgs)
	return apierr.BadRequest("%s", strings.Join(msgs, "; "))
}

// requestContext returns the request's context with a generous default
// timeout for handlers that perform upstream I/O, so a hung dependency
// cannot wedge the handler goroutine forever.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), 60*time.Second)
}

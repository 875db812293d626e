package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/polzovatel/browserflow/internal/node"
)

const maxBodyBytes = 10 << 20

// Server exposes the node registry over HTTP for workflow hosts.
type Server struct {
	router chi.Router
	nodes  *node.Registry
	log    zerolog.Logger
	apiKey string
}

// New creates the server. An empty apiKey disables authentication.
func New(nodes *node.Registry, apiKey string, log zerolog.Logger) *Server {
	s := &Server{nodes: nodes, log: log, apiKey: apiKey}
	s.setupRoutes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(RequestLogger(s.log))

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		if s.apiKey != "" {
			r.Use(AuthMiddleware(s.apiKey))
		}
		r.Get("/nodes", s.handleListNodes)
		r.Get("/nodes/{name}", s.handleGetNode)
		r.Post("/nodes/{name}/execute", s.handleExecute)
	})

	s.router = r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"nodes": s.nodes.List()})
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Get(chi.URLParam(r, "name"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, n.Description())
}

type executeResponse struct {
	ExecutionID string      `json:"executionId"`
	Items       []node.Item `json:"items"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	n, err := s.nodes.Get(chi.URLParam(r, "name"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}

	var in node.Input
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	id := ulid.Make().String()
	log := s.log.With().Str("execution_id", id).Str("node", n.Description().Name).Logger()
	start := time.Now()

	items, err := n.Execute(r.Context(), in)
	if err != nil {
		log.Error().Err(err).Dur("duration", time.Since(start)).Msg("execution failed")
		jsonError(w, err.Error(), statusFor(err))
		return
	}
	log.Info().Int("items", len(items)).Dur("duration", time.Since(start)).Msg("execution finished")

	if items == nil {
		items = []node.Item{}
	}
	writeJSON(w, http.StatusOK, executeResponse{ExecutionID: id, Items: items})
}

func statusFor(err error) int {
	var perr *node.ParamError
	switch {
	case errors.As(err, &perr), errors.Is(err, node.ErrUnknownOperation):
		return http.StatusBadRequest
	case errors.Is(err, node.ErrNodeNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, status int) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Package server exposes the coordination API over HTTP: health probe,
// full-state fetch, incremental delta, transactional push, and reset.
// Handlers are stateless and re-entrant; write serialization is provided by
// the store's push transaction, not by the handlers.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/todosync/internal/api"
	"github.com/tonimelisma/todosync/internal/server/store"
)

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	store  *store.Store
	logger *slog.Logger

	// now stamps the health probe. Tests override it.
	now func() time.Time
}

// New creates a Server backed by the given store.
func New(st *store.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Routes assembles the router. The health probe is unauthenticated; every
// other endpoint requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)

		r.Get("/state", s.handleState)
		r.Get("/delta", s.handleDelta)
		r.Post("/push", s.handlePush)
		r.Delete("/reset", s.handleReset)
	})

	return r
}

// writeJSON writes v as a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", slog.String("error", err.Error()))
	}
}

// writeError writes a structured error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg, code string) {
	s.writeJSON(w, status, api.ErrorResponse{Error: msg, Code: code})
}

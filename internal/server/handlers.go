package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"modernc.org/sqlite"

	"github.com/tonimelisma/todosync/internal/api"
)

// sqliteConstraintCode is the primary SQLITE_CONSTRAINT result code.
const sqliteConstraintCode = 19

// healthResponse is the body of GET /health.
type healthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// resetResponse is the body of DELETE /reset.
type resetResponse struct {
	Success bool `json:"success"`
	Deleted struct {
		Todos int `json:"todos"`
	} `json:"deleted"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Timestamp: api.FormatTime(s.now()),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.store.State(r.Context())
	if err != nil {
		s.logger.Error("fetching state", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "internal error", "")

		return
	}

	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	sinceParam := r.URL.Query().Get("since")
	if sinceParam == "" {
		s.writeError(w, http.StatusBadRequest, "missing required query parameter: since", api.CodeBadRequest)
		return
	}

	since, err := api.ParseTime(sinceParam)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid since timestamp", api.CodeBadRequest)
		return
	}

	delta, err := s.store.Delta(r.Context(), since)
	if err != nil {
		s.logger.Error("fetching delta", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "internal error", "")

		return
	}

	s.writeJSON(w, http.StatusOK, delta)
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var req api.PushRequest

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed push body: "+err.Error(), api.CodeBadRequest)
		return
	}

	if err := validatePush(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), api.CodeBadRequest)
		return
	}

	user := requestUser(r.Context())

	result, err := s.store.ApplyPush(r.Context(), user, req)
	if err != nil {
		if isConstraintViolation(err) {
			s.logger.Warn("push rejected by uniqueness constraint",
				slog.String("user", user.ID),
				slog.String("error", err.Error()),
			)
			s.writeError(w, http.StatusConflict, "incoherent client state", api.CodeSyncConflict)

			return
		}

		s.logger.Error("applying push",
			slog.String("user", user.ID),
			slog.String("error", err.Error()),
		)
		s.writeError(w, http.StatusInternalServerError, "internal error", "")

		return
	}

	state, err := s.store.State(r.Context())
	if err != nil {
		s.logger.Error("fetching post-push state", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "internal error", "")

		return
	}

	s.writeJSON(w, http.StatusOK, api.PushResponse{
		State:     state,
		Conflicts: result.Conflicts,
		Mappings:  result.Mappings,
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.store.Reset(r.Context())
	if err != nil {
		s.logger.Error("resetting store", slog.String("error", err.Error()))
		s.writeError(w, http.StatusInternalServerError, "internal error", "")

		return
	}

	s.logger.Info("store reset",
		slog.String("user", requestUser(r.Context()).ID),
		slog.Int("deleted_todos", deleted),
	)

	resp := resetResponse{Success: true}
	resp.Deleted.Todos = deleted
	s.writeJSON(w, http.StatusOK, resp)
}

// validatePush checks the request shape before the merge transaction runs.
// Shape violations are client bugs and rejected outright; merge conflicts
// are data, not errors, and never pass through here.
func validatePush(req api.PushRequest) error {
	for i, up := range req.Todos.Upserted {
		if up.ServerID == "" && up.ClientID == "" {
			return fmt.Errorf("upserted[%d]: either serverId or clientId is required", i)
		}

		if up.Title == "" {
			return fmt.Errorf("upserted[%d]: title is required", i)
		}

		if !api.ValidStatus(up.Status) {
			return fmt.Errorf("upserted[%d]: invalid status %q", i, up.Status)
		}

		if _, err := api.ParseTime(up.EditedAt); err != nil {
			return fmt.Errorf("upserted[%d]: invalid editedAt", i)
		}

		if up.DueDate != nil {
			if _, err := api.ParseDate(*up.DueDate); err != nil {
				return fmt.Errorf("upserted[%d]: invalid dueDate", i)
			}
		}
	}

	for i, del := range req.Todos.Deleted {
		if del.ServerID == "" {
			return fmt.Errorf("deleted[%d]: serverId is required", i)
		}

		if _, err := api.ParseTime(del.DeletedAt); err != nil {
			return fmt.Errorf("deleted[%d]: invalid deletedAt", i)
		}
	}

	return nil
}

// isConstraintViolation reports whether err wraps a SQLite uniqueness or
// foreign-key constraint failure.
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}

	code := sqliteErr.Code()

	return code == sqliteConstraintCode || code&0xff == sqliteConstraintCode
}

package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/todosync/internal/server/store"
)

type ctxKey int

const ctxKeyUser ctxKey = iota

// requireAuth resolves the Authorization bearer token to a user via the
// store and rejects the request with 401 otherwise.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token", "")
			return
		}

		user, err := s.store.Authenticate(r.Context(), token)
		if err != nil {
			if errors.Is(err, store.ErrUnauthorized) {
				s.writeError(w, http.StatusUnauthorized, "invalid bearer token", "")
				return
			}

			s.logger.Error("authenticating request", slog.String("error", err.Error()))
			s.writeError(w, http.StatusInternalServerError, "internal error", "")

			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestUser returns the authenticated user placed in the context by
// requireAuth. The zero User is returned for unauthenticated requests,
// which cannot happen behind the middleware.
func requestUser(ctx context.Context) store.User {
	u, _ := ctx.Value(ctxKeyUser).(store.User)
	return u
}

// requestLogger emits one structured line per request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info("request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

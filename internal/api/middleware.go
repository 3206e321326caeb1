package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// UserHeader carries the caller's user id, set by the auth gateway in front of
// this service.
const UserHeader = "X-User-ID"

type ctxKey struct{}

func userFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserHeader)
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if s.users != nil {
			ok, err := s.users.UserExists(r.Context(), userID)
			if err != nil {
				s.log.Error("authenticate", "error", err)
				writeError(w, http.StatusInternalServerError, "could not authenticate")
				return
			}
			if !ok {
				writeError(w, http.StatusUnauthorized, "unknown user")
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, userID)))
	})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("latency", time.Since(start)),
				slog.Int("bytes", ww.BytesWritten()),
			)
		})
	}
}

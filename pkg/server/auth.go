package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tousync/tousync/pkg/log"
)

// authMiddleware validates the bearer token on every API request: either
// the static api-token or a Google ID token for the configured audience.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ctx = log.With(ctx, log.Ctx(ctx).With(slog.String("reqPath", r.URL.Path)))
		r = r.WithContext(ctx)

		if s.bypassAuth {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			writeJSONError(w, "missing authorization", http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(authHeader, "Bearer ") {
			writeJSONError(w, "invalid auth header", http.StatusBadRequest)
			return
		}
		token := strings.TrimPrefix(authHeader, "Bearer ")

		if s.apiToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.apiToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}

		if s.oidcVerifier != nil {
			if _, err := s.oidcVerifier(ctx, token); err == nil {
				next.ServeHTTP(w, r)
				return
			} else {
				log.Ctx(ctx).WarnContext(ctx, "id token validation failed", slog.Any("error", err))
			}
		}

		writeJSONError(w, "unauthorized", http.StatusUnauthorized)
	})
}

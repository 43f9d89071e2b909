package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/txn2/duckhub/pkg/auth"
)

// authMiddleware extracts the request credential, validates it, and adds
// the authenticated identity to the context. A Bearer token takes
// precedence over the X-API-Key header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		var token string

		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = r.Header.Get("X-API-Key")
		}

		if token == "" {
			if s.cfg.AllowAnonymous {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		ctx = auth.WithToken(ctx, token)
		if s.cfg.Authenticator != nil {
			id, err := s.cfg.Authenticator.Authenticate(ctx)
			if err != nil {
				slog.Debug("server: authentication failed",
					"path", r.URL.Path, "error", err)
				w.Header().Set("WWW-Authenticate", "Bearer")
				writeError(w, http.StatusUnauthorized, "invalid credentials")
				return
			}
			ctx = auth.WithIdentity(ctx, id)
		}

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/pvfhost/internal/auth"
)

// authMiddleware attaches the caller's principal. With an empty keyring every
// caller is anonymous with full scope.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.keys.Enabled() {
			next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), auth.Anonymous())))
			return
		}

		token, err := auth.BearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		principal, ok := s.keys.Authenticate(token)
		if !ok {
			s.logger.Warn("rejected bearer token",
				"path", r.URL.Path, "remote", r.RemoteAddr, "request_id", middleware.GetReqID(r.Context()))
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}

func (s *Server) requireScopes(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := auth.FromContext(r.Context())
			if !ok {
				s.writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if !p.Allows(scopes...) {
				s.logger.Debug("scope denied", "principal", p.Name, "path", r.URL.Path, "need", scopes)
				s.writeError(w, http.StatusForbidden, "insufficient scope")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

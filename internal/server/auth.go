package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// authenticate verifies the request's bearer token when auth is configured.
// REST calls carry Authorization: Bearer; browser WebSocket upgrades carry
// ?token= because browsers cannot set headers on WebSocket dials. An empty
// token secret disables auth entirely. CLI loopback sockets never pass
// through here.
func (s *Server) authenticate(r *http.Request) error {
	secret := s.cfg.Auth.TokenSecret
	if secret == "" {
		return nil
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		header := r.Header.Get("Authorization")
		raw = strings.TrimPrefix(header, "Bearer ")
		if raw == header {
			raw = ""
		}
	}
	if raw == "" {
		return fmt.Errorf("missing token")
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"})}
	if s.cfg.Auth.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.cfg.Auth.Audience))
	}
	_, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, opts...)
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	return nil
}

// requireAuth wraps a REST handler with the bearer-token check.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.authenticate(r); err != nil {
			WriteError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r)
	}
}

package server

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmux/agentmux/internal/config"
)

func newAuthServer(secret, audience string) *Server {
	cfg := config.Default()
	cfg.Auth.TokenSecret = secret
	cfg.Auth.Audience = audience
	return &Server{cfg: cfg, logger: slog.Default()}
}

func signToken(t *testing.T, secret, audience string) string {
	t.Helper()
	claims := jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}
	if audience != "" {
		claims["aud"] = audience
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func TestAuthDisabledWhenNoSecret(t *testing.T) {
	s := newAuthServer("", "")
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	assert.NoError(t, s.authenticate(r))
}

func TestAuthAcceptsBearerHeader(t *testing.T) {
	s := newAuthServer("secret", "")
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "secret", ""))
	assert.NoError(t, s.authenticate(r))
}

func TestAuthAcceptsQueryToken(t *testing.T) {
	s := newAuthServer("secret", "")
	r := httptest.NewRequest(http.MethodGet, "/ws/browser/s1?token="+signToken(t, "secret", ""), nil)
	assert.NoError(t, s.authenticate(r))
}

func TestAuthRejectsMissingToken(t *testing.T) {
	s := newAuthServer("secret", "")
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	assert.Error(t, s.authenticate(r))
}

func TestAuthRejectsWrongSecret(t *testing.T) {
	s := newAuthServer("secret", "")
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", ""))
	assert.Error(t, s.authenticate(r))
}

func TestAuthRejectsExpiredToken(t *testing.T) {
	claims := jwt.MapClaims{"exp": time.Now().Add(-time.Hour).Unix()}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	s := newAuthServer("secret", "")
	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	assert.Error(t, s.authenticate(r))
}

func TestAuthChecksAudience(t *testing.T) {
	s := newAuthServer("secret", "agentmux")

	r := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "secret", "agentmux"))
	assert.NoError(t, s.authenticate(r))

	r = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	r.Header.Set("Authorization", "Bearer "+signToken(t, "secret", "someone-else"))
	assert.Error(t, s.authenticate(r))
}

func TestRequireAuthMiddleware(t *testing.T) {
	s := newAuthServer("secret", "")
	handler := s.requireAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "secret", ""))
	handler(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

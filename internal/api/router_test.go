package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"investigation-lab/internal/api/handlers"
	"investigation-lab/internal/config"
	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/domain/services"
	"investigation-lab/internal/infrastructure/cache"
	"investigation-lab/internal/testutil/memroom"
	"investigation-lab/pkg/logger"
)

type fetcher struct{}

func (fetcher) FetchSession(context.Context) (*models.SessionDescriptor, error) {
	return &models.SessionDescriptor{Rooms: []string{"room@rooms.example"}, JID: "bot@example/alice"}, nil
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	session := services.NewInvestigationSession(services.InvestigationDeps{
		Transport: memroom.NewNetwork().NewConn(),
		Fetcher:   fetcher{},
		Store:     cache.NewMemorySessionStore(),
		Queries:   cache.NewMemoryQueryCache(),
	}, services.InvestigationConfig{}, logger.Nop())
	require.NoError(t, session.Start(context.Background()))
	t.Cleanup(func() { _ = session.Close(context.Background()) })

	cfg := config.Config{
		JWT:  config.JWTConfig{Secret: "s3cret"},
		CORS: config.CORSConfig{AllowedOrigins: []string{"*"}, AllowedMethods: []string{"GET", "POST", "DELETE"}},
		BOSH: config.BOSHConfig{Enabled: true, JID: "do@example", Rooms: []string{"room@rooms.example"}},
		// no redis client: rate limiting stays off
		RateLimit: config.RateLimitConfig{Enabled: true, RequestsPerMinute: 1},
	}
	h := handlers.NewHandlers(handlers.Dependencies{
		Session: session,
		BOSH:    cfg.BOSH,
		Version: "test",
		Logger:  logger.Nop(),
	})
	return NewRouter(cfg, h, nil, logger.Nop()).Setup()
}

func do(h http.Handler, method, path, body string, authed bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authed {
		req.Header.Set("Authorization", "Bearer s3cret")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRouterPublicRoutes(t *testing.T) {
	h := newTestRouter(t)

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health", "", false).Code)
	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/ready", "", false).Code)
}

func TestRouterRequiresAuth(t *testing.T) {
	h := newTestRouter(t)

	for _, path := range []string{
		"/auth/bosh-session",
		"/api/v1/investigation/responses",
		"/api/v1/investigation/status",
		"/api/v1/investigation/ws",
	} {
		assert.Equal(t, http.StatusUnauthorized, do(h, http.MethodGet, path, "", false).Code, path)
	}
}

func TestRouterInvestigationRoutes(t *testing.T) {
	h := newTestRouter(t)

	rec := do(h, http.MethodPost, "/api/v1/investigation/search", `{"search":"example.com"}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"count":1`)

	// repeated requests are not rate limited without redis
	for _, path := range []string{
		"/api/v1/investigation/responses",
		"/api/v1/investigation/responses.json",
		"/api/v1/investigation/responses/export",
		"/api/v1/investigation/participants",
		"/api/v1/investigation/status",
		"/api/v1/streaming/stats",
		"/auth/bosh-session",
	} {
		assert.Equal(t, http.StatusOK, do(h, http.MethodGet, path, "", true).Code, path)
	}

	assert.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/api/v1/investigation/responses", "", true).Code)
	assert.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/api/v1/investigation/queries", "", true).Code)
	assert.Contains(t, do(h, http.MethodGet, "/api/v1/investigation/status", "", true).Body.String(), `"queries":0`)
	assert.Equal(t, http.StatusServiceUnavailable,
		do(h, http.MethodGet, "/api/v1/investigation/archive/0caaf24ab1a0c33440c06afe99df986365b0781f", "", true).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(h, http.MethodGet, "/api/v1/investigation/ws", "", true).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(h, http.MethodPut, "/api/v1/investigation/responses", "", true).Code)
}

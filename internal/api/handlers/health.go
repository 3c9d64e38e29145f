package handlers

import (
	"context"
	"net/http"
	"time"

	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/domain/services"
	"investigation-lab/internal/infrastructure/cache"
	"investigation-lab/internal/infrastructure/database"
	"investigation-lab/pkg/logger"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	version   string
	cache     *cache.RedisCache
	db        *database.PostgresDB
	session   *services.InvestigationSession
	logger    *logger.Logger
	startTime time.Time
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(version string, c *cache.RedisCache, db *database.PostgresDB, session *services.InvestigationSession, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		version:   version,
		cache:     c,
		db:        db,
		session:   session,
		logger:    log.WithComponent("health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Check handles GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	respondJSON(h.logger, w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready - checks every configured backend and the room
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := http.StatusOK
	overallStatus := "ready"
	fail := func(name, reason string) {
		checks[name] = reason
		status = http.StatusServiceUnavailable
		overallStatus = "not ready"
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			fail("redis", "unhealthy: "+err.Error())
		} else {
			checks["redis"] = "healthy"
		}
	} else {
		checks["redis"] = "not configured"
	}

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			fail("postgres", "unhealthy: "+err.Error())
		} else {
			checks["postgres"] = "healthy"
		}
	} else {
		checks["postgres"] = "not configured"
	}

	if h.session != nil {
		switch st := h.session.Describe(ctx); {
		case st.Joined:
			checks["room"] = "joined " + st.Room
		case st.Status == models.StatusAttached:
			fail("room", "attached, not joined")
		default:
			fail("room", st.Status.String())
		}
	}

	respondJSON(h.logger, w, status, HealthResponse{
		Status:    overallStatus,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}

package handlers

import (
	"encoding/json"
	"net/http"

	"investigation-lab/internal/config"
	"investigation-lab/internal/domain/services"
	"investigation-lab/internal/infrastructure/cache"
	"investigation-lab/internal/infrastructure/database"
	"investigation-lab/internal/streaming"
	"investigation-lab/pkg/logger"
)

// Handlers holds all API handlers
type Handlers struct {
	Health        *HealthHandler
	Investigation *InvestigationHandler
	BOSH          *BOSHHandler
	Streaming     *StreamingHandler
}

// Dependencies holds dependencies for handlers. Cache, DB, Archive, Hub
// and EventBus may be nil when the corresponding backend is disabled.
type Dependencies struct {
	Session  *services.InvestigationSession
	Archive  ReplyLister
	BOSH     config.BOSHConfig
	Version  string
	Cache    *cache.RedisCache
	DB       *database.PostgresDB
	Hub      *streaming.WebSocketHub
	EventBus *streaming.EventBus
	Logger   *logger.Logger
}

// NewHandlers creates all handlers
func NewHandlers(deps Dependencies) *Handlers {
	return &Handlers{
		Health:        NewHealthHandler(deps.Version, deps.Cache, deps.DB, deps.Session, deps.Logger),
		Investigation: NewInvestigationHandler(deps.Session, deps.Archive, deps.Logger),
		BOSH:          NewBOSHHandler(deps.BOSH, deps.Logger),
		Streaming:     NewStreamingHandler(deps.Hub, deps.EventBus, deps.Session, deps.Logger),
	}
}

// respondJSON sends a JSON response
func respondJSON(log *logger.Logger, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// respondError sends an error response. Server-side failures are logged.
func respondError(log *logger.Logger, w http.ResponseWriter, status int, message string, err error) {
	body := map[string]string{"error": message}
	if err != nil {
		body["details"] = err.Error()
		if status >= http.StatusInternalServerError {
			log.Error().Err(err).Msg(message)
		}
	}
	respondJSON(log, w, status, body)
}

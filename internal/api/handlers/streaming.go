package handlers

import (
	"net/http"

	"investigation-lab/internal/domain/services"
	"investigation-lab/internal/streaming"
	"investigation-lab/pkg/logger"
)

// StreamingHandler serves the live reply feed and its counters
type StreamingHandler struct {
	hub     *streaming.WebSocketHub
	bus     *streaming.EventBus
	session *services.InvestigationSession
	logger  *logger.Logger
}

// NewStreamingHandler wires the feed. hub and bus are nil when streaming
// is disabled.
func NewStreamingHandler(hub *streaming.WebSocketHub, bus *streaming.EventBus, session *services.InvestigationSession, log *logger.Logger) *StreamingHandler {
	return &StreamingHandler{
		hub:     hub,
		bus:     bus,
		session: session,
		logger:  log.WithComponent("streaming-handler"),
	}
}

// FeedStats is what GET /api/v1/streaming/stats reports
type FeedStats struct {
	Clients     int                    `json:"websocket_clients"`
	Subscribers int                    `json:"event_bus_subscribers"`
	Groups      int                    `json:"reply_groups"`
	Replies     *services.SessionStats `json:"replies,omitempty"`
}

// HandleWebSocket upgrades to the reply feed
func (h *StreamingHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(h.logger, w, http.StatusServiceUnavailable, "reply feed not available", nil)
		return
	}
	h.hub.ServeWebSocket(w, r)
}

// GetStats reports feed fan-out alongside the correlation counters
func (h *StreamingHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	var stats FeedStats
	if h.hub != nil {
		stats.Clients = h.hub.ClientCount()
	}
	if h.bus != nil {
		stats.Subscribers = h.bus.SubscriberCount()
	}
	if h.session != nil {
		st := h.session.Stats()
		stats.Replies = &st
		stats.Groups = len(h.session.Responses())
	}
	respondJSON(h.logger, w, http.StatusOK, stats)
}

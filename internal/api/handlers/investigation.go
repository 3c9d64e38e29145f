package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"investigation-lab/internal/domain/models"
	"investigation-lab/internal/domain/services"
	"investigation-lab/pkg/logger"
)

const (
	maxSearchBody = 1 << 20
	maxSearchFile = 10 << 20
	archiveLimit  = 100
	exportName    = "investigation-responses.csv"
)

// ReplyLister reads archived replies back.
type ReplyLister interface {
	ListByQuery(ctx context.Context, queryHash string, limit int) ([]*models.ArchivedReply, error)
}

// InvestigationHandler exposes the investigation session over HTTP
type InvestigationHandler struct {
	session *services.InvestigationSession
	archive ReplyLister
	logger  *logger.Logger
}

// NewInvestigationHandler creates a new investigation handler. archive may be nil.
func NewInvestigationHandler(session *services.InvestigationSession, archive ReplyLister, log *logger.Logger) *InvestigationHandler {
	return &InvestigationHandler{
		session: session,
		archive: archive,
		logger:  log.WithComponent("investigation-handler"),
	}
}

// SearchRequest is the body of POST /search
type SearchRequest struct {
	Search string `json:"search"`
}

// SearchResponse lists the queries sent to the room
type SearchResponse struct {
	Queries []*models.Query `json:"queries"`
	Count   int             `json:"count"`
}

// Search handles POST /api/v1/investigation/search
func (h *InvestigationHandler) Search(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxSearchBody)).Decode(&req); err != nil {
		respondError(h.logger, w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	queries, err := h.session.Search(r.Context(), req.Search)
	h.respondSearch(w, queries, err)
}

// SearchFile handles POST /api/v1/investigation/search/file. The upload is
// either a multipart "file" field or the raw request body.
func (h *InvestigationHandler) SearchFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxSearchFile)

	var src io.Reader = r.Body
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		file, _, err := r.FormFile("file")
		if err != nil {
			respondError(h.logger, w, http.StatusBadRequest, "missing file field", err)
			return
		}
		defer file.Close()
		src = file
	}

	queries, err := h.session.SearchFile(r.Context(), src)
	h.respondSearch(w, queries, err)
}

func (h *InvestigationHandler) respondSearch(w http.ResponseWriter, queries []*models.Query, err error) {
	switch {
	case errors.Is(err, services.ErrNotJoined):
		respondError(h.logger, w, http.StatusConflict, "investigation room not joined yet", nil)
		return
	case errors.Is(err, services.ErrSessionClosed):
		respondError(h.logger, w, http.StatusServiceUnavailable, "investigation session closed", nil)
		return
	case err != nil:
		respondError(h.logger, w, http.StatusInternalServerError, "search failed", err)
		return
	}
	if queries == nil {
		queries = []*models.Query{}
	}
	respondJSON(h.logger, w, http.StatusOK, SearchResponse{Queries: queries, Count: len(queries)})
}

// Responses handles GET /api/v1/investigation/responses
func (h *InvestigationHandler) Responses(w http.ResponseWriter, r *http.Request) {
	groups := h.session.Responses()
	respondJSON(h.logger, w, http.StatusOK, map[string]any{
		"responses": groups,
		"count":     len(groups),
	})
}

// Snapshot handles GET /api/v1/investigation/responses.json
func (h *InvestigationHandler) Snapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="investigation-responses.json"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(h.session.Snapshot()); err != nil {
		h.logger.Debug().Err(err).Msg("failed to write snapshot")
	}
}

// Export handles GET /api/v1/investigation/responses/export
func (h *InvestigationHandler) Export(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+exportName+`"`)
	w.WriteHeader(http.StatusOK)
	if err := h.session.WriteCSV(w); err != nil {
		h.logger.Error().Err(err).Msg("failed to write CSV export")
	}
}

// Clear handles DELETE /api/v1/investigation/responses
func (h *InvestigationHandler) Clear(w http.ResponseWriter, r *http.Request) {
	h.session.ClearResponses(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// ClearQueries handles DELETE /api/v1/investigation/queries
func (h *InvestigationHandler) ClearQueries(w http.ResponseWriter, r *http.Request) {
	if err := h.session.ClearQueries(r.Context()); err != nil {
		respondError(h.logger, w, http.StatusInternalServerError, "failed to clear queries", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Participants handles GET /api/v1/investigation/participants
func (h *InvestigationHandler) Participants(w http.ResponseWriter, r *http.Request) {
	participants := h.session.Participants()
	respondJSON(h.logger, w, http.StatusOK, map[string]any{
		"participants": participants,
		"count":        len(participants),
	})
}

// Status handles GET /api/v1/investigation/status
func (h *InvestigationHandler) Status(w http.ResponseWriter, r *http.Request) {
	respondJSON(h.logger, w, http.StatusOK, h.session.Describe(r.Context()))
}

// Archive handles GET /api/v1/investigation/archive/{queryHash}
func (h *InvestigationHandler) Archive(w http.ResponseWriter, r *http.Request) {
	if h.archive == nil {
		respondError(h.logger, w, http.StatusServiceUnavailable, "reply archive not configured", nil)
		return
	}

	queryHash := strings.ToLower(chi.URLParam(r, "queryHash"))
	if len(queryHash) != 40 {
		respondError(h.logger, w, http.StatusBadRequest, "query hash must be a sha-1 hex digest", nil)
		return
	}

	limit := archiveLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			respondError(h.logger, w, http.StatusBadRequest, "invalid limit", err)
			return
		}
		limit = min(n, 1000)
	}

	replies, err := h.archive.ListByQuery(r.Context(), queryHash, limit)
	if err != nil {
		respondError(h.logger, w, http.StatusInternalServerError, "failed to read archive", err)
		return
	}
	if replies == nil {
		replies = []*models.ArchivedReply{}
	}
	respondJSON(h.logger, w, http.StatusOK, map[string]any{
		"query_hash": queryHash,
		"replies":    replies,
		"count":      len(replies),
	})
}

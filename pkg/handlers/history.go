package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/history"
)

// HistoryHandler serves the query history listing.
type HistoryHandler struct {
	store  *history.Store
	logger *zap.Logger
}

// NewHistoryHandler creates a history handler.
func NewHistoryHandler(store *history.Store, logger *zap.Logger) *HistoryHandler {
	return &HistoryHandler{store: store, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *HistoryHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/history", h.List)
}

// List handles GET /api/history
// Optional query parameters: datasource_id, outcome, since (RFC3339), limit.
func (h *HistoryHandler) List(w http.ResponseWriter, r *http.Request) {
	var f history.Filter

	q := r.URL.Query()
	if raw := q.Get("datasource_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeBadRequest(w, "invalid_datasource_id", "Invalid data source ID format")
			return
		}
		f.DataSourceID = id
	}
	if raw := q.Get("outcome"); raw != "" {
		switch history.Outcome(raw) {
		case history.OutcomeSuccess, history.OutcomeError:
			f.Outcome = history.Outcome(raw)
		default:
			h.writeBadRequest(w, "invalid_outcome", "outcome must be success or error")
			return
		}
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeBadRequest(w, "invalid_since", "since must be an RFC3339 timestamp")
			return
		}
		f.Since = since
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			h.writeBadRequest(w, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		f.Limit = limit
	}

	records := h.store.List(f)
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: records}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (h *HistoryHandler) writeBadRequest(w http.ResponseWriter, code, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

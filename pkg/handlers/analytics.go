package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/queryspec"
	"github.com/intellibi/analytics-engine/pkg/services"
)

// AnalyticsHandler handles query execution requests.
type AnalyticsHandler struct {
	analytics services.AnalyticsService
	logger    *zap.Logger
}

// NewAnalyticsHandler creates an analytics handler.
func NewAnalyticsHandler(analytics services.AnalyticsService, logger *zap.Logger) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *AnalyticsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/datasources/{id}/query", h.Query)
	mux.HandleFunc("POST /api/datasources/{id}/query/timeseries", h.TimeSeries)
	mux.HandleFunc("POST /api/datasources/{id}/query/raw", h.Raw)
	mux.HandleFunc("POST /api/datasources/{id}/ask", h.Ask)
}

// Query handles POST /api/datasources/{id}/query
// Executes a structured query spec.
func (h *AnalyticsHandler) Query(w http.ResponseWriter, r *http.Request) {
	dataSourceID, ok := h.parseDataSourceID(w, r)
	if !ok {
		return
	}

	var spec queryspec.QuerySpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeBadRequest(w, "invalid_request", "Invalid request body")
		return
	}

	result, err := h.analytics.ExecuteSpec(r.Context(), dataSourceID, &spec)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.write(w, ApiResponse{Success: true, Data: result})
}

// timeSeriesRequest is the wire shape of a time-series query.
type timeSeriesRequest struct {
	queryspec.QuerySpec
	TimeColumn string    `json:"time_column"`
	Interval   string    `json:"interval"`
	Timezone   string    `json:"timezone"`
	Start      time.Time `json:"start"`
	End        time.Time `json:"end"`
}

// TimeSeries handles POST /api/datasources/{id}/query/timeseries
// Executes a bucketed aggregate and returns a gap-free series.
func (h *AnalyticsHandler) TimeSeries(w http.ResponseWriter, r *http.Request) {
	dataSourceID, ok := h.parseDataSourceID(w, r)
	if !ok {
		return
	}

	var req timeSeriesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid_request", "Invalid request body")
		return
	}

	spec := &queryspec.TimeSeriesSpec{
		QuerySpec:  req.QuerySpec,
		TimeColumn: req.TimeColumn,
		Interval:   queryspec.Interval(req.Interval),
		Timezone:   req.Timezone,
		Start:      req.Start,
		End:        req.End,
	}

	result, err := h.analytics.ExecuteTimeSeries(r.Context(), dataSourceID, spec)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.write(w, ApiResponse{Success: true, Data: result})
}

type rawRequest struct {
	SQL string `json:"sql"`
}

// Raw handles POST /api/datasources/{id}/query/raw
// Runs a guarded read-only SQL statement.
func (h *AnalyticsHandler) Raw(w http.ResponseWriter, r *http.Request) {
	dataSourceID, ok := h.parseDataSourceID(w, r)
	if !ok {
		return
	}

	var req rawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid_request", "Invalid request body")
		return
	}
	if req.SQL == "" {
		h.writeBadRequest(w, "missing_sql", "sql is required")
		return
	}

	result, err := h.analytics.ExecuteRaw(r.Context(), dataSourceID, req.SQL)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.write(w, ApiResponse{Success: true, Data: result})
}

type askRequest struct {
	SessionID uuid.UUID `json:"session_id"`
	Question  string    `json:"question"`
}

// Ask handles POST /api/datasources/{id}/ask
// Answers a natural-language question. Omitting session_id starts a new
// conversation; the assigned ID comes back in the response.
func (h *AnalyticsHandler) Ask(w http.ResponseWriter, r *http.Request) {
	dataSourceID, ok := h.parseDataSourceID(w, r)
	if !ok {
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid_request", "Invalid request body")
		return
	}
	if req.Question == "" {
		h.writeBadRequest(w, "missing_question", "question is required")
		return
	}
	if req.SessionID == uuid.Nil {
		req.SessionID = uuid.New()
	}

	resp, err := h.analytics.Ask(r.Context(), dataSourceID, req.SessionID, req.Question)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	h.write(w, ApiResponse{Success: true, Data: resp})
}

func (h *AnalyticsHandler) parseDataSourceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeBadRequest(w, "invalid_datasource_id", "Invalid data source ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *AnalyticsHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	if err := RespondAppError(w, err); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *AnalyticsHandler) writeBadRequest(w http.ResponseWriter, code, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *AnalyticsHandler) write(w http.ResponseWriter, resp ApiResponse) {
	if err := WriteJSON(w, http.StatusOK, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

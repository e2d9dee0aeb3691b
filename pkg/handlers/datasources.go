package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/datasource"
	"github.com/intellibi/analytics-engine/pkg/schema"
)

// DataSourceHandler handles data source registration and lifecycle.
type DataSourceHandler struct {
	store        *datasource.Store
	manager      *datasource.Manager
	introspector *schema.Introspector
	logger       *zap.Logger
}

// NewDataSourceHandler creates a data source handler.
func NewDataSourceHandler(store *datasource.Store, manager *datasource.Manager, introspector *schema.Introspector, logger *zap.Logger) *DataSourceHandler {
	return &DataSourceHandler{
		store:        store,
		manager:      manager,
		introspector: introspector,
		logger:       logger,
	}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *DataSourceHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/datasources", h.Create)
	mux.HandleFunc("GET /api/datasources", h.List)
	mux.HandleFunc("DELETE /api/datasources/{id}", h.Delete)
	mux.HandleFunc("POST /api/datasources/{id}/test", h.Test)
	mux.HandleFunc("POST /api/datasources/{id}/invalidate", h.Invalidate)
	mux.HandleFunc("GET /api/datasources/{id}/tables", h.Tables)
	mux.HandleFunc("GET /api/datasources/{id}/tables/{table}", h.DescribeTable)
}

type createDataSourceRequest struct {
	Name    string         `json:"name"`
	Dialect string         `json:"dialect"`
	Config  map[string]any `json:"config"`
}

// dataSourceView is the wire shape of a data source. Connection config is
// never echoed back.
type dataSourceView struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Dialect   string    `json:"dialect"`
	CreatedAt time.Time `json:"created_at"`
}

func viewOf(ds *datasource.DataSource) dataSourceView {
	return dataSourceView{
		ID:        ds.ID,
		Name:      ds.Name,
		Dialect:   string(ds.Dialect),
		CreatedAt: ds.CreatedAt,
	}
}

// Create handles POST /api/datasources
func (h *DataSourceHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createDataSourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeBadRequest(w, "invalid_request", "Invalid request body")
		return
	}

	ds := &datasource.DataSource{
		Name:    req.Name,
		Dialect: compiler.Dialect(req.Dialect),
		Config:  req.Config,
	}
	if err := h.store.Add(ds); err != nil {
		h.respondError(w, r, err)
		return
	}

	h.logger.Info("data source registered",
		zap.String("datasource_id", ds.ID.String()),
		zap.String("dialect", string(ds.Dialect)))

	h.write(w, http.StatusCreated, ApiResponse{Success: true, Data: viewOf(ds)})
}

// List handles GET /api/datasources
func (h *DataSourceHandler) List(w http.ResponseWriter, r *http.Request) {
	sources := h.store.List()
	views := make([]dataSourceView, 0, len(sources))
	for _, ds := range sources {
		views = append(views, viewOf(ds))
	}
	h.write(w, http.StatusOK, ApiResponse{Success: true, Data: views})
}

// Delete handles DELETE /api/datasources/{id}
// Removes the registration and tears down any open pool.
func (h *DataSourceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.store.Remove(id); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.manager.Invalidate(id)

	h.logger.Info("data source removed", zap.String("datasource_id", id.String()))
	h.write(w, http.StatusOK, ApiResponse{Success: true, Message: "Data source removed"})
}

// Test handles POST /api/datasources/{id}/test
func (h *DataSourceHandler) Test(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	if err := h.manager.TestConnection(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	h.write(w, http.StatusOK, ApiResponse{Success: true, Message: "Connection OK"})
}

// Invalidate handles POST /api/datasources/{id}/invalidate
// Drops the pooled connections and cached schema so the next query
// reconnects and re-reads table descriptions.
func (h *DataSourceHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	h.manager.Invalidate(id)
	h.write(w, http.StatusOK, ApiResponse{Success: true, Message: "Data source invalidated"})
}

// Tables handles GET /api/datasources/{id}/tables
func (h *DataSourceHandler) Tables(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}

	tables, err := h.introspector.Tables(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.write(w, http.StatusOK, ApiResponse{Success: true, Data: tables})
}

// DescribeTable handles GET /api/datasources/{id}/tables/{table}
func (h *DataSourceHandler) DescribeTable(w http.ResponseWriter, r *http.Request) {
	id, ok := h.parseID(w, r)
	if !ok {
		return
	}
	table := r.PathValue("table")

	ts, err := h.introspector.Describe(r.Context(), id, table)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.write(w, http.StatusOK, ApiResponse{Success: true, Data: ts})
}

func (h *DataSourceHandler) parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		h.writeBadRequest(w, "invalid_datasource_id", "Invalid data source ID format")
		return uuid.Nil, false
	}
	return id, true
}

func (h *DataSourceHandler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Error(err))
	if err := RespondAppError(w, err); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *DataSourceHandler) writeBadRequest(w http.ResponseWriter, code, message string) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}

func (h *DataSourceHandler) write(w http.ResponseWriter, status int, resp ApiResponse) {
	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

package handlers

import (
	"net/http"
	"os"
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/config"
	"github.com/intellibi/analytics-engine/pkg/datasource"
)

// PingResponse describes the running engine: build, host, and which dialect
// adapters this binary carries.
type PingResponse struct {
	Status        string   `json:"status"`
	Service       string   `json:"service"`
	Version       string   `json:"version"`
	Environment   string   `json:"environment"`
	GoVersion     string   `json:"go_version"`
	Hostname      string   `json:"hostname"`
	UptimeSeconds int64    `json:"uptime_seconds"`
	Dialects      []string `json:"dialects"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg     *config.Config
	started time.Time
	logger  *zap.Logger
}

// NewHealthHandler creates a health handler anchored at startup time.
func NewHealthHandler(cfg *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, started: time.Now(), logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ping", h.Ping)
}

// Health handles GET /health requests.
// Returns a simple "ok" status for load balancer health checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ping handles GET /ping requests.
// Returns build and runtime details for operators and smoke tests.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	dialects := make([]string, 0)
	for _, d := range datasource.RegisteredDialects() {
		dialects = append(dialects, string(d))
	}
	sort.Strings(dialects)

	response := PingResponse{
		Status:        "ok",
		Service:       "analytics-engine",
		Version:       h.cfg.Version,
		Environment:   h.cfg.Env,
		GoVersion:     runtime.Version(),
		Hostname:      hostname,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Dialects:      dialects,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/intellibi/analytics-engine/pkg/audit"
	"github.com/intellibi/analytics-engine/pkg/compiler"
	"github.com/intellibi/analytics-engine/pkg/config"
	"github.com/intellibi/analytics-engine/pkg/crypto"
	"github.com/intellibi/analytics-engine/pkg/datasource"
	"github.com/intellibi/analytics-engine/pkg/handlers"
	"github.com/intellibi/analytics-engine/pkg/history"
	"github.com/intellibi/analytics-engine/pkg/llm"
	"github.com/intellibi/analytics-engine/pkg/logging"
	"github.com/intellibi/analytics-engine/pkg/middleware"
	"github.com/intellibi/analytics-engine/pkg/schema"
	"github.com/intellibi/analytics-engine/pkg/services"
	"github.com/intellibi/analytics-engine/pkg/session"
	"github.com/intellibi/analytics-engine/pkg/translator"

	// Register dialect connectors.
	_ "github.com/intellibi/analytics-engine/pkg/datasource/file"
	_ "github.com/intellibi/analytics-engine/pkg/datasource/mysql"
	_ "github.com/intellibi/analytics-engine/pkg/datasource/postgres"
	_ "github.com/intellibi/analytics-engine/pkg/datasource/sqlserver"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("env", cfg.Env),
		zap.String("model_provider", cfg.Model.Provider),
		zap.String("model", cfg.Model.Name),
		zap.Int("query_max_rows", cfg.Query.MaxRows),
		zap.Strings("dialects", dialectNames()))

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to initialize credential encryption", zap.Error(err))
	}

	store := datasource.NewStore(encryptor)
	manager := datasource.NewManager(store, datasource.ManagerConfig{
		PoolOptions: datasource.PoolOptions{
			MaxConns: cfg.Pool.MaxConns,
			MinConns: cfg.Pool.MinConns,
			IdleTTL:  cfg.Pool.IdleTTL(),
		},
		LeaseWait: cfg.Pool.LeaseWait(),
	}, logger)
	defer func() { _ = manager.Close() }()

	introspector := schema.NewIntrospector(manager, cfg.Schema.CacheTTL(), logger)
	manager.OnInvalidate(introspector.Invalidate)

	comp := compiler.New(cfg.Query.MaxRows)

	modelClient, err := llm.NewClient(cfg.Model, logger)
	if err != nil {
		logger.Fatal("Failed to initialize model client", zap.Error(err))
	}
	trans := translator.New(modelClient, introspector, cfg.Model, logger)

	sessions := session.NewStore(session.Config{
		InactivityWindow: cfg.Session.InactivityWindow(),
		MaxTurns:         cfg.Session.MaxTurns,
	}, logger)
	defer sessions.Close()

	hist := history.NewStore(cfg.History.MaxRecords)
	auditor := audit.NewSecurityAuditor(logger)

	analytics := services.NewAnalyticsService(
		store, manager, introspector, comp, trans,
		sessions, hist, auditor,
		cfg.Query.QueryTimeout(), logger)

	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewDataSourceHandler(store, manager, introspector, logger).RegisterRoutes(mux)
	handlers.NewAnalyticsHandler(analytics, logger).RegisterRoutes(mux)
	handlers.NewHistoryHandler(hist, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:              net.JoinHostPort(cfg.BindAddr, cfg.Port),
		Handler:           middleware.RequestLogger(logger)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Starting analytics-engine",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
	}
}

func dialectNames() []string {
	dialects := datasource.RegisteredDialects()
	names := make([]string, 0, len(dialects))
	for _, d := range dialects {
		names = append(names, string(d))
	}
	return names
}

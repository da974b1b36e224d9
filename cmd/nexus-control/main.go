// Package main is the entry point for the Nexus control plane: the public
// API for accounts, tenants, config revisions and the event stream.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nexushq/nexus/internal/actions"
	authhandlers "github.com/nexushq/nexus/internal/auth/handlers"
	authservice "github.com/nexushq/nexus/internal/auth/service"
	authstore "github.com/nexushq/nexus/internal/auth/store"
	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/httpmw"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/common/tracing"
	"github.com/nexushq/nexus/internal/db"
	"github.com/nexushq/nexus/internal/events"
	eventmanager "github.com/nexushq/nexus/internal/events/manager"
	eventstore "github.com/nexushq/nexus/internal/events/store"
	"github.com/nexushq/nexus/internal/gateway"
	"github.com/nexushq/nexus/internal/secrets"
	tenanthandlers "github.com/nexushq/nexus/internal/tenant/handlers"
	tenantservice "github.com/nexushq/nexus/internal/tenant/service"
	tenantstore "github.com/nexushq/nexus/internal/tenant/store"
	"github.com/nexushq/nexus/internal/tenant/workerclient"
)

const serverName = "nexus-control"

func main() {
	// 1. Load configuration
	cfg, err := config.LoadControl()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Nexus control plane...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Open the database (SQLite file or postgres:// URL)
	pool, closeDB, err := db.Open(cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns, log)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer closeDB()
	log.Info("Connected to database", zap.String("url", cfg.Database.URL))

	// 5. Initialize stores
	users, err := authstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize auth store", zap.Error(err))
	}
	tenants, err := tenantstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize tenant store", zap.Error(err))
	}
	eventLog, err := eventstore.New(pool)
	if err != nil {
		log.Fatal("Failed to initialize event store", zap.Error(err))
	}

	// 6. Connect to the event bus (NATS, or in-process when unconfigured)
	providedBus, closeBus, err := events.Provide(cfg.Bus, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer closeBus()

	// 7. Event manager: the single writer assigning durable event ids
	manager := eventmanager.New(eventLog, providedBus.Bus, log)

	// 8. Auth service and action token signer
	auth, err := authservice.New(users, cfg.Auth, log)
	if err != nil {
		log.Fatal("Failed to initialize auth service", zap.Error(err))
	}
	signer, err := actions.NewSigner(cfg.Actions)
	if err != nil {
		log.Fatal("Failed to initialize action signer", zap.Error(err))
	}

	// 9. Secrets cipher for config values at rest
	cipher, err := secrets.NewEnvCipher(cfg.Secrets)
	if err != nil {
		log.Fatal("Failed to initialize secrets cipher", zap.Error(err))
	}

	// 10. Tenant service with the worker dispatch client
	worker := workerclient.New(cfg.Worker, signer, log)
	tenantSvc := tenantservice.New(tenants, worker, manager, cipher, log)

	// 11. Stream gateway hub, fed by the event manager's fanout
	hub := gateway.NewHub(cfg.Stream, log)
	go hub.Run(ctx)

	manager.AttachProjector(tenantSvc)
	manager.AttachSink(hub)
	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start event manager", zap.Error(err))
	}
	defer manager.Stop()

	// 12. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	// 13. Register API routes
	authhandlers.RegisterRoutes(router, auth, log)
	tenanthandlers.RegisterRoutes(router, tenantSvc, auth, log)

	streamHandler := gateway.NewHandler(hub, auth, tenantSvc, eventLog, log)
	gateway.RegisterRoutes(router, streamHandler, auth, tenantSvc)

	// 14. Health check endpoint
	healthz := func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/health", healthz)
	router.GET("/v1/health", healthz)

	// 15. Start server in goroutine
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 16. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Nexus control plane...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("Nexus control plane stopped")
}

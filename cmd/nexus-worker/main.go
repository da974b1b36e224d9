// Package main is the entry point for the Nexus worker: the host-side agent
// that materializes tenant runtimes and relays their bridge events.
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
	"github.com/nexushq/nexus/internal/common/config"
	"github.com/nexushq/nexus/internal/common/httpmw"
	"github.com/nexushq/nexus/internal/common/logger"
	"github.com/nexushq/nexus/internal/events/bus"
	"github.com/nexushq/nexus/internal/worker/docker"
	"github.com/nexushq/nexus/internal/worker/monitor"
	"github.com/nexushq/nexus/internal/worker/publisher"
	"github.com/nexushq/nexus/internal/worker/runtime"
	"github.com/nexushq/nexus/internal/worker/server"
)

const serverName = "nexus-worker"

func main() {
	// 1. Load configuration
	cfg, err := config.LoadWorker()
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

	log.Info("Starting Nexus worker...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the container engine; refuse to start without it
	engine, err := docker.NewClient(cfg.Docker, log)
	if err != nil {
		log.Fatal("Failed to create engine client", zap.Error(err))
	}
	pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := engine.Ping(pingCtx); err != nil {
		pingCancel()
		log.Fatal("Container engine unreachable", zap.Error(err))
	}
	pingCancel()
	log.Info("Connected to container engine")

	// 5. Connect to NATS: bridge events must reach the control plane
	eventBus, err := bus.NewNATSEventBus(cfg.Bus, log)
	if err != nil {
		log.Fatal("Failed to connect to NATS", zap.Error(err))
	}
	defer eventBus.Close()
	log.Info("Connected to NATS event bus", zap.String("url", cfg.Bus.URL))

	// 6. Runtime manager and bridge monitor
	pub := publisher.New(eventBus, log)
	manager := runtime.NewManager(engine, cfg.Runtime, cfg.Docker, pub, log)

	bridges := monitor.New(ctx, cfg.Monitor, cfg.Runtime.BridgePort, pub, log)
	defer bridges.Close()
	manager.SetWatcher(bridges)

	// 7. Reconciler converges engine state in the background
	reconciler := runtime.NewReconciler(manager, cfg.Runtime.ReconcileIntervalDuration(), log)
	go reconciler.Run(ctx)

	// 8. Action token verifier for the private API
	verifier, err := actions.NewVerifier(cfg.Actions)
	if err != nil {
		log.Fatal("Failed to initialize action verifier", zap.Error(err))
	}

	// 9. HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.RequestLogger(log, serverName))
	router.Use(gin.Recovery())

	server.New(manager, engine, log).RegisterRoutes(router, verifier)

	// 10. Start server in goroutine
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}
	go func() {
		log.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Nexus worker...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	log.Info("Nexus worker stopped")
}

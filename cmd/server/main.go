/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the allocation sync server: the admin/read HTTP
  API plus the periodic sync scheduler. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env and ALLOCSYNC_* environment (config package)
  2. Parse command-line flags (override environment)
  3. Build logger, SQLite store, handler and router
  4. Start the sync scheduler
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: ALLOCSYNC_PORT or 8080)
  -db         SQLite database path (default: ALLOCSYNC_DB_PATH)
              Use ":memory:" for in-memory database
  -scheduler  Run the periodic sync (default: ALLOCSYNC_SCHEDULER_ENABLED)
  -force      Scheduled syncs overwrite existing sources

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight sync)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  ALLOCSYNC_API_URL=https://accounting.example.org ./server -db="./data/allocations.db"
  ./server -db=":memory:" -scheduler=false

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - api/scheduler.go: Periodic sync
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/allocation-engine/allocation"
	"github.com/warp/allocation-engine/api"
	"github.com/warp/allocation-engine/config"
	"github.com/warp/allocation-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	schedulerEnabled := flag.Bool("scheduler", cfg.SchedulerEnabled, "Run the periodic sync")
	force := flag.Bool("force", false, "Scheduled syncs overwrite existing sources")
	flag.Parse()

	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize store
	if *dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
			logger.Fatal("failed to create database directory", zap.String("path", *dbPath), zap.Error(err))
		}
	}
	store, err := sqlite.New(*dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Initialize handler; every job gets a fresh driver
	handler := api.NewHandler(store, func() allocation.Driver {
		return cfg.NewDriver(logger)
	}, logger)

	scheduler := api.NewSyncScheduler(handler, logger)
	scheduler.Interval = cfg.SyncInterval
	scheduler.Enabled = *schedulerEnabled
	scheduler.ForceUpdate = *force
	scheduler.Start()

	// Create router
	router := api.NewRouter(handler)

	// Create server
	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // job triggers walk the whole upstream
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server starting",
			zap.String("addr", "http://localhost:"+*port),
			zap.String("accounting_url", cfg.APIURL),
			zap.String("resource", cfg.Resource),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the count engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (.env, environment, flags)
  2. Build the logger
  3. Initialize SQLite store
  4. Pick the batch locker (Redis when configured, in-process otherwise)
  5. Create the engine, handler, snapshot scheduler and router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: 8080)
  -db         SQLite database path (default: count.db)
              Use ":memory:" for in-memory database
  -log-level  debug, info, warn, error (default: info)
  -redis      Redis address for cross-process batch locks

ENVIRONMENT:
  See config/config.go. Flags override environment variables.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the snapshot scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/count.db"

  # Share batch locks between two instances
  ./server -redis=localhost:6379 -port=8081

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/count-engine/api"
	"github.com/warp/count-engine/config"
	"github.com/warp/count-engine/count"
	"github.com/warp/count-engine/store/redislocker"
	"github.com/warp/count-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := config.NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.WithFields(logrus.Fields{
		"module": "main",
		"port":   cfg.Port,
		"db":     cfg.DBPath,
	}).Info("starting count engine")

	// Initialize store
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize database")
	}
	defer store.Close()

	// Batch locker
	var locker count.BatchLocker = count.NewLocalLocker()
	if cfg.RedisAddr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		rl, rdb, err := redislocker.Connect(ctx, cfg.RedisAddr, redislocker.Options{TTL: cfg.LockTTL, Logger: logger})
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("failed to connect redis")
		}
		defer rdb.Close()
		locker = rl
		logger.WithField("redis", cfg.RedisAddr).Info("using redis batch locks")
	}

	engine := count.NewEngine(store, count.EngineOptions{
		Locker:          locker,
		Logger:          logger,
		UncountedSample: cfg.UncountedSample,
	})

	handler := api.NewHandler(engine, store, logger)
	router := api.NewRouter(handler, api.RouterOptions{AllowedOrigins: cfg.AllowedOrigins})

	scheduler := api.NewSnapshotScheduler(engine, logger)
	scheduler.Interval = cfg.SnapshotInterval
	scheduler.Enabled = cfg.SnapshotInterval > 0
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("server listening on http://localhost:%d/api", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
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
		logger.WithError(err).Error("server forced to shutdown")
		return
	}

	logger.Info("server stopped")
}

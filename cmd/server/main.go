/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the incentive compensation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize logger
  3. Open the SQL store (SQLite or PostgreSQL)
  4. Build resolver and orchestrator, create API handler
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides config
  -db      Database DSN, overrides config. Use ":memory:" with sqlite3
           for an in-memory database

ENVIRONMENT:
  ICE_PORT, ICE_DB_DRIVER, ICE_DB_DSN, ICE_LOG_MODE, ICE_WORKERS,
  ICE_FUZZY_THRESHOLD, ICE_MATCH_MODE, ICE_TOP_N, ICE_ALLOWED_ORIGINS.
  A .env file in the working directory is read if present.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server -db="./data/incentives.db"
  ./server -config=config.yaml -port=3000
  ICE_DB_DRIVER=postgres ICE_DB_DSN="postgres://localhost/ice?sslmode=disable" ./server

SEE ALSO:
  - config/config.go: Configuration sources
  - api/server.go: Router configuration
  - store/sqlstore/store.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/incentive-engine/api"
	"github.com/warp/incentive-engine/calc"
	"github.com/warp/incentive-engine/config"
	"github.com/warp/incentive-engine/logger"
	"github.com/warp/incentive-engine/metrics"
	"github.com/warp/incentive-engine/store/sqlstore"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Database DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg, err := logger.New(cfg.LogMode)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer lg.Sync()

	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		lg.Fatal("failed to initialize database", "driver", cfg.Database.Driver, "error", err)
	}
	defer store.Close()

	resolver := metrics.NewResolver(metrics.Options{
		Threshold: cfg.Engine.FuzzyThreshold,
		ExactOnly: cfg.Engine.MatchMode == "exact",
	})
	orchestrator := calc.NewOrchestrator(store, resolver, lg, calc.Options{
		Workers: cfg.Engine.Workers,
		TopN:    cfg.Engine.TopN,
	})

	handler := api.NewHandler(store, orchestrator, lg)
	router := api.NewRouter(handler, cfg.CORS.AllowedOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("server starting", "port", cfg.Port, "driver", cfg.Database.Driver,
			"workers", cfg.Engine.Workers, "match_mode", cfg.Engine.MatchMode)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			lg.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	lg.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		lg.Error("server forced to shutdown", "error", err)
		return
	}

	lg.Info("server stopped")
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the exeat engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, EXEAT_* environment, flags)
  2. Open the store (SQLite or PostgreSQL)
  3. Build the engine with notifier and authorization policy
  4. Start the sweep scheduler
  5. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -env     Path to a .env file (default: .env, ignored if missing)
  -port    HTTP server port (overrides EXEAT_PORT)
  -db      SQLite database path (overrides EXEAT_DB_PATH)
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the sweep scheduler (waits for an in-flight sweep)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Drain pending notifications
  5. Close database connection

EXAMPLES:
  # SQLite file database
  ./server -db="./data/exeat.db"

  # PostgreSQL
  EXEAT_DB_DRIVER=postgres EXEAT_DB_DSN="host=localhost user=exeat dbname=exeat" ./server

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - api/scheduler.go: Background sweeps
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

	"github.com/warp/exeat-engine/api"
	"github.com/warp/exeat-engine/config"
	"github.com/warp/exeat-engine/exeat"
	"github.com/warp/exeat-engine/store/postgres"
	"github.com/warp/exeat-engine/store/sqlite"
)

// backend is what the server needs from a store.
type backend interface {
	exeat.TxStore
	exeat.Directory
	exeat.SweepLog
	Close() error
}

func openStore(cfg *config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		return postgres.New(cfg.DBDSN)
	default:
		return sqlite.New(cfg.DBPath)
	}
}

func main() {
	// Flags
	envFile := flag.String("env", ".env", "Path to .env file")
	port := flag.Int("port", 0, "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *dbPath != "" {
		cfg.DBDriver = config.DriverSQLite
		cfg.DBPath = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize store
	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	logger := log.Default()
	notifier := exeat.NewAsyncNotifier(&exeat.LogNotifier{Logger: logger}, cfg.NotifyTimeout, logger)

	engine := exeat.NewEngine(store, exeat.Config{
		Location:             cfg.Location,
		BaseDebtUnit:         cfg.BaseDebtUnit,
		ProcessingChargeRate: cfg.ProcessingChargeRate,
		Policy:               exeat.NewPolicy(cfg.PrivilegedStaff...),
		Directory:            store,
		Notifier:             notifier,
		Logger:               logger,
	})

	scheduler := api.NewSweepScheduler(engine, store)
	scheduler.CheckInterval = cfg.SweepInterval
	scheduler.Schedule = cfg.SweepCron
	scheduler.Location = cfg.Location
	scheduler.Enabled = cfg.SchedulerEnabled
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	handler := api.NewHandler(engine, scheduler, store)
	router := api.NewRouter(handler, cfg.CORSOrigins)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server starting on http://localhost:%d (db=%s, tz=%s)", cfg.Port, cfg.DBDriver, cfg.Location)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	notifier.Wait()

	log.Println("Server stopped")
}

/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the tuition billing server. Handles configuration,
  dependency injection, the background recompute worker, and graceful
  shutdown.

STARTUP SEQUENCE:
  1. Load configuration (env vars, optional config.yaml, defaults)
  2. Initialize SQLite store
  3. Build the billing engine and outbox worker
  4. Configure HTTP router
  5. Start server with graceful shutdown

CONFIGURATION:
  Env vars use the TUITION_ prefix:
    TUITION_SERVER_PORT              HTTP port (default 8080)
    TUITION_DB_PATH                  SQLite path (default tuition.db)
    TUITION_OUTBOX_POLL_INTERVAL     e.g. "30s"
  See config/config.go for the full set.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the outbox worker (waits for the in-flight batch)
  4. Close database connection
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - billing/outbox.go: Background recompute worker
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brightpath/tuition-engine/api"
	"github.com/brightpath/tuition-engine/billing"
	"github.com/brightpath/tuition-engine/config"
	"github.com/brightpath/tuition-engine/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	policy, err := cfg.BillingPolicy()
	if err != nil {
		log.Fatalf("Invalid billing configuration: %v", err)
	}

	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()

	engine := billing.NewEngine(store, policy)

	worker := billing.NewOutboxWorker(engine, cfg.Outbox.PollInterval, cfg.Outbox.MaxAttempts)
	worker.Start()
	defer worker.Stop()

	handler := api.NewHandler(engine, store)
	handler.Worker = worker
	router := api.NewRouter(handler)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on http://localhost%s", cfg.Addr())
		log.Printf("API available at http://localhost%s/api", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"usage_meter/internal/config"
	"usage_meter/internal/httpapi"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Create router with all dependencies
	mux, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		log.Fatalf("Failed to build router: %v", err)
	}

	// Background recovery sweep: resumes buffers orphaned by crashed or
	// restarted instances, starting with one pass right away.
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	go deps.Engine.StartSweeper(sweepCtx, cfg.Metering.SweepInterval)

	// Create HTTP server
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Usage metering engine listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	// Stop the sweeper and the engine's deferred flush timers. Buffered
	// usage stays in the coordination store; the next instance's sweep
	// picks it up.
	stopSweeper()
	deps.Engine.Shutdown()

	// Flush the audit trail before dropping connections
	if err := deps.Audit.Shutdown(ctx); err != nil {
		log.Printf("Failed to shutdown audit sink: %v", err)
	}

	if err := deps.Redis.Close(); err != nil {
		log.Printf("Failed to close Redis client: %v", err)
	}
	if err := deps.DB.Close(); err != nil {
		log.Printf("Failed to close database: %v", err)
	}

	log.Println("Server exited")
}

// Package main is the entry point for the ProtQuant server.
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

	"github.com/protquant/server/internal/api"
	"github.com/protquant/server/internal/cache"
	"github.com/protquant/server/internal/config"
	"github.com/protquant/server/internal/service"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/server.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting ProtQuant server on port %d", cfg.Server.Port)

	// Initialize cache manager (shared across all jobs)
	cacheManager, err := cache.NewManager(cache.Config{
		ResultCacheSizeMB: cfg.Cache.ResultSizeMB,
		ResultTTL:         time.Duration(cfg.Cache.ResultTTLMinutes) * time.Minute,
		MatrixCacheSize:   cfg.Cache.MatrixEntries,
	})
	if err != nil {
		log.Fatalf("Failed to initialize cache: %v", err)
	}
	defer cacheManager.Close()

	// Initialize job manager for analysis jobs (SQLite persistence)
	jobManager, err := api.NewJobManager(api.JobManagerConfig{
		MaxConcurrent: cfg.Jobs.MaxConcurrent,
		SQLitePath:    cfg.Jobs.SQLitePath,
		RetentionDays: cfg.Jobs.RetentionDays,
		CleanupPeriod: 1 * time.Hour,
	})
	if err != nil {
		log.Fatalf("Failed to initialize job manager: %v", err)
	}
	log.Printf("Analysis job manager: max_concurrent=%d, retention_days=%d, sqlite=%s",
		cfg.Jobs.MaxConcurrent, cfg.Jobs.RetentionDays, cfg.Jobs.SQLitePath)

	// Wire up analysis service as job executor
	analysisService := service.NewAnalysisService(cacheManager)
	jobManager.Executor = analysisService.ExecuteAnalysisJob

	jobManager.Start()
	defer jobManager.Stop()

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		JobManager:  jobManager,
		Cache:       cacheManager,
		Defaults: api.AnalysisDefaults{
			Method:        cfg.Pipeline.Method,
			Alpha:         cfg.Pipeline.Alpha,
			Confidence:    cfg.Pipeline.Confidence,
			MaxIterations: cfg.Pipeline.MaxIterations,
		},
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Printf("Server listening on http://localhost:%d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped")
}

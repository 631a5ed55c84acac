package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"upload-scheduler/internal/bandwidth"
	"upload-scheduler/internal/config"
	"upload-scheduler/internal/history"
	"upload-scheduler/internal/resource"
	"upload-scheduler/internal/scheduler"
	"upload-scheduler/internal/transport"
	"upload-scheduler/internal/web"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup structured logging
	setupLogging(cfg.LogLevel)

	slog.Info("Starting upload scheduler", "version", "1.0.0")

	// Initialize transfer history journal
	hist, err := history.New(cfg.HistoryDBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize history journal: %w", err)
	}
	defer func() {
		if err := hist.Close(); err != nil {
			slog.Error("Failed to close history journal", "error", err)
		}
	}()

	// Initialize upload transport client
	client := transport.NewHTTPClient(cfg.UploadServiceURL, time.Duration(cfg.TimeoutMs)*time.Millisecond)

	var limiter *bandwidth.Limiter
	if cfg.EnableBandwidthThrottling {
		limiter = bandwidth.NewLimiter(float64(cfg.MaxBandwidthBytes))
		slog.Info("Bandwidth throttling enabled", "max_bandwidth", cfg.MaxBandwidthBytes)
	}

	// Initialize upload scheduler
	sched := scheduler.New(client, scheduler.Options{
		MaxConcurrent: cfg.MaxConcurrentUploads,
		MaxRetries:    cfg.MaxRetries,
		RetryDelay:    cfg.RetryDelay(),
		ChunkSize:     cfg.ChunkSizeBytes,
		Timeout:       cfg.Timeout(),
		Limiter:       limiter,
	})

	// Initialize monitors
	bwMonitor := bandwidth.NewMonitor(sched.ActiveSpeed, cfg.EnableBandwidthThrottling, float64(cfg.MaxBandwidthBytes))
	resMonitor, err := resource.NewMonitor(0)
	if err != nil {
		return fmt.Errorf("failed to initialize resource monitor: %w", err)
	}

	server := web.NewServer(cfg, sched, hist, bwMonitor, resMonitor)

	return runServer(server, sched, hist, bwMonitor, resMonitor)
}

func runServer(server *web.Server, sched *scheduler.Scheduler, hist *history.DB, bwMonitor *bandwidth.Monitor, resMonitor *resource.Monitor) error {
	// Create main context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start scheduler and monitors
	go sched.Run(ctx)
	go bwMonitor.Run(ctx)
	go resMonitor.Run(ctx)

	// Journal terminal transfers
	events, unsubscribe := sched.Events().Subscribe()
	defer unsubscribe()
	recorder := history.NewRecorder(hist, sched)
	go recorder.Run(ctx, events)

	// Start journal cleanup routine (runs daily)
	go startHistoryCleanup(ctx, hist)

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed to start: %w", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig.String())
	}

	// Cancel context to stop the scheduler and monitors
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown server gracefully: %w", err)
	}

	slog.Info("Server shutdown complete")
	return nil
}

// setupLogging configures structured logging based on the log level
func setupLogging(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)
}

// startHistoryCleanup prunes old journal entries periodically
func startHistoryCleanup(ctx context.Context, hist *history.DB) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	// Run cleanup immediately on startup
	cleanupOldRecords(hist)

	for {
		select {
		case <-ctx.Done():
			slog.Info("History cleanup routine shutting down")
			return
		case <-ticker.C:
			cleanupOldRecords(hist)
		}
	}
}

// cleanupOldRecords removes journal entries older than 60 days
func cleanupOldRecords(hist *history.DB) {
	retention := 60 * 24 * time.Hour

	slog.Info("Running history cleanup", "retention_days", 60)

	if err := hist.DeleteOld(retention); err != nil {
		slog.Error("Failed to cleanup old transfer records", "error", err)
		return
	}

	slog.Info("History cleanup completed")
}

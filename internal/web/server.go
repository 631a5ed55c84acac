// Package web provides the HTTP server and routing
package web

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"upload-scheduler/internal/bandwidth"
	"upload-scheduler/internal/config"
	"upload-scheduler/internal/history"
	"upload-scheduler/internal/resource"
	"upload-scheduler/internal/scheduler"
	"upload-scheduler/internal/web/handlers"
)

// Server represents the HTTP server
type Server struct {
	server   *http.Server
	handlers *handlers.Handlers
	logger   *slog.Logger
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, sched *scheduler.Scheduler, hist *history.DB, bw *bandwidth.Monitor, res *resource.Monitor) *Server {
	h := handlers.NewHandlers(sched, hist, bw, res)

	mux := http.NewServeMux()

	// Enqueue and queue queries
	mux.HandleFunc("POST /api/uploads", h.Enqueue)
	mux.HandleFunc("GET /api/uploads", h.GetQueue)
	mux.HandleFunc("GET /api/uploads/{id}", h.GetItem)
	mux.HandleFunc("DELETE /api/uploads/{id}", h.Remove)
	mux.HandleFunc("DELETE /api/uploads", h.Clear)

	// Per-item control
	mux.HandleFunc("POST /api/uploads/{id}/pause", h.Pause)
	mux.HandleFunc("POST /api/uploads/{id}/resume", h.Resume)
	mux.HandleFunc("POST /api/uploads/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/uploads/{id}/retry", h.Retry)
	mux.HandleFunc("PATCH /api/uploads/{id}/priority", h.ChangePriority)

	// Queue-wide control
	mux.HandleFunc("POST /api/uploads/pause-all", h.PauseAll)
	mux.HandleFunc("POST /api/uploads/resume-all", h.ResumeAll)

	// Telemetry
	mux.HandleFunc("GET /api/stats", h.GetStats)
	mux.HandleFunc("GET /api/bandwidth", h.GetBandwidth)
	mux.HandleFunc("GET /api/resources", h.GetResources)
	mux.HandleFunc("GET /api/history", h.GetHistory)
	mux.HandleFunc("GET /api/history/sessions/{id}", h.GetSessionSummary)
	mux.HandleFunc("GET /api/events", h.Events)

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return &Server{
		server:   server,
		handlers: h,
		logger:   slog.Default(),
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

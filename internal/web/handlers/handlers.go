// Package handlers implements the JSON control API for the upload queue
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dustin/go-humanize"

	"upload-scheduler/internal/bandwidth"
	"upload-scheduler/internal/history"
	"upload-scheduler/internal/resource"
	"upload-scheduler/internal/scheduler"
	"upload-scheduler/pkg/models"
)

// Handlers holds the control API dependencies
type Handlers struct {
	scheduler *scheduler.Scheduler
	history   *history.DB
	bw        *bandwidth.Monitor
	resources *resource.Monitor
	logger    *slog.Logger
}

// NewHandlers creates the control API handlers
func NewHandlers(sched *scheduler.Scheduler, hist *history.DB, bw *bandwidth.Monitor, res *resource.Monitor) *Handlers {
	return &Handlers{
		scheduler: sched,
		history:   hist,
		bw:        bw,
		resources: res,
		logger:    slog.Default(),
	}
}

type enqueueRequest struct {
	Files     []models.FileRef `json:"files"`
	SessionID string           `json:"session_id"`
	Priority  models.Priority  `json:"priority"`
	Strategy  *models.Strategy `json:"strategy,omitempty"`
}

// Enqueue adds files to the upload queue
func (h *Handlers) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if len(req.Files) == 0 {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("no files provided"))
		return
	}
	if req.SessionID == "" {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("session_id is required"))
		return
	}

	ids, err := h.scheduler.Enqueue(req.Files, req.SessionID, req.Priority, req.Strategy)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}

	var total int64
	for _, f := range req.Files {
		total += f.Size
	}
	h.logger.Info("Files enqueued via API",
		"session_id", req.SessionID,
		"count", len(ids),
		"total_size", humanize.Bytes(uint64(total)))

	h.writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

// GetQueue returns all queue items
func (h *Handlers) GetQueue(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scheduler.Queue())
}

// GetItem returns one queue item
func (h *Handlers) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.scheduler.Item(r.PathValue("id"))
	if err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// Pause pauses an in-flight upload
func (h *Handlers) Pause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.scheduler.Pause)
}

// Resume re-queues a paused upload
func (h *Handlers) Resume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.scheduler.Resume)
}

// Cancel aborts an upload
func (h *Handlers) Cancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.scheduler.Cancel)
}

// Retry manually re-queues a failed upload
func (h *Handlers) Retry(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.scheduler.Retry)
}

func (h *Handlers) control(w http.ResponseWriter, r *http.Request, op func(string) error) {
	id := r.PathValue("id")
	if err := op(id); err != nil {
		h.writeControlError(w, err)
		return
	}
	item, err := h.scheduler.Item(id)
	if err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// ChangePriority moves an item to another priority tier
func (h *Handlers) ChangePriority(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Priority models.Priority `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	id := r.PathValue("id")
	if err := h.scheduler.ChangePriority(id, req.Priority); err != nil {
		h.writeControlError(w, err)
		return
	}
	item, err := h.scheduler.Item(id)
	if err != nil {
		h.writeControlError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, item)
}

// PauseAll pauses every upload and gates admission
func (h *Handlers) PauseAll(w http.ResponseWriter, r *http.Request) {
	h.scheduler.PauseAll()
	h.writeJSON(w, http.StatusOK, map[string]any{"paused": true})
}

// ResumeAll clears the global pause and re-queues paused uploads
func (h *Handlers) ResumeAll(w http.ResponseWriter, r *http.Request) {
	h.scheduler.ResumeAll()
	h.writeJSON(w, http.StatusOK, map[string]any{"paused": false})
}

// Remove deletes an item from the queue
func (h *Handlers) Remove(w http.ResponseWriter, r *http.Request) {
	if err := h.scheduler.Remove(r.PathValue("id")); err != nil {
		h.writeControlError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Clear removes all items, optionally scoped to one session
func (h *Handlers) Clear(w http.ResponseWriter, r *http.Request) {
	removed := h.scheduler.Clear(r.URL.Query().Get("session_id"))
	h.writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

// GetStats returns the recomputed queue statistics
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.scheduler.Statistics())
}

// GetBandwidth returns the bandwidth monitor snapshot
func (h *Handlers) GetBandwidth(w http.ResponseWriter, r *http.Request) {
	stats := h.bw.Stats()
	h.writeJSON(w, http.StatusOK, map[string]any{
		"current_speed":       stats.CurrentSpeed,
		"average_speed":       stats.AverageSpeed,
		"peak_speed":          stats.PeakSpeed,
		"throttled":           stats.Throttled,
		"sample_count":        stats.SampleCount,
		"current_speed_human": humanize.Bytes(uint64(stats.CurrentSpeed)) + "/s",
	})
}

// GetResources returns the latest process resource snapshot
func (h *Handlers) GetResources(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.resources.Usage())
}

// GetHistory returns recently finished transfers from the journal
func (h *Handlers) GetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = parsed
	}

	records, err := h.history.Recent(limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, records)
}

// GetSessionSummary returns the journalled outcome counts for a session
func (h *Handlers) GetSessionSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.history.Summarize(r.PathValue("id"))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, http.StatusOK, summary)
}

// Events streams queue lifecycle events as server-sent events
func (h *Handlers) Events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	events, cancel := h.scheduler.Events().Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-events:
			if !open {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("Failed to encode event", "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("Failed to encode response", "error", err)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, err error) {
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// writeControlError maps scheduler errors to HTTP statuses
func (h *Handlers) writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scheduler.ErrNotFound):
		h.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, err)
	default:
		h.writeError(w, http.StatusBadRequest, err)
	}
}

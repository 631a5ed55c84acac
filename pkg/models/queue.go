// Package models defines the data structures used throughout the application
package models

import (
	"time"
)

// Status represents the current status of a queue item
type Status string

const (
	StatusQueued     Status = "queued"
	StatusUploading  Status = "uploading"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are possible from s.
// A failed item is not terminal here: it may still be retried, either
// automatically or by the caller.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Priority is the scheduling tier of a queue item
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a recognized priority tier
func (p Priority) Valid() bool {
	switch p {
	case PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// PriorityLevel binds a scheduling weight and a per-tier concurrency cap
// to a priority tier
type PriorityLevel struct {
	Weight        int `json:"weight"`
	MaxConcurrent int `json:"max_concurrent"`
}

// DefaultPriorityLevels returns the standard tier configuration. Higher
// weight wins at admission time; the per-tier cap bounds how many items
// of one tier may transfer at once regardless of free global slots.
func DefaultPriorityLevels() map[Priority]PriorityLevel {
	return map[Priority]PriorityLevel{
		PriorityUrgent: {Weight: 100, MaxConcurrent: 2},
		PriorityHigh:   {Weight: 75, MaxConcurrent: 3},
		PriorityNormal: {Weight: 50, MaxConcurrent: 3},
		PriorityLow:    {Weight: 25, MaxConcurrent: 2},
	}
}

// FileRef identifies the local source file of a transfer
type FileRef struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// QueueItem represents one requested transfer and its mutable state.
// All mutation happens inside the scheduler; other components only read
// snapshots.
type QueueItem struct {
	ID        string   `json:"id"`
	SessionID string   `json:"session_id"`
	File      FileRef  `json:"file"`
	Priority  Priority `json:"priority"`
	Status    Status   `json:"status"`

	Progress      float64 `json:"progress"`
	UploadedBytes int64   `json:"uploaded_bytes"`
	Speed         float64 `json:"speed"`          // bytes/sec, instantaneous
	TimeRemaining float64 `json:"time_remaining"` // seconds, 0 when unknown

	RetryCount int          `json:"retry_count"`
	Errors     []QueueError `json:"errors,omitempty"`

	Strategy Strategy       `json:"strategy"`
	Chunks   []*UploadChunk `json:"chunks,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	PausedAt    *time.Time `json:"paused_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Seq is the enqueue sequence number, used for FIFO ordering within
	// a priority tier.
	Seq int64 `json:"-"`
}

// Clone returns a deep copy of the item safe to hand outside the
// scheduler's lock.
func (q *QueueItem) Clone() *QueueItem {
	c := *q
	if q.Errors != nil {
		c.Errors = make([]QueueError, len(q.Errors))
		copy(c.Errors, q.Errors)
	}
	if q.Chunks != nil {
		c.Chunks = make([]*UploadChunk, len(q.Chunks))
		for i, ch := range q.Chunks {
			cc := *ch
			c.Chunks[i] = &cc
		}
	}
	return &c
}

// ChunkStatus is the status of a single chunk of a chunked transfer
type ChunkStatus string

const (
	ChunkPending   ChunkStatus = "pending"
	ChunkUploading ChunkStatus = "uploading"
	ChunkCompleted ChunkStatus = "completed"
	ChunkFailed    ChunkStatus = "failed"
)

// UploadChunk is one byte-range slice of a chunked transfer. Ranges are
// half-open [Start, End), contiguous, and together cover the whole file.
type UploadChunk struct {
	Index       int         `json:"index"`
	Start       int64       `json:"start"`
	End         int64       `json:"end"`
	Size        int64       `json:"size"`
	Status      ChunkStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	Checksum    string      `json:"checksum,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// ErrorType classifies a transfer failure
type ErrorType string

const (
	ErrorNetwork    ErrorType = "network"
	ErrorServer     ErrorType = "server"
	ErrorClient     ErrorType = "client"
	ErrorValidation ErrorType = "validation"
	ErrorTimeout    ErrorType = "timeout"
)

// QueueError is an immutable record of one classified failure
type QueueError struct {
	Timestamp time.Time `json:"timestamp"`
	Type      ErrorType `json:"type"`
	Message   string    `json:"message"`
	Code      int       `json:"code,omitempty"`
	Retryable bool      `json:"retryable"`
	Details   string    `json:"details,omitempty"`
}

// QueueStatistics is a snapshot derived from the current queue contents,
// recomputed on every read
type QueueStatistics struct {
	TotalItems    int            `json:"total_items"`
	StatusCounts  map[Status]int `json:"status_counts"`
	TotalBytes    int64          `json:"total_bytes"`
	UploadedBytes int64          `json:"uploaded_bytes"`

	OverallProgress        float64 `json:"overall_progress"`
	AverageSpeed           float64 `json:"average_speed"`            // bytes/sec over active items
	EstimatedTimeRemaining float64 `json:"estimated_time_remaining"` // seconds
	SuccessRate            float64 `json:"success_rate"`
	ErrorRate              float64 `json:"error_rate"`
}

// BandwidthStats is a read-only view of observed transfer throughput
type BandwidthStats struct {
	CurrentSpeed float64 `json:"current_speed"` // bytes/sec, latest sample
	AverageSpeed float64 `json:"average_speed"` // mean over the sample window
	PeakSpeed    float64 `json:"peak_speed"`    // running max, never decreases
	Throttled    bool    `json:"throttled"`
	SampleCount  int     `json:"sample_count"`
}

// ResourceUsage is a best-effort snapshot of process-level resource
// consumption
type ResourceUsage struct {
	RSSBytes     uint64    `json:"rss_bytes"`
	CPUPercent   float64   `json:"cpu_percent"`
	NetBytesSent uint64    `json:"net_bytes_sent"`
	NetBytesRecv uint64    `json:"net_bytes_recv"`
	GoroutineCnt int       `json:"goroutines"`
	SampledAt    time.Time `json:"sampled_at"`
}

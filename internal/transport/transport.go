// Package transport defines the collaborator that actually moves bytes
// to the remote store. The scheduler only decides what to send and when;
// everything here is the how.
package transport

import (
	"context"
	"fmt"
	"io"
)

// ProgressFunc receives monotonically non-decreasing uploaded byte counts
// while a transfer is in flight.
type ProgressFunc func(uploadedBytes int64)

// Payload is one complete file (or batch part) to upload
type Payload struct {
	SessionID string
	FileName  string
	MimeType  string
	Size      int64
	Body      io.Reader
}

// ChunkPayload is one byte-range slice of a chunked upload
type ChunkPayload struct {
	UploadID string
	FileName string
	Index    int
	Total    int
	Size     int64
	Checksum string
	Body     io.Reader
}

// Result describes a finished upload
type Result struct {
	RemoteID string `json:"id"`
	Size     int64  `json:"size"`
}

// Transport is the upload collaborator consumed by the strategy
// executors. Implementations must honor context cancellation promptly
// and report progress as non-decreasing byte counts.
//
//go:generate mockgen -source=transport.go -destination=mocks/mock_transport.go -package=mocks
type Transport interface {
	// Upload sends a complete payload in one call.
	Upload(ctx context.Context, p Payload, onProgress ProgressFunc) (*Result, error)

	// UploadChunk sends one slice of a chunked upload.
	UploadChunk(ctx context.Context, c ChunkPayload, onProgress ProgressFunc) error

	// Finalize asks the remote side to assemble a chunked upload once
	// all chunks have arrived.
	Finalize(ctx context.Context, uploadID string, totalChunks int) (*Result, error)
}

// StatusError is returned when the remote side answers with a non-2xx
// HTTP status.
type StatusError struct {
	Code    int
	Message string
}

// Error implements the error interface for StatusError
func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d", e.Code)
}

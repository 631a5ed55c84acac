package models

import "fmt"

// StrategyType discriminates the transfer strategy variants
type StrategyType string

const (
	StrategySingle    StrategyType = "single"
	StrategyChunked   StrategyType = "chunked"
	StrategyStreaming StrategyType = "streaming"
	StrategyBatch     StrategyType = "batch"
)

// Strategy is a closed tagged variant: Type selects exactly one of the
// parameter structs, the rest stay nil.
type Strategy struct {
	Type      StrategyType     `json:"type"`
	Single    *SingleParams    `json:"single,omitempty"`
	Chunked   *ChunkedParams   `json:"chunked,omitempty"`
	Streaming *StreamingParams `json:"streaming,omitempty"`
	Batch     *BatchParams     `json:"batch,omitempty"`
}

// SingleParams configures a one-shot multipart upload
type SingleParams struct {
	ValidateChecksum bool `json:"validate_checksum"`
}

// ChunkedParams configures a chunked upload.
//
// ParallelChunks is accepted and validated but chunk uploads currently
// run sequentially; parallel chunk transfer is a reserved extension.
type ChunkedParams struct {
	ChunkSize        int64 `json:"chunk_size"`
	ParallelChunks   int   `json:"parallel_chunks"`
	ValidateChecksum bool  `json:"validate_checksum"`
	Resumable        bool  `json:"resumable"`
}

// StreamingParams configures a streaming upload
type StreamingParams struct {
	BufferSize int `json:"buffer_size"`
}

// BatchParams configures a batch upload of several small files in one
// transport call
type BatchParams struct {
	MaxBatchBytes int64 `json:"max_batch_bytes"`
}

// Validate checks that the discriminator matches the populated params
func (s Strategy) Validate() error {
	switch s.Type {
	case StrategySingle, StrategyStreaming, StrategyBatch:
		return nil
	case StrategyChunked:
		if s.Chunked == nil {
			return fmt.Errorf("chunked strategy requires chunked params")
		}
		if s.Chunked.ChunkSize <= 0 {
			return fmt.Errorf("chunked strategy requires positive chunk size, got %d", s.Chunked.ChunkSize)
		}
		if s.Chunked.ParallelChunks < 0 {
			return fmt.Errorf("parallel chunk count cannot be negative, got %d", s.Chunked.ParallelChunks)
		}
		return nil
	default:
		return fmt.Errorf("unknown strategy type %q", s.Type)
	}
}

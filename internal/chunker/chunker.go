// Package chunker plans the byte-range slices of a chunked transfer
package chunker

import (
	"fmt"

	"upload-scheduler/pkg/models"
)

// Plan splits a file of the given size into ordered chunks of chunkSize
// bytes each. The returned ranges are half-open, contiguous, and cover
// [0, size) exactly; the final chunk may be shorter than chunkSize.
func Plan(size, chunkSize int64) ([]*models.UploadChunk, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if size < 0 {
		return nil, fmt.Errorf("file size cannot be negative, got %d", size)
	}

	count := size / chunkSize
	if size%chunkSize != 0 {
		count++
	}

	chunks := make([]*models.UploadChunk, 0, count)
	for start := int64(0); start < size; start += chunkSize {
		end := start + chunkSize
		if end > size {
			end = size
		}
		chunks = append(chunks, &models.UploadChunk{
			Index:  len(chunks),
			Start:  start,
			End:    end,
			Size:   end - start,
			Status: models.ChunkPending,
		})
	}

	return chunks, nil
}

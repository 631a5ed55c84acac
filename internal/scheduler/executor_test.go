package scheduler

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"upload-scheduler/internal/transport"
	"upload-scheduler/pkg/models"
)

func TestScheduler_RetryBackoffThenPermanentFailure(t *testing.T) {
	var mu sync.Mutex
	var attempts []time.Time

	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			mu.Lock()
			attempts = append(attempts, time.Now())
			mu.Unlock()
			return nil, &transport.StatusError{Code: 503, Message: "unavailable"}
		},
	}

	delay := 40 * time.Millisecond
	s := New(tr, Options{MaxConcurrent: 1, MaxRetries: 2, RetryDelay: delay})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "flaky.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	waitForStatus(t, s, ids[0], models.StatusFailed)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts) == 3
	}, 3*time.Second, 5*time.Millisecond)

	// Exponential backoff: retry k is scheduled no earlier than
	// delay * 2^(k-1) after the previous failure
	mu.Lock()
	gap1 := attempts[1].Sub(attempts[0])
	gap2 := attempts[2].Sub(attempts[1])
	mu.Unlock()
	require.GreaterOrEqual(t, gap1, delay)
	require.GreaterOrEqual(t, gap2, 2*delay)

	it, err := s.Item(ids[0])
	require.NoError(t, err)
	require.Equal(t, 2, it.RetryCount)
	require.Len(t, it.Errors, 3)
	for _, qe := range it.Errors {
		require.Equal(t, models.ErrorServer, qe.Type)
		require.True(t, qe.Retryable)
	}

	// Retries exhausted: the item must stay failed
	time.Sleep(4 * delay)
	require.Equal(t, models.StatusFailed, itemStatus(t, s, ids[0]))
	mu.Lock()
	require.Len(t, attempts, 3)
	mu.Unlock()
}

func TestScheduler_NonRetryableFailsImmediately(t *testing.T) {
	var calls int
	var mu sync.Mutex

	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			return nil, &transport.StatusError{Code: 400, Message: "bad request"}
		},
	}

	s := New(tr, Options{MaxRetries: 3, RetryDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "bad.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	waitForStatus(t, s, ids[0], models.StatusFailed)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	require.Equal(t, 1, calls)
	mu.Unlock()

	it, err := s.Item(ids[0])
	require.NoError(t, err)
	require.Len(t, it.Errors, 1)
	require.Equal(t, models.ErrorClient, it.Errors[0].Type)
	require.False(t, it.Errors[0].Retryable)
}

func TestScheduler_FailedItemNeverShowsFullProgress(t *testing.T) {
	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			// The whole body streams before the server rejects it
			onProgress(p.Size)
			return nil, &transport.StatusError{Code: 400, Message: "rejected"}
		},
	}

	s := New(tr, Options{MaxRetries: 0})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "rejected.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	waitForStatus(t, s, ids[0], models.StatusFailed)

	it := mustItem(t, s, ids[0])
	require.Less(t, it.Progress, float64(100), "only completed items report full progress")
	require.Equal(t, int64(64), it.UploadedBytes)
}

func TestScheduler_ManualRetryAfterPermanentFailure(t *testing.T) {
	var fail = true
	var mu sync.Mutex

	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			mu.Lock()
			shouldFail := fail
			mu.Unlock()
			if shouldFail {
				return nil, &transport.StatusError{Code: 500}
			}
			return &transport.Result{}, nil
		},
	}

	s := New(tr, Options{MaxRetries: 1, RetryDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "retry.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)
	waitForStatus(t, s, ids[0], models.StatusFailed)

	historyLen := len(mustItem(t, s, ids[0]).Errors)
	require.Equal(t, 2, historyLen)

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, s.Retry(ids[0]))
	waitForStatus(t, s, ids[0], models.StatusCompleted)

	it := mustItem(t, s, ids[0])
	// The displayed attempt counter resets but the error log survives
	require.Equal(t, 0, it.RetryCount)
	require.Len(t, it.Errors, historyLen)
	require.Equal(t, float64(100), it.Progress)
}

func TestScheduler_ChunkedUploadWithChunkRetries(t *testing.T) {
	var mu sync.Mutex
	chunkAttempts := make(map[int]int)
	finalizedChunks := -1

	tr := &fakeTransport{
		chunkFn: func(ctx context.Context, c transport.ChunkPayload, onProgress transport.ProgressFunc) error {
			mu.Lock()
			chunkAttempts[c.Index]++
			n := chunkAttempts[c.Index]
			mu.Unlock()

			// Chunk 1 fails twice before succeeding
			if c.Index == 1 && n <= 2 {
				return &transport.StatusError{Code: 503}
			}

			data, err := io.ReadAll(c.Body)
			if err != nil {
				return err
			}
			if int64(len(data)) != c.Size {
				return fmt.Errorf("chunk %d: got %d bytes, want %d", c.Index, len(data), c.Size)
			}
			onProgress(c.Size)
			return nil
		},
		finalizeFn: func(ctx context.Context, uploadID string, totalChunks int) (*transport.Result, error) {
			mu.Lock()
			finalizedChunks = totalChunks
			mu.Unlock()
			return &transport.Result{RemoteID: uploadID}, nil
		},
	}

	s := New(tr, Options{MaxRetries: 3, RetryDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	// 25 KB file with 10 KB chunks plans 3 chunks of 10, 10, 5 KB
	file := newTestFile(t, "chunked.bin", 25*1024)
	strat := &models.Strategy{
		Type:    models.StrategyChunked,
		Chunked: &models.ChunkedParams{ChunkSize: 10 * 1024, ValidateChecksum: true, Resumable: true},
	}
	ids, err := s.Enqueue([]models.FileRef{file}, "sess", models.PriorityNormal, strat)
	require.NoError(t, err)

	waitForStatus(t, s, ids[0], models.StatusCompleted)

	it := mustItem(t, s, ids[0])
	require.Len(t, it.Chunks, 3)
	for _, ch := range it.Chunks {
		require.Equal(t, models.ChunkCompleted, ch.Status)
		require.NotNil(t, ch.CompletedAt)
		require.NotEmpty(t, ch.Checksum)
	}
	require.Equal(t, 2, it.Chunks[1].RetryCount)
	// Chunk retries never touch the item-level counter
	require.Equal(t, 0, it.RetryCount)

	mu.Lock()
	require.Equal(t, 3, finalizedChunks)
	require.Equal(t, 1, chunkAttempts[0])
	require.Equal(t, 3, chunkAttempts[1])
	require.Equal(t, 1, chunkAttempts[2])
	mu.Unlock()
}

func TestScheduler_ChunkExhaustionFailsItem(t *testing.T) {
	var mu sync.Mutex
	var finalized bool

	tr := &fakeTransport{
		chunkFn: func(ctx context.Context, c transport.ChunkPayload, onProgress transport.ProgressFunc) error {
			return &transport.StatusError{Code: 500}
		},
		finalizeFn: func(ctx context.Context, uploadID string, totalChunks int) (*transport.Result, error) {
			mu.Lock()
			finalized = true
			mu.Unlock()
			return &transport.Result{}, nil
		},
	}

	s := New(tr, Options{MaxRetries: 1, RetryDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	file := newTestFile(t, "doomed.bin", 4*1024)
	strat := &models.Strategy{
		Type:    models.StrategyChunked,
		Chunked: &models.ChunkedParams{ChunkSize: 1024},
	}
	ids, err := s.Enqueue([]models.FileRef{file}, "sess", models.PriorityNormal, strat)
	require.NoError(t, err)

	waitForStatus(t, s, ids[0], models.StatusFailed)
	require.Eventually(t, func() bool {
		it := mustItem(t, s, ids[0])
		return it.RetryCount == 1 && len(it.Errors) == 2
	}, 3*time.Second, 5*time.Millisecond)

	mu.Lock()
	require.False(t, finalized, "finalize must not run when a chunk exhausts its retries")
	mu.Unlock()
}

func TestScheduler_NoProgressTimeout(t *testing.T) {
	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	s := New(tr, Options{MaxRetries: 0, Timeout: 120 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "stalled.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	waitForStatus(t, s, ids[0], models.StatusFailed)

	it := mustItem(t, s, ids[0])
	require.Len(t, it.Errors, 1)
	require.Equal(t, models.ErrorTimeout, it.Errors[0].Type)
}

func TestScheduler_ProgressMonotonic(t *testing.T) {
	var mu sync.Mutex
	var observed []int64

	s := New(nil, Options{})
	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			// An unruly transport reporting out-of-order byte counts
			for _, n := range []int64{100, 50, 150, 120, 200} {
				onProgress(n)
				queue := s.Queue()
				mu.Lock()
				observed = append(observed, queue[0].UploadedBytes)
				mu.Unlock()
			}
			return &transport.Result{}, nil
		},
	}
	s.transport = tr

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "mono.bin", 200)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)
	waitForStatus(t, s, ids[0], models.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{100, 100, 150, 150, 200}, observed)
}

func TestScheduler_BatchRejectsOversizedFile(t *testing.T) {
	s := New(&fakeTransport{}, Options{MaxRetries: 3, RetryDelay: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	file := newTestFile(t, "big.bin", 2048)
	strat := &models.Strategy{
		Type:  models.StrategyBatch,
		Batch: &models.BatchParams{MaxBatchBytes: 1024},
	}
	ids, err := s.Enqueue([]models.FileRef{file}, "sess", models.PriorityNormal, strat)
	require.NoError(t, err)

	// Validation failures are terminal immediately, never retried
	waitForStatus(t, s, ids[0], models.StatusFailed)
	it := mustItem(t, s, ids[0])
	require.Len(t, it.Errors, 1)
	require.Equal(t, models.ErrorValidation, it.Errors[0].Type)
	require.Equal(t, 0, it.RetryCount)
}

func TestScheduler_StreamingUpload(t *testing.T) {
	var received int64
	var mu sync.Mutex

	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			data, err := io.ReadAll(p.Body)
			if err != nil {
				return nil, err
			}
			mu.Lock()
			received = int64(len(data))
			mu.Unlock()
			onProgress(int64(len(data)))
			return &transport.Result{Size: int64(len(data))}, nil
		},
	}

	s := New(tr, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	file := newTestFile(t, "stream.bin", 8*1024)
	strat := &models.Strategy{Type: models.StrategyStreaming, Streaming: &models.StreamingParams{}}
	ids, err := s.Enqueue([]models.FileRef{file}, "sess", models.PriorityNormal, strat)
	require.NoError(t, err)

	waitForStatus(t, s, ids[0], models.StatusCompleted)
	mu.Lock()
	require.Equal(t, int64(8*1024), received)
	mu.Unlock()
}

func mustItem(t *testing.T, s *Scheduler, id string) *models.QueueItem {
	t.Helper()
	it, err := s.Item(id)
	require.NoError(t, err)
	return it
}

package scheduler

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"upload-scheduler/internal/classify"
	"upload-scheduler/internal/transport"
	"upload-scheduler/pkg/models"
)

// progressEventInterval throttles progress-updated events
const progressEventInterval = 500 * time.Millisecond

// runItem drives one admitted item through its strategy executor and
// applies the completion/failure policy afterwards. gen identifies this
// attempt; a stale attempt must not touch the item once a control
// operation has superseded it.
func (s *Scheduler) runItem(ctx context.Context, cancel context.CancelFunc, id string, gen int64) {
	defer cancel()

	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		if run, live := s.active[id]; live && run.gen == gen {
			delete(s.active, id)
		}
		s.mu.Unlock()
		return
	}
	tracker := &progressTracker{
		s:         s,
		id:        id,
		gen:       gen,
		sessionID: it.SessionID,
		total:     it.File.Size,
	}
	tracker.lastActivity.Store(time.Now().UnixNano())
	s.mu.Unlock()

	// Watchdog: a transfer that makes no progress within the timeout is
	// aborted and treated as a timeout failure.
	done := make(chan struct{})
	defer close(done)
	var timedOut atomic.Bool
	go func() {
		check := s.opts.Timeout / 4
		if check < 50*time.Millisecond {
			check = 50 * time.Millisecond
		}
		if check > time.Second {
			check = time.Second
		}
		ticker := time.NewTicker(check)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				idle := time.Since(time.Unix(0, tracker.lastActivity.Load()))
				if idle > s.opts.Timeout {
					timedOut.Store(true)
					cancel()
					return
				}
			}
		}
	}()

	err := s.execute(ctx, it, tracker)
	s.finish(id, gen, err, timedOut.Load())
}

// execute dispatches to the strategy executor matching the item's
// strategy type. The item's File, Strategy, and ID are immutable after
// enqueue and safe to read without the lock.
func (s *Scheduler) execute(ctx context.Context, it *models.QueueItem, tracker *progressTracker) error {
	switch it.Strategy.Type {
	case models.StrategySingle:
		return s.executeSingle(ctx, it, tracker)
	case models.StrategyChunked:
		return s.executeChunked(ctx, it, tracker)
	case models.StrategyStreaming:
		return s.executeStreaming(ctx, it, tracker)
	case models.StrategyBatch:
		return s.executeBatch(ctx, it, tracker)
	default:
		return &classify.ValidationError{Reason: fmt.Sprintf("unknown strategy type %q", it.Strategy.Type)}
	}
}

// finish applies the completion, pause/cancel, or retry/backoff policy
// once the executor returns. Only the attempt that still owns the
// active slot may transition the item; a stale generation means pause,
// cancel, or removal already detached this run.
func (s *Scheduler) finish(id string, gen int64, execErr error, timedOut bool) {
	s.mu.Lock()
	run, live := s.active[id]
	if !live || run.gen != gen {
		s.mu.Unlock()
		s.kick()
		return
	}
	delete(s.active, id)

	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		s.kick()
		return
	}

	if execErr == nil {
		now := time.Now()
		it.Status = models.StatusCompleted
		it.Progress = 100
		it.UploadedBytes = it.File.Size
		it.Speed = 0
		it.TimeRemaining = 0
		it.CompletedAt = &now
		sessionID := it.SessionID
		s.mu.Unlock()

		s.logger.Info("Upload completed", "item_id", id)
		s.publish(models.EventCompleted, sessionID, id, map[string]any{"size": it.File.Size})
		s.kick()
		return
	}

	var qe models.QueueError
	if timedOut {
		qe = models.QueueError{
			Timestamp: time.Now(),
			Type:      models.ErrorTimeout,
			Message:   fmt.Sprintf("no progress within %s", s.opts.Timeout),
			Retryable: true,
		}
	} else {
		qe = classify.Classify(execErr)
	}
	it.Errors = append(it.Errors, qe)
	it.Speed = 0
	it.TimeRemaining = 0
	// Full progress is reserved for confirmed completion; a rejected
	// transfer may have streamed every byte without the server
	// accepting it.
	if it.Progress >= 100 {
		it.Progress = 99
	}

	if qe.Retryable && it.RetryCount < s.opts.MaxRetries {
		delay := s.opts.RetryDelay << uint(it.RetryCount)
		it.RetryCount++
		it.Status = models.StatusFailed
		timer := time.AfterFunc(delay, func() { s.requeueAfterBackoff(id) })
		s.retryTimers[id] = timer
		attempt := it.RetryCount
		s.mu.Unlock()

		s.logger.Warn("Upload attempt failed, will retry",
			"item_id", id,
			"attempt", attempt,
			"backoff", delay,
			"error_type", qe.Type,
			"error", qe.Message)
		s.kick()
		return
	}

	now := time.Now()
	it.Status = models.StatusFailed
	it.CompletedAt = &now
	sessionID := it.SessionID
	retries := it.RetryCount
	s.mu.Unlock()

	s.logger.Error("Upload failed permanently",
		"item_id", id,
		"retries", retries,
		"error_type", qe.Type,
		"error", qe.Message)
	s.publish(models.EventFailed, sessionID, id, map[string]any{
		"error_type": string(qe.Type),
		"error":      qe.Message,
	})
	s.kick()
}

// requeueAfterBackoff fires when a retry backoff elapses. The item
// re-enters the admission pool unless a control operation intervened.
func (s *Scheduler) requeueAfterBackoff(id string) {
	s.mu.Lock()
	delete(s.retryTimers, id)
	it, ok := s.items[id]
	if !ok || it.Status != models.StatusFailed {
		s.mu.Unlock()
		return
	}
	it.Status = models.StatusQueued
	attempt := it.RetryCount + 1
	s.mu.Unlock()

	s.logger.Info("Retry backoff elapsed, item re-queued", "item_id", id, "attempt", attempt)
	s.kick()
}

// progressTracker translates executor byte counts into item progress,
// speed, and time-remaining, and throttles progress events. Byte counts
// are clamped monotonic.
type progressTracker struct {
	s         *Scheduler
	id        string
	gen       int64
	sessionID string
	total     int64

	uploaded     int64
	lastBytes    int64
	lastTime     time.Time
	lastEvent    time.Time
	lastActivity atomic.Int64 // unix nanos, read by the watchdog
}

// report records that uploadedBytes have been transferred so far
func (t *progressTracker) report(uploadedBytes int64) {
	now := time.Now()
	t.lastActivity.Store(now.UnixNano())

	t.s.mu.Lock()
	run, live := t.s.active[t.id]
	if !live || run.gen != t.gen {
		t.s.mu.Unlock()
		return
	}
	it, ok := t.s.items[t.id]
	if !ok || it.Status != models.StatusUploading {
		t.s.mu.Unlock()
		return
	}

	if uploadedBytes < t.uploaded {
		uploadedBytes = t.uploaded
	}
	if uploadedBytes > t.total && t.total > 0 {
		uploadedBytes = t.total
	}
	t.uploaded = uploadedBytes

	if t.lastTime.IsZero() {
		t.lastTime = now
		t.lastBytes = uploadedBytes
	} else if dt := now.Sub(t.lastTime).Seconds(); dt >= 0.1 {
		it.Speed = float64(uploadedBytes-t.lastBytes) / dt
		t.lastTime = now
		t.lastBytes = uploadedBytes
	}

	it.UploadedBytes = uploadedBytes
	if t.total > 0 {
		it.Progress = float64(uploadedBytes) / float64(t.total) * 100
	}
	if it.Speed > 0 {
		it.TimeRemaining = float64(t.total-uploadedBytes) / it.Speed
	} else {
		it.TimeRemaining = 0
	}

	emit := now.Sub(t.lastEvent) >= progressEventInterval
	if emit {
		t.lastEvent = now
	}
	progress := it.Progress
	speed := it.Speed
	t.s.mu.Unlock()

	if emit {
		t.s.publish(models.EventProgressUpdated, t.sessionID, t.id, map[string]any{
			"uploaded_bytes": uploadedBytes,
			"progress":       progress,
			"speed":          speed,
		})
	}
}

// executeSingle uploads the whole file in one transport call
func (s *Scheduler) executeSingle(ctx context.Context, it *models.QueueItem, tracker *progressTracker) error {
	f, err := os.Open(it.File.Path)
	if err != nil {
		return &classify.ValidationError{Reason: fmt.Sprintf("cannot open source file: %v", err)}
	}
	defer f.Close()

	_, err = s.transport.Upload(ctx, transport.Payload{
		SessionID: it.SessionID,
		FileName:  it.File.Name,
		MimeType:  it.File.MimeType,
		Size:      it.File.Size,
		Body:      f,
	}, tracker.report)
	return err
}

// executeChunked uploads the planned chunks sequentially, each with its
// own retry budget, then finalizes. The item only completes after the
// finalize call succeeds.
func (s *Scheduler) executeChunked(ctx context.Context, it *models.QueueItem, tracker *progressTracker) error {
	f, err := os.Open(it.File.Path)
	if err != nil {
		return &classify.ValidationError{Reason: fmt.Sprintf("cannot open source file: %v", err)}
	}
	defer f.Close()

	params := it.Strategy.Chunked
	total := len(it.Chunks)

	var base int64
	for i := range it.Chunks {
		ch := s.chunkSnapshot(it.ID, i)
		if ch == nil {
			return &classify.ValidationError{Reason: "chunk plan missing"}
		}
		// Completed chunks survive a pause/resume cycle when the
		// strategy is resumable.
		if ch.Status == models.ChunkCompleted && params.Resumable {
			base += ch.Size
			continue
		}

		var checksum string
		if params.ValidateChecksum {
			checksum, err = sectionChecksum(f, ch.Start, ch.Size)
			if err != nil {
				return &classify.ValidationError{Reason: fmt.Sprintf("cannot checksum chunk %d: %v", ch.Index, err)}
			}
		}

		if err := s.uploadChunkWithRetry(ctx, it, f, ch, checksum, total, base, tracker); err != nil {
			return err
		}
		base += ch.Size
		tracker.report(base)
	}

	// Server-side assembly; the item shows as processing until the
	// remote store confirms.
	s.setStatusProcessing(it.ID)
	if _, err := s.transport.Finalize(ctx, it.ID, total); err != nil {
		return fmt.Errorf("finalize failed: %w", err)
	}
	return nil
}

// uploadChunkWithRetry sends one chunk, retrying independently of the
// parent item's retry count.
func (s *Scheduler) uploadChunkWithRetry(ctx context.Context, it *models.QueueItem, f *os.File, ch *models.UploadChunk, checksum string, total int, base int64, tracker *progressTracker) error {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.setChunk(it.ID, ch.Index, models.ChunkUploading, attempt, checksum)

		section := io.NewSectionReader(f, ch.Start, ch.Size)
		err := s.transport.UploadChunk(ctx, transport.ChunkPayload{
			UploadID: it.ID,
			FileName: it.File.Name,
			Index:    ch.Index,
			Total:    total,
			Size:     ch.Size,
			Checksum: checksum,
			Body:     section,
		}, func(n int64) { tracker.report(base + n) })
		if err == nil {
			s.completeChunk(it.ID, ch.Index)
			return nil
		}

		lastErr = err
		s.setChunk(it.ID, ch.Index, models.ChunkFailed, attempt, checksum)
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn("Chunk upload failed",
			"item_id", it.ID,
			"chunk", ch.Index,
			"attempt", attempt+1,
			"error", err)
	}
	return fmt.Errorf("chunk %d exhausted retries: %w", ch.Index, lastErr)
}

// executeStreaming uploads through a buffered reader, rate-limited when
// bandwidth throttling is configured.
func (s *Scheduler) executeStreaming(ctx context.Context, it *models.QueueItem, tracker *progressTracker) error {
	f, err := os.Open(it.File.Path)
	if err != nil {
		return &classify.ValidationError{Reason: fmt.Sprintf("cannot open source file: %v", err)}
	}
	defer f.Close()

	var body io.Reader = f
	if s.opts.Limiter != nil {
		body = &throttledReader{ctx: ctx, r: f, limiter: s.opts.Limiter}
	}

	_, err = s.transport.Upload(ctx, transport.Payload{
		SessionID: it.SessionID,
		FileName:  it.File.Name,
		MimeType:  it.File.MimeType,
		Size:      it.File.Size,
		Body:      body,
	}, tracker.report)
	return err
}

// executeBatch sends the file as one aggregate payload. Grouping
// several queue items into a single transport call is a reserved
// extension; per item the batch strategy behaves like a bounded
// single-shot upload.
func (s *Scheduler) executeBatch(ctx context.Context, it *models.QueueItem, tracker *progressTracker) error {
	if p := it.Strategy.Batch; p != nil && p.MaxBatchBytes > 0 && it.File.Size > p.MaxBatchBytes {
		return &classify.ValidationError{
			Reason: fmt.Sprintf("file size %d exceeds batch limit %d", it.File.Size, p.MaxBatchBytes),
		}
	}
	return s.executeSingle(ctx, it, tracker)
}

// chunkSnapshot reads one chunk record under the lock
func (s *Scheduler) chunkSnapshot(id string, idx int) *models.UploadChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || idx >= len(it.Chunks) {
		return nil
	}
	c := *it.Chunks[idx]
	return &c
}

func (s *Scheduler) setChunk(id string, idx int, status models.ChunkStatus, retry int, checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || idx >= len(it.Chunks) {
		return
	}
	ch := it.Chunks[idx]
	ch.Status = status
	ch.RetryCount = retry
	ch.Checksum = checksum
}

func (s *Scheduler) completeChunk(id string, idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[id]
	if !ok || idx >= len(it.Chunks) {
		return
	}
	now := time.Now()
	ch := it.Chunks[idx]
	ch.Status = models.ChunkCompleted
	ch.CompletedAt = &now
}

func (s *Scheduler) setStatusProcessing(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok && it.Status == models.StatusUploading {
		it.Status = models.StatusProcessing
	}
}

// sectionChecksum computes the MD5 of one chunk's byte range
func sectionChecksum(f *os.File, start, size int64) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, io.NewSectionReader(f, start, size)); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// throttledReader acquires rate-limiter tokens for every read
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter interface {
		Wait(ctx context.Context, n int64) error
	}
}

func (t *throttledReader) Read(buf []byte) (int, error) {
	n, err := t.r.Read(buf)
	if n > 0 {
		if werr := t.limiter.Wait(t.ctx, int64(n)); werr != nil {
			return n, werr
		}
	}
	return n, err
}

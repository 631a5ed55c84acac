package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"upload-scheduler/internal/transport"
	"upload-scheduler/pkg/models"
)

func TestScheduler_PauseResumeFlow(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)

	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			started <- struct{}{}
			select {
			case <-release:
				return &transport.Result{}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}

	s := New(tr, Options{MaxConcurrent: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "pr.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	<-started
	require.NoError(t, s.Pause(ids[0]))
	require.Equal(t, models.StatusPaused, itemStatus(t, s, ids[0]))

	it := mustItem(t, s, ids[0])
	require.NotNil(t, it.PausedAt)

	// The pause aborted the first attempt; resuming restarts it
	require.NoError(t, s.Resume(ids[0]))
	<-started
	close(release)
	waitForStatus(t, s, ids[0], models.StatusCompleted)
}

func TestScheduler_StaleExecutorAfterPauseResume(t *testing.T) {
	var attempts atomic.Int32
	started := make(chan struct{}, 4)
	gate := make(chan struct{})

	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			if attempts.Add(1) == 1 {
				started <- struct{}{}
				// Unwind slowly after the abort so the next attempt is
				// already in flight when this one returns
				<-ctx.Done()
				time.Sleep(150 * time.Millisecond)
				return nil, ctx.Err()
			}
			started <- struct{}{}
			<-gate
			return &transport.Result{}, nil
		},
	}

	s := New(tr, Options{MaxConcurrent: 1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "stale.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	<-started
	require.NoError(t, s.Pause(ids[0]))
	require.NoError(t, s.Resume(ids[0]))
	<-started

	// Let the aborted first executor finish unwinding; it must not
	// touch the resumed attempt
	time.Sleep(300 * time.Millisecond)
	it := mustItem(t, s, ids[0])
	require.Equal(t, models.StatusUploading, it.Status)
	require.Empty(t, it.Errors)

	// Nor may it free the slot the live attempt occupies
	other, err := s.Enqueue([]models.FileRef{newTestFile(t, "waiting.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)
	time.Sleep(150 * time.Millisecond)
	require.Equal(t, models.StatusQueued, itemStatus(t, s, other[0]))

	close(gate)
	waitForStatus(t, s, ids[0], models.StatusCompleted)
	waitForStatus(t, s, other[0], models.StatusCompleted)
}

func TestScheduler_PauseOnlyLegalWhileUploading(t *testing.T) {
	s := New(&fakeTransport{}, Options{})

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "q.bin", 16)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	// No Run loop: the item stays queued
	err = s.Pause(ids[0])
	require.ErrorIs(t, err, ErrInvalidTransition)
	require.ErrorIs(t, s.Resume(ids[0]), ErrInvalidTransition)

	require.ErrorIs(t, s.Pause("no-such-id"), ErrNotFound)
	require.ErrorIs(t, s.Resume("no-such-id"), ErrNotFound)
	require.ErrorIs(t, s.Retry("no-such-id"), ErrNotFound)
	require.ErrorIs(t, s.Cancel("no-such-id"), ErrNotFound)
}

func TestScheduler_CancelLegality(t *testing.T) {
	s := New(&fakeTransport{}, Options{})

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "c.bin", 16)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	// Cancel is legal from queued
	require.NoError(t, s.Cancel(ids[0]))
	require.Equal(t, models.StatusCancelled, itemStatus(t, s, ids[0]))

	// but not from a terminal state
	require.ErrorIs(t, s.Cancel(ids[0]), ErrInvalidTransition)
	require.ErrorIs(t, s.Resume(ids[0]), ErrInvalidTransition)
	require.ErrorIs(t, s.Retry(ids[0]), ErrInvalidTransition)
}

func TestScheduler_CancelAbortsInFlight(t *testing.T) {
	entered := make(chan struct{})
	aborted := make(chan struct{})

	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			close(entered)
			<-ctx.Done()
			close(aborted)
			return nil, ctx.Err()
		},
	}

	s := New(tr, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "abort.bin", 64)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	<-entered
	require.NoError(t, s.Cancel(ids[0]))

	select {
	case <-aborted:
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not abort the in-flight transfer")
	}

	// The cancelled status sticks even after the executor unwinds
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, models.StatusCancelled, itemStatus(t, s, ids[0]))
}

func TestScheduler_ChangePriorityLegality(t *testing.T) {
	s := New(&fakeTransport{}, Options{})

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "p.bin", 16)}, "sess", models.PriorityLow, singleStrategy())
	require.NoError(t, err)

	require.NoError(t, s.ChangePriority(ids[0], models.PriorityUrgent))
	require.Equal(t, models.PriorityUrgent, mustItem(t, s, ids[0]).Priority)

	require.Error(t, s.ChangePriority(ids[0], models.Priority("bogus")))
	require.ErrorIs(t, s.ChangePriority("no-such-id", models.PriorityHigh), ErrNotFound)

	require.NoError(t, s.Cancel(ids[0]))
	require.ErrorIs(t, s.ChangePriority(ids[0], models.PriorityHigh), ErrInvalidTransition)
}

func TestScheduler_ChangePriorityReordersAdmission(t *testing.T) {
	started := make(chan string, 2)
	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			started <- p.FileName
			return &transport.Result{}, nil
		},
	}

	s := New(tr, Options{MaxConcurrent: 1})

	s.PauseAll()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	first, err := s.Enqueue([]models.FileRef{newTestFile(t, "first.bin", 16)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)
	second, err := s.Enqueue([]models.FileRef{newTestFile(t, "second.bin", 16)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	// Promoting the later item makes it win admission
	require.NoError(t, s.ChangePriority(second[0], models.PriorityUrgent))
	s.ResumeAll()

	require.Equal(t, "second.bin", <-started)
	require.Equal(t, "first.bin", <-started)

	waitForStatus(t, s, first[0], models.StatusCompleted)
	waitForStatus(t, s, second[0], models.StatusCompleted)
}

func TestScheduler_RetryCancelsPendingBackoff(t *testing.T) {
	attempts := make(chan struct{}, 8)
	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			attempts <- struct{}{}
			return nil, &transport.StatusError{Code: 503}
		},
	}

	// A long backoff keeps the retry timer pending while we intervene
	s := New(tr, Options{MaxRetries: 2, RetryDelay: 10 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "backoff.bin", 16)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	<-attempts
	waitForStatus(t, s, ids[0], models.StatusFailed)

	// Manual retry supersedes the timer and re-queues immediately
	require.NoError(t, s.Retry(ids[0]))
	select {
	case <-attempts:
	case <-time.After(2 * time.Second):
		t.Fatal("manual retry did not restart the upload")
	}
}

func TestScheduler_CancelStopsRetryTimer(t *testing.T) {
	attempts := make(chan struct{}, 8)
	tr := &fakeTransport{
		uploadFn: func(ctx context.Context, p transport.Payload, onProgress transport.ProgressFunc) (*transport.Result, error) {
			attempts <- struct{}{}
			return nil, &transport.StatusError{Code: 503}
		},
	}

	s := New(tr, Options{MaxRetries: 2, RetryDelay: 60 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	ids, err := s.Enqueue([]models.FileRef{newTestFile(t, "ct.bin", 16)}, "sess", models.PriorityNormal, singleStrategy())
	require.NoError(t, err)

	<-attempts
	waitForStatus(t, s, ids[0], models.StatusFailed)
	require.NoError(t, s.Cancel(ids[0]))

	// The pending backoff timer must not resurrect a cancelled item
	select {
	case <-attempts:
		t.Fatal("retry fired after cancel")
	case <-time.After(250 * time.Millisecond):
	}
	require.Equal(t, models.StatusCancelled, itemStatus(t, s, ids[0]))
}

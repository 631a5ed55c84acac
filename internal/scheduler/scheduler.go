// Package scheduler implements the upload queue: admission control,
// priority ordering, retry with backoff, pause/resume/cancel, and the
// transfer strategy executors.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"upload-scheduler/internal/bandwidth"
	"upload-scheduler/internal/chunker"
	"upload-scheduler/internal/transport"
	"upload-scheduler/pkg/models"
)

const (
	// DefaultChunkThreshold is the file size above which the chunked
	// strategy is selected automatically.
	DefaultChunkThreshold = 10 * 1024 * 1024

	// debounceInterval coalesces bursts of queue mutations into one
	// admission pass.
	debounceInterval = 10 * time.Millisecond
)

// ErrNotFound is returned when no queue item has the requested id
var ErrNotFound = fmt.Errorf("queue item not found")

// ErrInvalidTransition is returned when a control operation is not
// legal in the item's current state.
var ErrInvalidTransition = fmt.Errorf("invalid state transition")

// Options configures a Scheduler
type Options struct {
	MaxConcurrent  int
	MaxRetries     int
	RetryDelay     time.Duration
	ChunkSize      int64
	ChunkThreshold int64
	Timeout        time.Duration // no-progress timeout per transfer
	PriorityLevels map[models.Priority]models.PriorityLevel
	Limiter        *bandwidth.Limiter // nil disables throttling
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 3
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Second
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = 1024 * 1024
	}
	if o.ChunkThreshold <= 0 {
		o.ChunkThreshold = DefaultChunkThreshold
	}
	if o.Timeout <= 0 {
		o.Timeout = 30 * time.Second
	}
	if o.PriorityLevels == nil {
		o.PriorityLevels = models.DefaultPriorityLevels()
	}
	return o
}

// Scheduler owns the queue item collection and is the only component
// that mutates it. A single admission loop reacts to queue mutations
// signalled on a wake channel; each admitted item transfers on its own
// goroutine.
type Scheduler struct {
	opts      Options
	transport transport.Transport
	events    *EventBus
	logger    *slog.Logger

	mu          sync.Mutex
	items       map[string]*models.QueueItem
	active      map[string]activeRun
	retryTimers map[string]*time.Timer
	pausedAll   bool
	seq         int64
	runGen      int64

	wake chan struct{}
}

// activeRun is one admitted transfer attempt. The generation makes a
// run's completion callbacks no-ops once pause/resume or cancel has
// superseded it with a newer attempt.
type activeRun struct {
	cancel context.CancelFunc
	gen    int64
}

// New creates a scheduler that dispatches transfers to tr
func New(tr transport.Transport, opts Options) *Scheduler {
	return &Scheduler{
		opts:        opts.withDefaults(),
		transport:   tr,
		events:      NewEventBus(),
		logger:      slog.Default(),
		items:       make(map[string]*models.QueueItem),
		active:      make(map[string]activeRun),
		retryTimers: make(map[string]*time.Timer),
		wake:        make(chan struct{}, 1),
	}
}

// Events returns the lifecycle event bus
func (s *Scheduler) Events() *EventBus {
	return s.events
}

// Run drives the admission loop until ctx is cancelled. Wake-ups are
// debounced so a burst of mutations collapses into one admission pass.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Starting upload scheduler",
		"max_concurrent", s.opts.MaxConcurrent,
		"max_retries", s.opts.MaxRetries)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Upload scheduler shutting down")
			s.stopRetryTimers()
			return
		case <-s.wake:
			debounce := time.NewTimer(debounceInterval)
		drain:
			for {
				select {
				case <-s.wake:
				case <-debounce.C:
					break drain
				}
			}
			s.admit(ctx)
		}
	}
}

// kick signals the admission loop; safe to call from anywhere
func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) stopRetryTimers() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.retryTimers {
		t.Stop()
		delete(s.retryTimers, id)
	}
}

// Enqueue adds one queue item per file and wakes the admission loop.
// When strat is nil the strategy is picked per file: chunked above the
// size threshold, single-shot otherwise.
func (s *Scheduler) Enqueue(files []models.FileRef, sessionID string, priority models.Priority, strat *models.Strategy) ([]string, error) {
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}

	items := make([]*models.QueueItem, 0, len(files))
	for _, f := range files {
		if f.Size < 0 {
			return nil, fmt.Errorf("file %q has negative size %d", f.Name, f.Size)
		}

		st, err := s.resolveStrategy(f, strat)
		if err != nil {
			return nil, err
		}

		item := &models.QueueItem{
			ID:        uuid.New().String(),
			SessionID: sessionID,
			File:      f,
			Priority:  priority,
			Status:    models.StatusQueued,
			Strategy:  st,
			CreatedAt: time.Now(),
		}
		if st.Type == models.StrategyChunked {
			chunks, err := chunker.Plan(f.Size, st.Chunked.ChunkSize)
			if err != nil {
				return nil, fmt.Errorf("failed to plan chunks for %q: %w", f.Name, err)
			}
			item.Chunks = chunks
		}
		items = append(items, item)
	}

	ids := make([]string, 0, len(items))
	s.mu.Lock()
	for _, item := range items {
		s.seq++
		item.Seq = s.seq
		s.items[item.ID] = item
		ids = append(ids, item.ID)
	}
	s.mu.Unlock()

	for _, item := range items {
		s.logger.Info("File added to upload queue",
			"item_id", item.ID,
			"session_id", sessionID,
			"filename", item.File.Name,
			"size", item.File.Size,
			"priority", priority,
			"strategy", item.Strategy.Type)
		s.publish(models.EventFileAdded, item.SessionID, item.ID, map[string]any{
			"filename": item.File.Name,
			"size":     item.File.Size,
		})
	}

	s.kick()
	return ids, nil
}

func (s *Scheduler) resolveStrategy(f models.FileRef, strat *models.Strategy) (models.Strategy, error) {
	var st models.Strategy
	if strat == nil {
		if f.Size >= s.opts.ChunkThreshold {
			st = models.Strategy{
				Type:    models.StrategyChunked,
				Chunked: &models.ChunkedParams{ChunkSize: s.opts.ChunkSize, ValidateChecksum: true, Resumable: true},
			}
		} else {
			st = models.Strategy{Type: models.StrategySingle, Single: &models.SingleParams{}}
		}
	} else {
		st = *strat
		if st.Type == models.StrategyChunked && st.Chunked == nil {
			st.Chunked = &models.ChunkedParams{ChunkSize: s.opts.ChunkSize, ValidateChecksum: true, Resumable: true}
		}
	}
	if err := st.Validate(); err != nil {
		return models.Strategy{}, err
	}
	return st, nil
}

// admit fills available transfer slots with the highest-priority queued
// items. Ordering is stable: descending tier weight, FIFO within a
// tier. Both the global cap and the per-tier caps hold at all times.
func (s *Scheduler) admit(ctx context.Context) {
	s.mu.Lock()

	if s.pausedAll {
		s.mu.Unlock()
		return
	}

	slots := s.opts.MaxConcurrent - len(s.active)
	if slots <= 0 {
		s.mu.Unlock()
		return
	}

	tierActive := make(map[models.Priority]int)
	for id := range s.active {
		if it, ok := s.items[id]; ok {
			tierActive[it.Priority]++
		}
	}

	var queued []*models.QueueItem
	for _, it := range s.items {
		if it.Status == models.StatusQueued {
			queued = append(queued, it)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		wi, wj := s.weight(queued[i].Priority), s.weight(queued[j].Priority)
		if wi != wj {
			return wi > wj
		}
		return queued[i].Seq < queued[j].Seq
	})

	var started []*models.QueueItem
	for _, it := range queued {
		if slots <= 0 {
			break
		}
		if tierActive[it.Priority] >= s.tierCap(it.Priority) {
			continue
		}

		it.Status = models.StatusUploading
		if it.StartedAt == nil {
			now := time.Now()
			it.StartedAt = &now
		}

		itemCtx, cancel := context.WithCancel(ctx)
		s.runGen++
		gen := s.runGen
		s.active[it.ID] = activeRun{cancel: cancel, gen: gen}
		tierActive[it.Priority]++
		slots--
		started = append(started, it)

		go s.runItem(itemCtx, cancel, it.ID, gen)
	}
	s.mu.Unlock()

	for _, it := range started {
		s.logger.Info("Upload started",
			"item_id", it.ID,
			"filename", it.File.Name,
			"priority", it.Priority,
			"attempt", it.RetryCount+1)
		s.publish(models.EventUploadStarted, it.SessionID, it.ID, map[string]any{
			"filename": it.File.Name,
			"attempt":  it.RetryCount + 1,
		})
	}
}

func (s *Scheduler) weight(p models.Priority) int {
	return s.opts.PriorityLevels[p].Weight
}

func (s *Scheduler) tierCap(p models.Priority) int {
	if lvl, ok := s.opts.PriorityLevels[p]; ok && lvl.MaxConcurrent > 0 {
		return lvl.MaxConcurrent
	}
	return s.opts.MaxConcurrent
}

func (s *Scheduler) publish(t models.EventType, sessionID, itemID string, data any) {
	s.events.Publish(models.Event{
		Type:      t,
		SessionID: sessionID,
		ItemID:    itemID,
		Data:      data,
		Timestamp: time.Now(),
	})
}

// Queue returns a snapshot of every item in enqueue order
func (s *Scheduler) Queue() []*models.QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.QueueItem, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, it.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Item returns a snapshot of one item
func (s *Scheduler) Item(id string) (*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it.Clone(), nil
}

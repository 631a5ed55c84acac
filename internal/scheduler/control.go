package scheduler

import (
	"fmt"
	"time"

	"upload-scheduler/pkg/models"
)

// Pause stops an in-flight transfer. Only legal while uploading; the
// executor is aborted cooperatively and the item leaves the active set
// immediately.
func (s *Scheduler) Pause(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if it.Status != models.StatusUploading {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot pause item in status %q", ErrInvalidTransition, it.Status)
	}

	now := time.Now()
	it.Status = models.StatusPaused
	it.PausedAt = &now
	it.Speed = 0
	it.TimeRemaining = 0

	if run, active := s.active[id]; active {
		run.cancel()
		delete(s.active, id)
	}
	sessionID := it.SessionID
	s.mu.Unlock()

	s.logger.Info("Upload paused", "item_id", id)
	s.publish(models.EventPaused, sessionID, id, nil)
	s.kick()
	return nil
}

// Resume re-queues a paused item so it re-enters the admission pool
func (s *Scheduler) Resume(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if it.Status != models.StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot resume item in status %q", ErrInvalidTransition, it.Status)
	}

	it.Status = models.StatusQueued
	it.PausedAt = nil
	sessionID := it.SessionID
	s.mu.Unlock()

	s.logger.Info("Upload resumed", "item_id", id)
	s.publish(models.EventResumed, sessionID, id, nil)
	s.kick()
	return nil
}

// Cancel aborts an item from any non-terminal state
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if it.Status.IsTerminal() {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot cancel item in status %q", ErrInvalidTransition, it.Status)
	}

	s.detachLocked(id)
	it.Status = models.StatusCancelled
	it.Speed = 0
	it.TimeRemaining = 0
	sessionID := it.SessionID
	s.mu.Unlock()

	s.logger.Info("Upload cancelled", "item_id", id)
	s.publish(models.EventCancelled, sessionID, id, nil)
	s.kick()
	return nil
}

// Retry manually re-queues a failed item. The displayed attempt counter
// resets; the error history stays.
func (s *Scheduler) Retry(id string) error {
	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if it.Status != models.StatusFailed {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot retry item in status %q", ErrInvalidTransition, it.Status)
	}

	if t, pending := s.retryTimers[id]; pending {
		t.Stop()
		delete(s.retryTimers, id)
	}
	it.Status = models.StatusQueued
	it.RetryCount = 0
	it.CompletedAt = nil
	s.mu.Unlock()

	s.logger.Info("Upload manually retried", "item_id", id)
	s.kick()
	return nil
}

// ChangePriority moves an item to another tier. Only legal while queued
// or paused: reordering an in-flight transfer is not supported.
func (s *Scheduler) ChangePriority(id string, p models.Priority) error {
	if !p.Valid() {
		return fmt.Errorf("unknown priority %q", p)
	}

	s.mu.Lock()
	it, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	if it.Status != models.StatusQueued && it.Status != models.StatusPaused {
		s.mu.Unlock()
		return fmt.Errorf("%w: cannot change priority in status %q", ErrInvalidTransition, it.Status)
	}

	old := it.Priority
	it.Priority = p
	s.mu.Unlock()

	s.logger.Info("Priority changed", "item_id", id, "from", old, "to", p)
	s.kick()
	return nil
}

// PauseAll pauses every in-flight transfer and gates the admission loop
// so no new work is dispatched until ResumeAll.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	s.pausedAll = true
	var uploading []string
	for id, it := range s.items {
		if it.Status == models.StatusUploading {
			uploading = append(uploading, id)
		}
	}
	s.mu.Unlock()

	for _, id := range uploading {
		if err := s.Pause(id); err != nil {
			s.logger.Warn("Failed to pause item during pause-all", "item_id", id, "error", err)
		}
	}
	s.logger.Info("All uploads paused", "count", len(uploading))
}

// ResumeAll clears the global pause flag and re-queues all paused items
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	s.pausedAll = false
	var paused []string
	for id, it := range s.items {
		if it.Status == models.StatusPaused {
			paused = append(paused, id)
		}
	}
	s.mu.Unlock()

	for _, id := range paused {
		if err := s.Resume(id); err != nil {
			s.logger.Warn("Failed to resume item during resume-all", "item_id", id, "error", err)
		}
	}
	s.logger.Info("All uploads resumed", "count", len(paused))
	s.kick()
}

// Remove deletes an item from the queue, aborting it first if needed
func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	_, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	s.detachLocked(id)
	delete(s.items, id)
	s.mu.Unlock()

	s.logger.Info("Item removed from queue", "item_id", id)
	s.kick()
	return nil
}

// Clear removes every item belonging to sessionID, or all items when
// sessionID is empty.
func (s *Scheduler) Clear(sessionID string) int {
	s.mu.Lock()
	var removed int
	for id, it := range s.items {
		if sessionID != "" && it.SessionID != sessionID {
			continue
		}
		s.detachLocked(id)
		delete(s.items, id)
		removed++
	}
	s.mu.Unlock()

	s.logger.Info("Queue cleared", "session_id", sessionID, "removed", removed)
	s.kick()
	return removed
}

// detachLocked aborts any in-flight transfer and pending retry for id.
// Caller holds s.mu.
func (s *Scheduler) detachLocked(id string) {
	if run, active := s.active[id]; active {
		run.cancel()
		delete(s.active, id)
	}
	if t, pending := s.retryTimers[id]; pending {
		t.Stop()
		delete(s.retryTimers, id)
	}
}

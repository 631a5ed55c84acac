package history

import (
	"context"
	"log/slog"
	"time"

	"upload-scheduler/pkg/models"
)

// ItemSource looks up queue item snapshots for journalling
type ItemSource interface {
	Item(id string) (*models.QueueItem, error)
}

// Recorder consumes the queue lifecycle stream and journals terminal
// outcomes.
type Recorder struct {
	db     *DB
	source ItemSource
	logger *slog.Logger
}

// NewRecorder creates a recorder writing to db, resolving item details
// through source.
func NewRecorder(db *DB, source ItemSource) *Recorder {
	return &Recorder{
		db:     db,
		source: source,
		logger: slog.Default(),
	}
}

// Run consumes events until ctx is cancelled or the stream closes
func (r *Recorder) Run(ctx context.Context, events <-chan models.Event) {
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("Transfer recorder shutting down")
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case models.EventCompleted, models.EventFailed, models.EventCancelled:
				r.record(ev)
			}
		}
	}
}

func (r *Recorder) record(ev models.Event) {
	it, err := r.source.Item(ev.ItemID)
	if err != nil {
		// Item removed before the event drained; journal what the
		// event itself carries.
		r.logger.Debug("Item gone before journalling", "item_id", ev.ItemID)
		return
	}

	rec := &Record{
		ItemID:        it.ID,
		SessionID:     it.SessionID,
		Filename:      it.File.Name,
		FileSize:      it.File.Size,
		UploadedBytes: it.UploadedBytes,
		Status:        string(it.Status),
		RetryCount:    it.RetryCount,
		StartedAt:     it.StartedAt,
		FinishedAt:    ev.Timestamp,
	}
	if len(it.Errors) > 0 {
		rec.ErrorMessage = it.Errors[len(it.Errors)-1].Message
	}
	if it.StartedAt != nil {
		duration := ev.Timestamp.Sub(*it.StartedAt)
		if duration > time.Second {
			rec.AverageSpeed = float64(it.UploadedBytes) / duration.Seconds()
		}
	}

	if err := r.db.Insert(rec); err != nil {
		r.logger.Error("Failed to journal transfer", "item_id", it.ID, "error", err)
		return
	}
	r.logger.Debug("Transfer journalled", "item_id", it.ID, "status", rec.Status)
}

package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"upload-scheduler/pkg/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRecord(itemID, sessionID, status string, finishedAt time.Time) *Record {
	started := finishedAt.Add(-10 * time.Second)
	return &Record{
		ItemID:        itemID,
		SessionID:     sessionID,
		Filename:      itemID + ".bin",
		FileSize:      1000,
		UploadedBytes: 1000,
		Status:        status,
		RetryCount:    1,
		AverageSpeed:  100,
		StartedAt:     &started,
		FinishedAt:    finishedAt,
	}
}

func TestDB_InsertAndRecent(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UTC()
	old := sampleRecord("item-1", "sess-1", string(models.StatusCompleted), now.Add(-2*time.Hour))
	recent := sampleRecord("item-2", "sess-1", string(models.StatusFailed), now)
	recent.ErrorMessage = "server returned 503"

	require.NoError(t, db.Insert(old))
	require.NoError(t, db.Insert(recent))
	require.NotZero(t, old.ID)
	require.NotEqual(t, old.ID, recent.ID)

	records, err := db.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 2)

	// Newest first
	require.Equal(t, "item-2", records[0].ItemID)
	require.Equal(t, "server returned 503", records[0].ErrorMessage)
	require.Equal(t, string(models.StatusFailed), records[0].Status)
	require.Equal(t, "item-1", records[1].ItemID)
	require.NotNil(t, records[1].StartedAt)

	limited, err := db.Recent(1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	require.Equal(t, "item-2", limited[0].ItemID)
}

func TestDB_RecentDefaultLimit(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.Insert(sampleRecord("item-1", "sess", string(models.StatusCompleted), time.Now())))

	records, err := db.Recent(0)
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestDB_Summarize(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UTC()
	require.NoError(t, db.Insert(sampleRecord("a", "sess-x", string(models.StatusCompleted), now)))
	require.NoError(t, db.Insert(sampleRecord("b", "sess-x", string(models.StatusCompleted), now)))
	require.NoError(t, db.Insert(sampleRecord("c", "sess-x", string(models.StatusFailed), now)))
	require.NoError(t, db.Insert(sampleRecord("d", "sess-x", string(models.StatusCancelled), now)))
	require.NoError(t, db.Insert(sampleRecord("e", "sess-other", string(models.StatusCompleted), now)))

	summary, err := db.Summarize("sess-x")
	require.NoError(t, err)
	require.Equal(t, "sess-x", summary.SessionID)
	require.Equal(t, 4, summary.Total)
	require.Equal(t, 2, summary.Completed)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Cancelled)
	require.Equal(t, int64(4000), summary.TotalBytes)

	empty, err := db.Summarize("sess-none")
	require.NoError(t, err)
	require.Equal(t, 0, empty.Total)
}

func TestDB_DeleteOld(t *testing.T) {
	db := newTestDB(t)

	now := time.Now().UTC()
	require.NoError(t, db.Insert(sampleRecord("stale", "sess", string(models.StatusCompleted), now.Add(-90*24*time.Hour))))
	require.NoError(t, db.Insert(sampleRecord("fresh", "sess", string(models.StatusCompleted), now)))

	require.NoError(t, db.DeleteOld(60*24*time.Hour))

	records, err := db.Recent(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "fresh", records[0].ItemID)
}

// fakeSource returns canned queue item snapshots
type fakeSource struct {
	items map[string]*models.QueueItem
}

func (f *fakeSource) Item(id string) (*models.QueueItem, error) {
	it, ok := f.items[id]
	if !ok {
		return nil, errors.New("queue item not found")
	}
	return it, nil
}

func TestRecorder_JournalsTerminalEvents(t *testing.T) {
	db := newTestDB(t)

	started := time.Now().Add(-5 * time.Second)
	source := &fakeSource{items: map[string]*models.QueueItem{
		"done-1": {
			ID:            "done-1",
			SessionID:     "sess-r",
			File:          models.FileRef{Name: "done.bin", Size: 2048},
			Status:        models.StatusCompleted,
			UploadedBytes: 2048,
			StartedAt:     &started,
		},
		"fail-1": {
			ID:        "fail-1",
			SessionID: "sess-r",
			File:      models.FileRef{Name: "fail.bin", Size: 512},
			Status:    models.StatusFailed,
			Errors: []models.QueueError{
				{Type: models.ErrorServer, Message: "boom"},
			},
		},
	}}

	events := make(chan models.Event)
	rec := NewRecorder(db, source)

	ctx, cancel := context.WithCancel(context.Background())
	go rec.Run(ctx, events)

	events <- models.Event{Type: models.EventCompleted, ItemID: "done-1", SessionID: "sess-r", Timestamp: time.Now()}
	events <- models.Event{Type: models.EventFailed, ItemID: "fail-1", SessionID: "sess-r", Timestamp: time.Now()}
	// Non-terminal and unknown-item events are ignored
	events <- models.Event{Type: models.EventProgressUpdated, ItemID: "done-1", SessionID: "sess-r", Timestamp: time.Now()}
	events <- models.Event{Type: models.EventCancelled, ItemID: "gone", SessionID: "sess-r", Timestamp: time.Now()}
	cancel()

	require.Eventually(t, func() bool {
		records, err := db.Recent(10)
		return err == nil && len(records) == 2
	}, 2*time.Second, 10*time.Millisecond)

	records, err := db.Recent(10)
	require.NoError(t, err)

	byItem := map[string]*Record{}
	for _, r := range records {
		byItem[r.ItemID] = r
	}
	require.Equal(t, string(models.StatusCompleted), byItem["done-1"].Status)
	require.Equal(t, "boom", byItem["fail-1"].ErrorMessage)
	require.Equal(t, int64(512), byItem["fail-1"].FileSize)
}

package models

import "time"

// EventType identifies a queue lifecycle event
type EventType string

const (
	EventFileAdded       EventType = "file-added"
	EventUploadStarted   EventType = "upload-started"
	EventProgressUpdated EventType = "progress-updated"
	EventPaused          EventType = "paused"
	EventResumed         EventType = "resumed"
	EventCancelled       EventType = "cancelled"
	EventCompleted       EventType = "completed"
	EventFailed          EventType = "failed"
)

// Event is one entry on the queue lifecycle stream
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	ItemID    string    `json:"item_id"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"upload-scheduler/pkg/models"
)

// subscriberBuffer is the per-subscriber channel capacity. Publishing
// never blocks: a subscriber that falls this far behind loses events.
const subscriberBuffer = 64

// EventBus fans queue lifecycle events out to subscribers
type EventBus struct {
	mu     sync.Mutex
	subs   map[int]chan models.Event
	nextID int
	logger *slog.Logger
}

// NewEventBus creates an empty event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subs:   make(map[int]chan models.Event),
		logger: slog.Default(),
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel.
func (b *EventBus) Subscribe() (<-chan models.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.Event, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish delivers ev to all subscribers without blocking
func (b *EventBus) Publish(ev models.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Debug("Dropping event for slow subscriber", "type", ev.Type, "item_id", ev.ItemID)
		}
	}
}

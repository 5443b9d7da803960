// Package pipeline fans the events of one stream out to its watchers.
package pipeline

import (
	"sync"
	"time"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

const (
	EventState  = "state"
	EventClosed = "closed"
	EventData   = "data"
)

// Event is one stream notification as seen by API watchers.
type Event struct {
	Type   string    `json:"type"`
	Stream stream.ID `json:"stream"`
	State  string    `json:"state,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Size   int       `json:"size,omitempty"`
	Time   time.Time `json:"time"`

	// Frame is sent as a binary message, never as JSON.
	Frame []byte `json:"-"`
}

// StateEvent builds a state change event.
func StateEvent(id stream.ID, state stream.State) Event {
	return Event{Type: EventState, Stream: id, State: state.String(), Time: time.Now()}
}

// ClosedEvent builds the terminal event of a stream.
func ClosedEvent(id stream.ID, reason stream.CloseReason) Event {
	return Event{Type: EventClosed, Stream: id, State: stream.StateClosed.String(), Reason: reason.String(), Time: time.Now()}
}

// DataEvent builds a media frame event.
func DataEvent(id stream.ID, frame []byte) Event {
	return Event{Type: EventData, Stream: id, Size: len(frame), Frame: frame, Time: time.Now()}
}

// Broadcaster distributes events to subscribers. The latest state event is
// cached and replayed to new subscribers, so a late watcher still learns
// where the stream stands.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan<- Event
	last        Event
	hasLast     bool
	closed      bool
}

// NewBroadcaster creates a new broadcaster instance.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]chan<- Event),
	}
}

// Subscribe adds a subscriber and returns its channel. The channel is closed
// on Unsubscribe, on Close, or when the subscriber falls behind.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, bufferSize+1)
	if b.hasLast {
		ch <- b.last
	}
	if b.closed {
		close(ch)
		return ch
	}
	b.subscribers[subscriberID] = ch

	util.GetLogger().Debug("New subscriber added", "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, exists := b.subscribers[subscriberID]; exists {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Debug("Subscriber removed", "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends ev to all current subscribers. A subscriber whose channel
// is full is dropped.
func (b *Broadcaster) Broadcast(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if ev.Type != EventData {
		b.last = ev
		b.hasLast = true
	}

	for id, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			util.GetLogger().Warn("Dropping subscriber due to full channel", "id", id)
			close(ch)
			delete(b.subscribers, id)
		}
	}
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, id)
	}
}

// GetSubscriberCount returns the current number of subscribers.
func (b *Broadcaster) GetSubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

package stream

import (
	"context"
	"strconv"
)

// ID identifies a stream within its controller. IDs are never reused.
type ID uint64

func (id ID) String() string {
	return "#" + strconv.FormatUint(uint64(id), 10)
}

// OpenRequest describes the stream a transport is asked to open.
type OpenRequest struct {
	ID     ID
	Device string
	URL    string
	Track  string // empty selects the default track
}

// Event is a transport notification about one stream.
// The unexported marker method keeps the set closed.
type Event interface {
	event()
}

// EventOpened reports that the transport established the stream.
type EventOpened struct{}

// EventData carries one media frame of an open stream.
type EventData struct {
	Frame []byte
}

// EventClosed reports that the transport released the stream. Err is nil when
// the release followed a Close call.
type EventClosed struct {
	Err error
}

func (EventOpened) event() {}
func (EventData) event()   {}
func (EventClosed) event() {}

var (
	_ Event = EventOpened{}
	_ Event = EventData{}
	_ Event = EventClosed{}
)

// Sink receives the events of a single stream. Emit is safe from any goroutine.
type Sink interface {
	Emit(Event)
}

// Transport is the device link the controller delegates open and close intents to.
//
// Open must not block: it starts the open and reports the outcome through the
// sink. A nil error means exactly one EventClosed will follow eventually.
// Close may be called before EventOpened arrives.
type Transport interface {
	Open(ctx context.Context, req OpenRequest, sink Sink) error
	Close(id ID) error
}

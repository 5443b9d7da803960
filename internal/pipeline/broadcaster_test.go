package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
)

func drain(ch <-chan Event) []Event {
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	b := NewBroadcaster()
	first := b.Subscribe("first", 8)
	second := b.Subscribe("second", 8)
	assert.Equal(t, 2, b.GetSubscriberCount())

	b.Broadcast(StateEvent(1, stream.StateOpening))
	b.Broadcast(DataEvent(1, []byte{1, 2, 3}))
	b.Close()

	for _, ch := range []<-chan Event{first, second} {
		events := drain(ch)
		require.Len(t, events, 2)
		assert.Equal(t, "OPENING", events[0].State)
		assert.Equal(t, EventData, events[1].Type)
		assert.Equal(t, 3, events[1].Size)
	}
	assert.Equal(t, 0, b.GetSubscriberCount())
}

func TestLateSubscriberGetsLastState(t *testing.T) {
	b := NewBroadcaster()
	b.Broadcast(StateEvent(4, stream.StateOpening))
	b.Broadcast(StateEvent(4, stream.StateOpen))
	b.Broadcast(DataEvent(4, []byte{9}))

	ch := b.Subscribe("late", 4)
	b.Close()
	events := drain(ch)
	require.Len(t, events, 1)
	assert.Equal(t, "OPEN", events[0].State)
}

func TestSubscribeAfterCloseReplaysTerminalEvent(t *testing.T) {
	b := NewBroadcaster()
	b.Broadcast(ClosedEvent(2, stream.ReasonInterrupted))
	b.Close()

	events := drain(b.Subscribe("after", 4))
	require.Len(t, events, 1)
	assert.Equal(t, EventClosed, events[0].Type)
	assert.Equal(t, "INTERRUPTED", events[0].Reason)
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := NewBroadcaster()
	slow := b.Subscribe("slow", 0)

	b.Broadcast(DataEvent(1, []byte{1}))
	b.Broadcast(DataEvent(1, []byte{2}))

	assert.Equal(t, 0, b.GetSubscriberCount())
	events := drain(slow)
	assert.Len(t, events, 1)
}

func TestUnsubscribe(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe("gone", 4)
	b.Unsubscribe("gone")
	b.Unsubscribe("gone")

	_, ok := <-ch
	assert.False(t, ok)
	b.Broadcast(StateEvent(1, stream.StateOpen))
}

package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// journal is an ordered log shared by the fake transport and the recording client.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) index(entry string) int {
	for i, e := range j.snapshot() {
		if e == entry {
			return i
		}
	}
	return -1
}

func (j *journal) has(entry string) bool {
	return j.index(entry) >= 0
}

func (j *journal) waitFor(t *testing.T, entry string) {
	t.Helper()
	require.Eventually(t, func() bool { return j.has(entry) }, 5*time.Second, time.Millisecond,
		"missing journal entry %q, have %v", entry, j.snapshot())
}

// fakeTransport records open/close intents. With autoOpen/autoClose it
// confirms them right away, otherwise the test drives the events.
type fakeTransport struct {
	j *journal

	mu        sync.Mutex
	autoOpen  bool
	autoClose bool
	openErr   error
	closeErr  error
	block     chan struct{}
	sinks     map[ID]Sink
	active    int
	maxActive int
}

func newFakeTransport(j *journal) *fakeTransport {
	return &fakeTransport{j: j, sinks: make(map[ID]Sink)}
}

func (f *fakeTransport) Open(ctx context.Context, req OpenRequest, sink Sink) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	if f.openErr != nil {
		err := f.openErr
		f.mu.Unlock()
		f.j.add("transport open %d refused", req.ID)
		return err
	}
	f.sinks[req.ID] = sink
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	auto := f.autoOpen
	f.mu.Unlock()

	f.j.add("transport open %d %s", req.ID, req.URL)
	if auto {
		sink.Emit(EventOpened{})
	}
	return nil
}

func (f *fakeTransport) Close(id ID) error {
	f.mu.Lock()
	if f.closeErr != nil {
		err := f.closeErr
		f.mu.Unlock()
		return err
	}
	auto := f.autoClose
	f.mu.Unlock()

	f.j.add("transport close %d", id)
	if auto {
		f.emitClosed(id, nil)
	}
	return nil
}

func (f *fakeTransport) sink(id ID) Sink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sinks[id]
}

func (f *fakeTransport) confirmOpen(id ID) {
	f.sink(id).Emit(EventOpened{})
}

func (f *fakeTransport) sendData(id ID, frame []byte) {
	f.sink(id).Emit(EventData{Frame: frame})
}

func (f *fakeTransport) emitClosed(id ID, err error) {
	f.mu.Lock()
	sink, ok := f.sinks[id]
	if ok {
		delete(f.sinks, id)
		f.active--
	}
	f.mu.Unlock()
	if ok {
		sink.Emit(EventClosed{Err: err})
	}
}

func (f *fakeTransport) peak() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// recorder is a Client writing every callback to the journal.
type recorder struct {
	j *journal

	mu        sync.Mutex
	active    map[ID]bool
	maxActive int
	frames    map[ID]int
}

func newRecorder(j *journal) *recorder {
	return &recorder{j: j, active: make(map[ID]bool), frames: make(map[ID]int)}
}

func (r *recorder) OnStateChanged(h *Handle, state State) {
	r.mu.Lock()
	if state.Active() {
		r.active[h.ID()] = true
	} else {
		delete(r.active, h.ID())
	}
	if len(r.active) > r.maxActive {
		r.maxActive = len(r.active)
	}
	r.mu.Unlock()
	r.j.add("%d %s", h.ID(), state)
}

func (r *recorder) OnClosed(h *Handle, reason CloseReason) {
	r.mu.Lock()
	delete(r.active, h.ID())
	r.mu.Unlock()
	r.j.add("%d closed %s", h.ID(), reason)
}

func (r *recorder) OnData(h *Handle, frame []byte) {
	r.mu.Lock()
	r.frames[h.ID()]++
	r.mu.Unlock()
}

func (r *recorder) frameCount(id ID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[id]
}

func (r *recorder) peak() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxActive
}

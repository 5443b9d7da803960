package stream

import (
	"sync"
	"sync/atomic"
)

// Handle is the client's reference to a stream. The controller owns the
// stream itself; the handle can only observe it and ask it to stop.
type Handle struct {
	id    ID
	url   string
	track string
	ctrl  *Controller
	s     *stream

	state  atomic.Int32
	reason atomic.Int32

	doneOnce sync.Once
	done     chan struct{}
}

func newHandle(ctrl *Controller, s *stream) *Handle {
	return &Handle{
		id:    s.id,
		url:   s.url,
		track: s.track,
		ctrl:  ctrl,
		s:     s,
		done:  make(chan struct{}),
	}
}

// ID returns the stream identifier.
func (h *Handle) ID() ID { return h.id }

// URL returns the requested stream URL.
func (h *Handle) URL() string { return h.url }

// Track returns the requested track, empty for the default one.
func (h *Handle) Track() string { return h.track }

// Device returns the identifier of the device the stream belongs to.
func (h *Handle) Device() string { return h.ctrl.device }

// State returns the most recent state of the stream.
func (h *Handle) State() State { return State(h.state.Load()) }

// CloseReason returns why the stream closed. It is ReasonNone until Done is closed.
func (h *Handle) CloseReason() CloseReason { return CloseReason(h.reason.Load()) }

// Done is closed after the client's OnClosed callback has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// RequestStop asks the controller to close the stream with ReasonUserRequested.
// It never blocks and is a no-op once the stream is closing or closed.
func (h *Handle) RequestStop() {
	if h.State() == StateClosed {
		return
	}
	h.ctrl.loop.Post(func() {
		h.s.close(ReasonUserRequested)
	})
}

func (h *Handle) markClosed(reason CloseReason) {
	h.doneOnce.Do(func() {
		h.reason.Store(int32(reason))
		close(h.done)
	})
}

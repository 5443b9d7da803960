package stream

import (
	"log/slog"

	"k8s.io/utils/clock"
)

// stream is one media stream session. Every method runs on the owning
// controller's loop.
type stream struct {
	id     ID
	url    string
	track  string
	ctrl   *Controller
	client Client
	handle *Handle
	log    *slog.Logger

	state     State
	reason    CloseReason
	openTimer clock.Timer
}

// streamSink forwards transport events onto the controller loop.
type streamSink struct {
	s *stream
}

func (k streamSink) Emit(ev Event) {
	s := k.s
	s.ctrl.loop.Post(func() { s.handleEvent(ev) })
}

func (s *stream) request() OpenRequest {
	return OpenRequest{ID: s.id, Device: s.ctrl.device, URL: s.url, Track: s.track}
}

// open starts the transport open. Only the controller calls it, and only for
// the stream it just installed in the current slot.
func (s *stream) open() {
	if s.state != StateIdle {
		s.log.Warn("Ignoring open of non idle stream", "state", s.state)
		return
	}
	s.setState(StateOpening)
	s.armOpenTimeout()

	if err := s.ctrl.transport.Open(s.ctrl.ctx, s.request(), streamSink{s: s}); err != nil {
		s.log.Warn("Transport refused stream open", "url", s.url, "error", err)
		s.stopOpenTimeout()
		s.reason = ReasonFailed
		s.finish()
	}
}

// close requests closure. The first reason wins and later calls are no-ops,
// except that a device teardown relabels a stream already closing for
// another non failure reason.
func (s *stream) close(reason CloseReason) {
	switch s.state {
	case StateIdle:
		s.reason = reason
		s.finish()
	case StateOpening, StateOpen:
		s.reason = reason
		s.stopOpenTimeout()
		s.setState(StateClosing)
		if err := s.ctrl.transport.Close(s.id); err != nil {
			s.log.Warn("Transport close failed, releasing stream", "error", err)
			s.finish()
		}
	case StateClosing:
		if reason == ReasonDeviceDisconnected && s.reason != ReasonFailed {
			s.reason = reason
		}
	case StateClosed:
	}
}

func (s *stream) handleEvent(ev Event) {
	switch ev := ev.(type) {
	case EventOpened:
		if s.state != StateOpening {
			// a close was requested while opening; the open is being aborted
			s.log.Debug("Ignoring late open notification", "state", s.state)
			return
		}
		s.stopOpenTimeout()
		s.setState(StateOpen)

	case EventData:
		if s.state != StateOpen {
			return
		}
		if recv, ok := s.client.(DataReceiver); ok {
			h, frame := s.handle, ev.Frame
			s.ctrl.client.Post(func() { recv.OnData(h, frame) })
		}

	case EventClosed:
		switch s.state {
		case StateOpening, StateOpen:
			s.log.Warn("Stream lost by transport", "state", s.state, "error", ev.Err)
			s.stopOpenTimeout()
			s.reason = ReasonFailed
			s.finish()
		case StateClosing:
			s.finish()
		default:
			s.log.Debug("Ignoring close notification", "state", s.state)
		}
	}
}

func (s *stream) armOpenTimeout() {
	d := s.ctrl.openTimeout
	if d <= 0 {
		return
	}
	s.openTimer = s.ctrl.clock.AfterFunc(d, func() {
		s.ctrl.loop.Post(func() {
			if s.state == StateOpening {
				s.log.Warn("Stream open timed out", "timeout", d)
				s.close(ReasonFailed)
			}
		})
	})
}

func (s *stream) stopOpenTimeout() {
	if s.openTimer != nil {
		s.openTimer.Stop()
		s.openTimer = nil
	}
}

func (s *stream) setState(state State) {
	s.state = state
	s.handle.state.Store(int32(state))
	s.log.Debug("Stream state changed", "state", state)

	client, h := s.client, s.handle
	s.ctrl.client.Post(func() { client.OnStateChanged(h, state) })
}

// finish moves the stream to CLOSED. The client sees OnClosed first; only
// then is the controller told, from its own loop, that the slot is free.
func (s *stream) finish() {
	s.state = StateClosed
	s.handle.state.Store(int32(StateClosed))
	s.log.Info("Stream closed", "reason", s.reason)

	ctrl := s.ctrl
	s.notifyClosed(func() {
		ctrl.loop.Post(func() { ctrl.onStreamClosed(s) })
	})
}

// notifyClosed delivers OnClosed on the client executor and runs then after
// it returns. When the executor refuses work the callback runs on its own
// goroutine, so the client is always told.
func (s *stream) notifyClosed(then func()) {
	client, h, reason, log := s.client, s.handle, s.reason, s.log
	deliver := func() {
		defer func() {
			h.markClosed(reason)
			if then != nil {
				then()
			}
		}()
		client.OnClosed(h, reason)
	}
	if s.ctrl.client.Post(deliver) {
		return
	}
	log.Debug("Client executor stopped, delivering close on a goroutine")
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("recovered from close callback", "panic", r)
			}
		}()
		deliver()
	}()
}

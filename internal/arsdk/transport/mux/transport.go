// Package mux streams device media over a single multiplexed connection to a
// device agent. Every stream is an smux stream that starts with a header
// naming the URL and track, answered by a one line reply.
package mux

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

const (
	frameSize   = 32 * 1024
	dialTimeout = 5 * time.Second
)

// Dialer connects to the device agent.
type Dialer func(ctx context.Context) (net.Conn, error)

// TCPDialer dials the agent at addr.
func TCPDialer(addr string) Dialer {
	return func(ctx context.Context) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

// Transport opens streams on a lazily dialed smux session. A broken session is
// replaced on the next open.
type Transport struct {
	dial Dialer
	log  *slog.Logger

	sessionMu sync.Mutex
	session   *smux.Session

	mu      sync.Mutex
	streams map[stream.ID]*entry
}

type entry struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	closing bool
}

// New creates a transport that reaches the agent through dial.
func New(dial Dialer) *Transport {
	return &Transport{
		dial:    dial,
		log:     util.GetLogger().With("component", "mux-transport"),
		streams: make(map[stream.ID]*entry),
	}
}

func (t *Transport) getSession(ctx context.Context) (*smux.Session, error) {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()

	if t.session != nil && !t.session.IsClosed() {
		return t.session, nil
	}
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial device agent")
	}
	session, err := smux.Client(conn, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to create smux session to device agent")
	}
	t.log.Info("Connected device agent", "addr", conn.RemoteAddr())
	t.session = session
	return session, nil
}

// Open starts the stream and returns at once.
func (t *Transport) Open(ctx context.Context, req stream.OpenRequest, sink stream.Sink) error {
	ctx, cancel := context.WithCancel(ctx)
	e := &entry{cancel: cancel}

	t.mu.Lock()
	if _, ok := t.streams[req.ID]; ok {
		t.mu.Unlock()
		cancel()
		return errors.Errorf("stream %s already open", req.ID)
	}
	t.streams[req.ID] = e
	t.mu.Unlock()

	go t.run(ctx, req, e, sink)
	return nil
}

func (t *Transport) run(ctx context.Context, req stream.OpenRequest, e *entry, sink stream.Sink) {
	log := t.log.With("device", req.Device, "stream", req.ID)
	var cause error
	defer func() {
		e.cancel()
		t.mu.Lock()
		delete(t.streams, req.ID)
		t.mu.Unlock()
		if cause != nil && e.isClosing() {
			cause = nil
		}
		sink.Emit(stream.EventClosed{Err: cause})
	}()

	session, err := t.getSession(ctx)
	if err != nil {
		cause = err
		return
	}
	st, err := session.OpenStream()
	if err != nil {
		cause = errors.Wrap(err, "failed to open smux stream")
		return
	}
	defer st.Close()

	// unblocks the handshake and the reader when the stream is closed
	stop := context.AfterFunc(ctx, func() { st.Close() })
	defer stop()

	if err := WriteRequest(st, Request{URL: req.URL, Track: req.Track}); err != nil {
		cause = err
		return
	}
	reply, body, err := ReadReply(st)
	if err != nil {
		cause = err
		return
	}
	if !reply.OK {
		cause = errors.Errorf("agent refused stream: %s", reply.Error)
		log.Warn("Agent refused stream", "url", req.URL, "error", reply.Error)
		return
	}

	log.Info("Stream opened on agent", "url", req.URL, "smux_stream", st.ID())
	sink.Emit(stream.EventOpened{})

	buf := make([]byte, frameSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			frame := make([]byte, n)
			copy(frame, buf[:n])
			sink.Emit(stream.EventData{Frame: frame})
		}
		if err != nil {
			if err != io.EOF {
				cause = errors.Wrap(err, "stream connection lost")
			}
			log.Debug("Stream reader finished", "error", err)
			return
		}
	}
}

func (e *entry) isClosing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closing
}

// Close ends the stream. EventClosed follows once the reader has stopped.
func (t *Transport) Close(id stream.ID) error {
	t.mu.Lock()
	e, ok := t.streams[id]
	t.mu.Unlock()
	if !ok {
		return errors.Errorf("stream %s not open", id)
	}

	e.mu.Lock()
	e.closing = true
	e.mu.Unlock()
	e.cancel()
	return nil
}

// Shutdown closes the agent session and every stream on it.
func (t *Transport) Shutdown() error {
	t.sessionMu.Lock()
	defer t.sessionMu.Unlock()
	if t.session == nil {
		return nil
	}
	err := t.session.Close()
	t.session = nil
	return err
}

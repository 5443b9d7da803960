// Package ws streams device media over WebSocket connections. Each stream is
// one connection: binary messages are frames, and the connection ending is
// the stream ending.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/stream"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

const closeGrace = time.Second

// Transport dials one WebSocket per stream.
type Transport struct {
	dialer *websocket.Dialer
	header http.Header
	log    *slog.Logger

	mu    sync.Mutex
	conns map[stream.ID]*conn
}

type conn struct {
	cancel context.CancelFunc

	mu      sync.Mutex
	ws      *websocket.Conn
	closing bool
}

// New creates a transport. A nil dialer uses websocket.DefaultDialer.
func New(dialer *websocket.Dialer, header http.Header) *Transport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &Transport{
		dialer: dialer,
		header: header,
		log:    util.GetLogger().With("component", "ws-transport"),
		conns:  make(map[stream.ID]*conn),
	}
}

// streamURL adds the requested track as a query parameter.
func streamURL(req stream.OpenRequest) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", errors.Wrapf(err, "invalid stream url %q", req.URL)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", errors.Errorf("unsupported stream url scheme %q", u.Scheme)
	}
	if req.Track != "" {
		q := u.Query()
		q.Set("track", req.Track)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Open starts dialing and returns at once.
func (t *Transport) Open(ctx context.Context, req stream.OpenRequest, sink stream.Sink) error {
	target, err := streamURL(req)
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithCancel(ctx)
	c := &conn{cancel: cancel}

	t.mu.Lock()
	if _, ok := t.conns[req.ID]; ok {
		t.mu.Unlock()
		cancel()
		return errors.Errorf("stream %s already open", req.ID)
	}
	t.conns[req.ID] = c
	t.mu.Unlock()

	go t.run(dialCtx, req, target, c, sink)
	return nil
}

func (t *Transport) run(ctx context.Context, req stream.OpenRequest, target string, c *conn, sink stream.Sink) {
	log := t.log.With("device", req.Device, "stream", req.ID)
	var cause error
	defer func() {
		c.cancel()
		t.mu.Lock()
		delete(t.conns, req.ID)
		t.mu.Unlock()
		sink.Emit(stream.EventClosed{Err: cause})
	}()

	ws, resp, err := t.dialer.DialContext(ctx, target, t.header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		cause = errors.Wrapf(err, "failed to dial %s", target)
		log.Warn("Stream dial failed", "url", target, "error", err)
		return
	}
	defer ws.Close()

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.ws = ws
	c.mu.Unlock()

	log.Info("Stream connected", "url", target)
	sink.Emit(stream.EventOpened{})

	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosing() {
				cause = errors.Wrap(err, "stream connection lost")
			}
			log.Debug("Stream reader finished", "error", err)
			return
		}
		if mt == websocket.BinaryMessage {
			sink.Emit(stream.EventData{Frame: data})
		}
	}
}

func (c *conn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// Close ends the stream. The reader goroutine reports EventClosed once the
// connection is gone.
func (t *Transport) Close(id stream.ID) error {
	t.mu.Lock()
	c, ok := t.conns[id]
	t.mu.Unlock()
	if !ok {
		return errors.Errorf("stream %s not open", id)
	}

	c.mu.Lock()
	c.closing = true
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		// still dialing
		c.cancel()
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream stopped")
	if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		t.log.Debug("Failed to send close message", "stream", id, "error", err)
	}
	return ws.Close()
}

// Package stream arbitrates media streams of a single device.
//
// The device can run only one stream pipeline at a time. A Controller accepts
// any number of open requests and keeps at most one stream in the current
// slot (opening or open) and at most one in the pending slot. A newer request
// always replaces the pending one, which is closed as interrupted without
// ever being opened. When the current stream has closed, and its client has
// been told so, the pending stream is promoted and opened.
//
// All slot and stream state is confined to the controller's loop queue.
// Client callbacks run on a separate executor.
package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/dispatch"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

// ErrControllerClosed is returned by operations on a controller after Close.
var ErrControllerClosed = errors.New("stream controller closed")

// DefaultOpenTimeout bounds how long a stream may stay OPENING.
const DefaultOpenTimeout = 10 * time.Second

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the base logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithClock sets the clock used for open timeouts.
func WithClock(clk clock.WithDelayedExecution) Option {
	return func(c *Controller) { c.clock = clk }
}

// WithOpenTimeout sets the open timeout. Zero or negative disables it.
func WithOpenTimeout(d time.Duration) Option {
	return func(c *Controller) { c.openTimeout = d }
}

// WithClientExecutor delivers client callbacks on exec instead of a
// dedicated queue. The controller does not stop a supplied executor.
func WithClientExecutor(exec dispatch.Executor) Option {
	return func(c *Controller) { c.client = exec }
}

// Controller is the per-device stream arbiter.
type Controller struct {
	device    string
	transport Transport
	log       *slog.Logger

	clock       clock.WithDelayedExecution
	openTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	loop        *dispatch.Queue
	client      dispatch.Executor
	clientQueue *dispatch.Queue // nil when the client executor was supplied

	nextID atomic.Uint64

	// loop-confined
	current     *stream
	pending     *stream
	closed      bool
	idleWaiters []chan struct{}

	closeOnce sync.Once
}

// NewController creates the controller for device and starts its queues.
func NewController(device string, transport Transport, opts ...Option) *Controller {
	c := &Controller{
		device:      device,
		transport:   transport,
		clock:       clock.RealClock{},
		openTimeout: DefaultOpenTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = util.GetLogger()
	}
	c.log = c.log.With("component", "stream-controller", "device", device)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.loop = dispatch.NewQueue("transport:"+device, c.log)
	if c.client == nil {
		c.clientQueue = dispatch.NewQueue("client:"+device, c.log)
		c.client = c.clientQueue
	}
	return c
}

// Device returns the device identifier.
func (c *Controller) Device() string {
	return c.device
}

// OpenStream requests a stream and returns its handle immediately. The
// request is never refused: if the device pipeline is busy the stream waits
// in the pending slot, and the client learns the outcome through callbacks.
func (c *Controller) OpenStream(url, track string, client Client) *Handle {
	if client == nil {
		client = ClientFuncs{}
	}
	s := &stream{
		id:     ID(c.nextID.Add(1)),
		url:    url,
		track:  track,
		ctrl:   c,
		client: client,
	}
	s.log = c.log.With("stream", s.id)
	s.handle = newHandle(c, s)

	if !c.loop.Post(func() { c.admit(s) }) {
		// the loop is gone: nothing can open the stream, but the client
		// still gets its terminal callback
		s.state = StateClosed
		s.reason = ReasonDeviceDisconnected
		s.handle.state.Store(int32(StateClosed))
		s.notifyClosed(nil)
	}
	return s.handle
}

func (c *Controller) admit(s *stream) {
	switch {
	case c.closed:
		s.log.Info("Controller closing, refusing stream", "url", s.url)
		s.close(ReasonDeviceDisconnected)

	case c.current == nil:
		s.log.Info("Opening stream", "url", s.url, "track", s.track)
		c.current = s
		s.open()

	case c.pending == nil:
		s.log.Info("Stream pending, interrupting current", "url", s.url, "current", c.current.id)
		c.pending = s
		c.current.close(ReasonInterrupted)

	default:
		evicted := c.pending
		s.log.Info("Stream pending, evicting previous pending", "url", s.url, "evicted", evicted.id)
		c.pending = s
		evicted.close(ReasonInterrupted)
	}
}

// onStreamClosed runs on the loop once a stream's client has seen OnClosed.
func (c *Controller) onStreamClosed(s *stream) {
	switch s {
	case c.current:
		c.current = nil
		if next := c.pending; next != nil {
			c.pending = nil
			if next.state == StateIdle {
				c.log.Info("Promoting pending stream", "stream", next.id)
				c.current = next
				next.open()
			}
		}
	case c.pending:
		c.pending = nil
	default:
		c.log.Debug("Stale close notification", "stream", s.id)
	}
	c.notifyIdle()
}

// CloseStreams closes the pending stream, then the current one. It never
// blocks and may be called any number of times.
func (c *Controller) CloseStreams() {
	c.loop.Post(c.closeStreams)
}

func (c *Controller) closeStreams() {
	if p := c.pending; p != nil {
		c.pending = nil
		p.close(ReasonInterrupted)
	}
	if cur := c.current; cur != nil {
		cur.close(ReasonDeviceDisconnected)
	}
}

func (c *Controller) notifyIdle() {
	if c.current != nil || c.pending != nil {
		return
	}
	for _, ch := range c.idleWaiters {
		close(ch)
	}
	c.idleWaiters = nil
}

// abandonStreams completes streams whose transport never confirmed closure,
// so their clients still receive OnClosed.
func (c *Controller) abandonStreams() {
	for _, s := range []*stream{c.pending, c.current} {
		if s == nil || s.state == StateClosed {
			continue
		}
		s.log.Warn("Abandoning stream without transport confirmation", "state", s.state)
		s.stopOpenTimeout()
		if s.reason == ReasonNone {
			s.reason = ReasonDeviceDisconnected
		}
		s.finish()
	}
	c.pending, c.current = nil, nil
}

// Close tears the controller down: it closes all streams, waits until they
// have reported closure or ctx expires, then stops the queues. Close returns
// once ctx expires even if a client callback is still blocked. Streams
// requested afterwards are closed with ReasonDeviceDisconnected.
//
// Close must not be called from a client callback.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		idle := make(chan struct{})
		posted := c.loop.Post(func() {
			c.closed = true
			c.closeStreams()
			c.idleWaiters = append(c.idleWaiters, idle)
			c.notifyIdle()
		})
		if posted {
			select {
			case <-idle:
			case <-ctx.Done():
				err = errors.Wrapf(ctx.Err(), "device %s streams did not close in time", c.device)
				c.loop.Post(c.abandonStreams)
			}
		}

		c.cancel()
		c.loop.Stop()
		<-c.loop.Done()
		if c.clientQueue != nil {
			c.clientQueue.Stop()
			select {
			case <-c.clientQueue.Done():
			case <-ctx.Done():
				// a callback is stuck; the queue drains on its own once it returns
				c.log.Warn("Client callbacks still running, not waiting", "pending", c.clientQueue.Len())
				if err == nil {
					err = errors.Wrapf(ctx.Err(), "device %s client callbacks did not finish in time", c.device)
				}
			}
		}
		c.log.Info("Stream controller closed")
	})
	return err
}

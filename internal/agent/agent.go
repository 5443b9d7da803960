// Package agent is the device side of the mux transport. It accepts smux
// sessions, reads the stream header of each smux stream and pipes the named
// media source back until either end closes.
package agent

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"runtime/debug"
	"sync"

	"github.com/pkg/errors"
	"github.com/xtaci/smux"

	"github.com/babelcloud/gbox/packages/arstream/internal/arsdk/transport/mux"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
)

// SourceOpener resolves a stream request to its media bytes.
type SourceOpener interface {
	OpenSource(ctx context.Context, req mux.Request) (io.ReadCloser, error)
}

// SourceOpenerFunc adapts a function to SourceOpener.
type SourceOpenerFunc func(ctx context.Context, req mux.Request) (io.ReadCloser, error)

func (f SourceOpenerFunc) OpenSource(ctx context.Context, req mux.Request) (io.ReadCloser, error) {
	return f(ctx, req)
}

// DefaultSources serves file:// and http(s):// URLs.
var DefaultSources SourceOpener = SourceOpenerFunc(openURL)

func openURL(ctx context.Context, req mux.Request) (io.ReadCloser, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid source url %q", req.URL)
	}
	switch u.Scheme {
	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to open source file %s", u.Path)
		}
		return f, nil
	case "http", "https":
		if req.Track != "" {
			q := u.Query()
			q.Set("track", req.Track)
			u.RawQuery = q.Encode()
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create source request %s", u)
		}
		resp, err := http.DefaultClient.Do(r)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to fetch source %s", u)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, errors.Errorf("source %s responded %d", u, resp.StatusCode)
		}
		return resp.Body, nil
	default:
		return nil, errors.Errorf("unsupported source scheme %q", u.Scheme)
	}
}

// Agent serves media streams to stream controllers.
type Agent struct {
	sources SourceOpener
	log     *slog.Logger

	wg sync.WaitGroup
}

// New creates an agent. A nil opener uses DefaultSources.
func New(sources SourceOpener) *Agent {
	if sources == nil {
		sources = DefaultSources
	}
	return &Agent{
		sources: sources,
		log:     util.GetLogger().With("component", "agent"),
	}
}

// Serve accepts connections on ln until ctx is done or ln fails.
func (a *Agent) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()
	defer a.wg.Wait()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "agent accept failed")
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one smux session over conn.
func (a *Agent) ServeConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	session, err := smux.Server(conn, nil)
	if err != nil {
		a.log.Error("Failed to create smux session", "remote", conn.RemoteAddr(), "error", err)
		return
	}
	defer session.Close()
	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	a.log.Info("Controller connected", "remote", conn.RemoteAddr())
	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		st, err := session.AcceptStream()
		if err != nil {
			a.log.Info("Controller session closed", "remote", conn.RemoteAddr(), "error", err)
			return
		}
		a.log.Debug("Stream accepted", "smux_stream", st.ID())
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.serveStream(ctx, st)
		}()
	}
}

func (a *Agent) serveStream(ctx context.Context, st *smux.Stream) {
	defer func() {
		if r := recover(); r != nil {
			a.log.Error("Recovered from stream goroutine", "smux_stream", st.ID(), "panic", r, "stack", string(debug.Stack()))
		}
	}()
	defer st.Close()

	req, conn, err := mux.ReadRequest(st)
	if err != nil {
		a.log.Warn("Rejecting stream", "smux_stream", st.ID(), "error", err)
		mux.WriteReply(conn, mux.Reply{Error: err.Error()})
		return
	}
	log := a.log.With("smux_stream", st.ID(), "url", req.URL, "track", req.Track)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	src, err := a.sources.OpenSource(ctx, req)
	if err != nil {
		log.Warn("Failed to open source", "error", err)
		mux.WriteReply(conn, mux.Reply{Error: err.Error()})
		return
	}
	defer src.Close()

	if err := mux.WriteReply(conn, mux.Reply{OK: true}); err != nil {
		log.Warn("Failed to answer stream", "error", err)
		return
	}
	log.Info("Streaming source")

	// the controller closes its side to stop the stream
	go func() {
		io.Copy(io.Discard, conn)
		cancel()
		src.Close()
	}()
	n, err := io.Copy(conn, src)
	if err != nil && ctx.Err() == nil {
		log.Warn("Stream copy failed", "bytes", n, "error", err)
		return
	}
	log.Info("Stream finished", "bytes", n)
}

package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/babelcloud/gbox/packages/arstream/internal/server/router"
	"github.com/babelcloud/gbox/packages/arstream/internal/util"
	"github.com/babelcloud/gbox/packages/arstream/internal/version"
)

// ArstreamServer serves the local stream API over the device keeper.
type ArstreamServer struct {
	*DeviceKeeper

	port       int
	adbPort    int // zero disables adb hot plug
	httpServer *http.Server
	mux        *http.ServeMux

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	stopOnce  sync.Once
}

// NewArstreamServer creates the server. adbPort zero disables adb device
// watching; devices are then attached through the API only.
func NewArstreamServer(port, adbPort int, keeper *DeviceKeeper) *ArstreamServer {
	s := &ArstreamServer{
		DeviceKeeper: keeper,
		port:         port,
		adbPort:      adbPort,
		mux:          http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler with request logging.
func (s *ArstreamServer) Handler() http.Handler {
	return loggingMiddleware(s.mux)
}

// Start serves until Stop is called.
func (s *ArstreamServer) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.port)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Stop is called.
func (s *ArstreamServer) Serve(ln net.Listener) error {
	if s.adbPort > 0 {
		if err := s.WatchADB(s.adbPort); err != nil {
			ln.Close()
			return errors.Wrap(err, "failed to watch adb devices")
		}
	}

	s.mu.Lock()
	s.startTime = time.Now()
	s.running = true
	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  0, // No read timeout for streaming connections
		WriteTimeout: 0, // No write timeout for streaming connections
	}
	httpServer := s.httpServer
	s.mu.Unlock()

	util.GetLogger().Info("Server started", "addr", ln.Addr().String(), "version", version.Version)
	if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "server failed")
	}
	return nil
}

// Stop shuts the HTTP server down and detaches every device.
func (s *ArstreamServer) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.running = false
		httpServer := s.httpServer
		s.mu.Unlock()

		if httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if serr := httpServer.Shutdown(ctx); serr != nil {
				log.Printf("HTTP server shutdown error: %v", serr)
				// Force close if graceful shutdown fails
				if cerr := httpServer.Close(); cerr != nil {
					log.Printf("HTTP server force close error: %v", cerr)
				}
			}
		}

		err = s.DeviceKeeper.Close()
		util.GetLogger().Info("Server stopped")
	})
	return err
}

// setupRoutes registers all routers on the mux
func (s *ArstreamServer) setupRoutes() {
	routers := []router.Router{
		&router.APIRouter{},
	}
	for _, r := range routers {
		r.RegisterRoutes(s.mux, s)
	}
}

// IsRunning returns whether the server is running
func (s *ArstreamServer) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// GetPort returns the server port
func (s *ArstreamServer) GetPort() int {
	return s.port
}

// GetUptime returns server uptime
func (s *ArstreamServer) GetUptime() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return time.Since(s.startTime)
}

// GetVersion returns version info
func (s *ArstreamServer) GetVersion() string {
	return version.Version
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	length int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.status = code
	lw.ResponseWriter.WriteHeader(code)
}

func (lw *loggingResponseWriter) Write(b []byte) (int, error) {
	if lw.status == 0 {
		lw.status = http.StatusOK
	}
	n, err := lw.ResponseWriter.Write(b)
	lw.length += n
	return n, err
}

func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("http.Hijacker interface is not supported")
	}
	lw.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(lw, r)
		log.Printf("%s %s %d %d %s %s", r.Method, r.URL.Path, lw.status, lw.length, time.Since(start), r.RemoteAddr)
	})
}

// Package liveserver runs an HTTP server on its own goroutine for the
// duration of a test, so tests can drive the application over real HTTP.
// Handlers share the session connections: they see the current test's
// uncommitted data, but cannot move the ambient transaction boundary.
package liveserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/veiloq/savekit/connection"
)

// DefaultAddr is used when no address is configured.
const DefaultAddr = "localhost:8081-8179"

// ParseAddr splits "host:ports" where ports is a comma-separated list of
// single ports ("8000") and inclusive ranges ("8000-8010").
func ParseAddr(addr string) (string, []int, error) {
	host, portList, ok := strings.Cut(addr, ":")
	if !ok || portList == "" {
		return "", nil, fmt.Errorf("invalid address %q for live server", addr)
	}
	var ports []int
	for _, part := range strings.Split(portList, ",") {
		lo, hi, isRange := strings.Cut(part, "-")
		first, err := strconv.Atoi(lo)
		if err != nil {
			return "", nil, fmt.Errorf("invalid address %q for live server: %w", addr, err)
		}
		last := first
		if isRange {
			if last, err = strconv.Atoi(hi); err != nil {
				return "", nil, fmt.Errorf("invalid address %q for live server: %w", addr, err)
			}
		}
		if first < 0 || last > 65535 || last < first {
			return "", nil, fmt.Errorf("invalid port range %q in live server address %q", part, addr)
		}
		for p := first; p <= last; p++ {
			ports = append(ports, p)
		}
	}
	return host, ports, nil
}

// Server is a running live server.
type Server struct {
	srv    *http.Server
	url    string
	logger *zap.Logger
	done   chan error
}

// Start listens on the first free port of addr and serves h until Stop.
func Start(addr string, h http.Handler, logger *zap.Logger) (*Server, error) {
	if addr == "" {
		addr = DefaultAddr
	}
	host, ports, err := ParseAddr(addr)
	if err != nil {
		return nil, err
	}
	l, err := connection.ListenFirst(host, ports...)
	if err != nil {
		return nil, fmt.Errorf("failed to start live server: %w", err)
	}

	logger = logger.Named("liveserver")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Mount("/", h)

	s := &Server{
		srv:    &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second},
		url:    "http://" + l.Addr().String(),
		logger: logger,
		done:   make(chan error, 1),
	}
	go func() {
		err := s.srv.Serve(l)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.done <- err
	}()
	logger.Info("Live server started", zap.String("url", s.url))
	return s, nil
}

// URL is the base URL of the server, e.g. "http://127.0.0.1:8081".
func (s *Server) URL() string { return s.url }

// Port is the port the server listens on.
func (s *Server) Port() int {
	_, p, _ := net.SplitHostPort(strings.TrimPrefix(s.url, "http://"))
	port, _ := strconv.Atoi(p)
	return port
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop live server: %w", err)
	}
	err := <-s.done
	s.logger.Info("Live server stopped")
	return err
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("Request served",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}

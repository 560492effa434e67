package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"signal_trader/internal/core"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exports Prometheus metrics and, when given, the health endpoint
type Server struct {
	addr   string
	health http.Handler
	logger core.ILogger
}

// NewServer creates a metrics server listening on port
func NewServer(port int, health http.Handler, logger core.ILogger) *Server {
	return &Server{
		addr:   fmt.Sprintf(":%d", port),
		health: health,
		logger: logger.WithField("component", "metrics_server"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if s.health != nil {
		mux.Handle("/health", s.health)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts the server down
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting Prometheus metrics server", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("Stopping metrics server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

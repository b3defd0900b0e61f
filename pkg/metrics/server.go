package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// ServerConfig holds metrics endpoint settings
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// DefaultServerConfig returns the default metrics endpoint configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Enabled: false,
		Host:    "localhost",
		Port:    9101,
		Path:    "/metrics",
	}
}

// Server exposes a Collector over HTTP
type Server struct {
	config    *ServerConfig
	collector *Collector
	logger    *logx.Logger
	srv       *http.Server
	listener  net.Listener
}

// NewServer creates a metrics server for collector
func NewServer(config *ServerConfig, collector *Collector, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}
	return &Server{config: config, collector: collector, logger: logger}
}

// Handler returns the HTTP handler serving the collector's registry
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.config.Path, promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	return mux
}

// Start begins serving in the background. It is a no-op when disabled.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("metrics_server_disabled")
		return nil
	}
	if s.collector == nil {
		return fmt.Errorf("metrics server enabled without a collector")
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("metrics_server_started", "address", ln.Addr().String(), "path", s.config.Path)
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics_server_failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.logger.Info("metrics_server_stopped")
	return err
}

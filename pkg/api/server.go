package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/estimator"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// LocationResponse wraps an estimate the way clients expect it
type LocationResponse struct {
	Data LocationData `json:"data"`
}

// LocationData is the flat estimate record served over HTTP
type LocationData struct {
	Latitude       float64  `json:"latitude"`        // Decimal degrees
	Longitude      float64  `json:"longitude"`       // Decimal degrees
	Altitude       *float64 `json:"altitude"`        // Meters above sea level
	Accuracy       float64  `json:"accuracy"`        // Meters
	Bearing        float32  `json:"bearing"`         // Degrees clockwise from north
	Speed          float32  `json:"speed"`           // m/s
	Confidence     float32  `json:"confidence"`      // [0,1]
	IsInterpolated bool     `json:"is_interpolated"` // Dead-reckoned
	FixStatus      string   `json:"fix_status"`      // "0", "1", "2" as string
	Satellites     *int     `json:"satellites"`
	DateTime       string   `json:"datetime"` // UTC time with Z suffix
	Source         string   `json:"source"`
	SessionID      string   `json:"session_id"`
}

// StatsProvider reports tracking session statistics
type StatsProvider interface {
	Stats() estimator.Stats
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Enabled     bool   `json:"enabled" default:"false"`
	Port        int    `json:"port" default:"8081"`
	Host        string `json:"host" default:"localhost"`
	AuthKey     string `json:"auth_key"`     // Optional authentication key
	CertFile    string `json:"cert_file"`    // TLS certificate file path
	KeyFile     string `json:"key_file"`     // TLS private key file path
	TrackLength int    `json:"track_length"` // Estimates kept for the track endpoint
}

// DefaultServerConfig returns the default API configuration
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Enabled:     false, // Disabled by default for security
		Port:        8081,
		Host:        "localhost",
		TrackLength: 600,
	}
}

// Server provides the current estimate, session statistics, a GeoJSON
// track and a live websocket feed
type Server struct {
	stats  StatsProvider
	config *ServerConfig
	logger *logx.Logger
	track  *Track
	hub    *Hub

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	started  time.Time
}

// NewServer creates a new API server instance. stats may be nil.
func NewServer(stats StatsProvider, config *ServerConfig, logger *logx.Logger) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{
		stats:  stats,
		config: config,
		logger: logger,
		track:  NewTrack(config.TrackLength),
		hub:    NewHub(logger),
	}
}

// authMiddleware handles optional authentication for API endpoints
func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// If no auth key is configured, allow anonymous access
		if s.config.AuthKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		// Check for authentication key in query parameter or header
		authKey := r.URL.Query().Get("auth")
		if authKey == "" {
			authKey = r.Header.Get("X-API-Key")
		}

		if authKey != s.config.AuthKey {
			s.logger.Warn("Invalid authentication attempt", "remote_addr", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	}
}

// Handler returns the API routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/location/current", s.authMiddleware(s.handleCurrent))
	mux.HandleFunc("/api/location/stats", s.authMiddleware(s.handleStats))
	mux.HandleFunc("/api/location/track", s.authMiddleware(s.handleTrack))
	mux.HandleFunc("/api/location/stream", s.authMiddleware(s.hub.ServeHTTP))
	mux.HandleFunc("/api/health", s.handleHealth)
	return mux
}

// Start starts the HTTP API server in the background
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("Location API server is disabled")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go s.hub.Run(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.srv = srv
	s.listener = ln
	s.cancel = cancel
	s.started = time.Now()
	s.mu.Unlock()

	s.logger.Info("Starting location API server", "address", ln.Addr().String(), "tls", s.config.CertFile != "")

	go func() {
		var err error
		if s.config.CertFile != "" && s.config.KeyFile != "" {
			err = srv.ServeTLS(ln, s.config.CertFile, s.config.KeyFile)
		} else {
			// nosemgrep: go.lang.security.audit.net.use-tls.use-tls
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Location API server failed", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Publish records an estimate and pushes it to stream clients
func (s *Server) Publish(loc pkg.PrecisionLocation) {
	s.track.Add(loc)
	if s.hub.Clients() == 0 {
		return
	}
	data, err := json.Marshal(s.convertToLocationData(&loc))
	if err != nil {
		s.logger.Error("Failed to encode stream message", "error", err)
		return
	}
	s.hub.Broadcast(data)
}

// handleCurrent returns the newest estimate
func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	loc, ok := s.track.Last()
	if !ok {
		http.Error(w, "No location available", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, LocationResponse{Data: s.convertToLocationData(&loc)})
}

// handleStats returns the tracker statistics
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.stats == nil {
		http.Error(w, "No tracking session", http.StatusServiceUnavailable)
		return
	}
	stats := s.stats.Stats()

	s.writeJSON(w, map[string]interface{}{
		"session":        stats,
		"stream_clients": s.hub.Clients(),
		"stream_dropped": s.hub.Dropped(),
	})
}

// handleTrack returns the recent track as a GeoJSON FeatureCollection
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	data, err := s.track.FeatureCollection().MarshalJSON()
	if err != nil {
		s.logger.Error("Failed to encode track", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(data)
}

// handleHealth handles health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "precision-location",
	}
	if !started.IsZero() {
		health["uptime"] = time.Since(started).Round(time.Second).String()
	}
	s.writeJSON(w, health)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// convertToLocationData flattens an estimate for HTTP clients
func (s *Server) convertToLocationData(loc *pkg.PrecisionLocation) LocationData {
	// Fix status follows accuracy; dead-reckoned and stale estimates never count as a fix
	fixStatus := "0"
	if !loc.IsInterpolated && loc.Accuracy > 0 && loc.Confidence > 0.01 {
		if loc.Accuracy < 5 {
			fixStatus = "2"
		} else if loc.Accuracy < 50 {
			fixStatus = "1"
		}
	}

	return LocationData{
		Latitude:       loc.Latitude,
		Longitude:      loc.Longitude,
		Altitude:       loc.Altitude,
		Accuracy:       loc.Accuracy,
		Bearing:        loc.Bearing,
		Speed:          loc.Speed,
		Confidence:     loc.Confidence,
		IsInterpolated: loc.IsInterpolated,
		FixStatus:      fixStatus,
		Satellites:     loc.Satellites,
		DateTime:       loc.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		Source:         loc.Source,
		SessionID:      loc.SessionID,
	}
}

// Stop gracefully shuts down the API server and disconnects stream clients
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, cancel := s.srv, s.cancel
	s.srv, s.cancel = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	cancel()
	err := srv.Shutdown(ctx)
	s.logger.Info("Location API server stopped")
	return err
}

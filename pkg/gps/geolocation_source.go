package gps

import (
	"context"
	"fmt"
	"time"

	"googlemaps.github.io/maps"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

const (
	providerGoogle      = "google"
	providerGoogleCache = "google_cache"
)

// RadioScan is the radio environment used for a network fix
type RadioScan struct {
	WiFi      []maps.WiFiAccessPoint
	Cells     []maps.CellTower
	RadioType maps.RadioType
}

// RadioScanner lists nearby Wi-Fi access points and cell towers
type RadioScanner interface {
	Scan(ctx context.Context) (*RadioScan, error)
}

// Geolocator resolves a radio scan to a position; *maps.Client implements it
type Geolocator interface {
	Geolocate(ctx context.Context, r *maps.GeolocationRequest) (*maps.GeolocationResult, error)
}

// GeolocationConfig holds Google Geolocation API settings
type GeolocationConfig struct {
	APIKey  string `json:"api_key"`
	BaseURL string `json:"base_url,omitempty"`
	// Lower bound on the polling interval regardless of tracking mode
	MinInterval time.Duration `json:"min_interval"`
	// Scans with fewer access points and no cells are not sent
	MinAccessPoints int           `json:"min_access_points"`
	ConsiderIP      bool          `json:"consider_ip"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

// DefaultGeolocationConfig returns the default geolocation configuration
func DefaultGeolocationConfig() *GeolocationConfig {
	return &GeolocationConfig{
		MinInterval:     10 * time.Second,
		MinAccessPoints: 2,
		RequestTimeout:  10 * time.Second,
	}
}

// GeolocationSource polls the Google Geolocation API with Wi-Fi and cell
// scans and emits Network-class samples
type GeolocationSource struct {
	config  *GeolocationConfig
	scanner RadioScanner
	client  Geolocator
	cache   *GeolocationCache
	logger  *logx.Logger
	now     func() time.Time
}

// NewGeolocationSource creates a source backed by the Google Maps client
func NewGeolocationSource(config *GeolocationConfig, scanner RadioScanner, logger *logx.Logger) (*GeolocationSource, error) {
	if config == nil {
		config = DefaultGeolocationConfig()
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("geolocation api key not configured: %w", pkg.ErrProviderUnavailable)
	}
	opts := []maps.ClientOption{maps.WithAPIKey(config.APIKey)}
	if config.BaseURL != "" {
		opts = append(opts, maps.WithBaseURL(config.BaseURL))
	}
	client, err := maps.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return NewGeolocationSourceWithClient(config, scanner, client, logger), nil
}

// NewGeolocationSourceWithClient creates a source using an existing geolocator
func NewGeolocationSourceWithClient(config *GeolocationConfig, scanner RadioScanner, client Geolocator, logger *logx.Logger) *GeolocationSource {
	if config == nil {
		config = DefaultGeolocationConfig()
	}
	return &GeolocationSource{
		config:  config,
		scanner: scanner,
		client:  client,
		logger:  logger,
		now:     time.Now,
	}
}

// UseCache answers repeated radio environments from cache before calling the API
func (gs *GeolocationSource) UseCache(cache *GeolocationCache) {
	gs.cache = cache
}

// Name implements PositionSource
func (gs *GeolocationSource) Name() string {
	return providerGoogle
}

// SubscribePosition implements PositionSource
func (gs *GeolocationSource) SubscribePosition(ctx context.Context, mode pkg.TrackingMode) (PositionStream, error) {
	interval := mode.PollInterval()
	if interval < gs.config.MinInterval {
		interval = gs.config.MinInterval
	}

	s, ctx := newStream(ctx, 4, nil)
	go gs.run(ctx, s, interval)

	gs.logger.Info("geolocation_source_subscribed", "interval", interval.String(), "mode", mode.String())
	return s, nil
}

func (gs *GeolocationSource) run(ctx context.Context, s *stream, interval time.Duration) {
	defer s.finish()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if sample := gs.poll(ctx); sample != nil {
			if !s.send(ctx, PositionUpdate{Sample: sample}) {
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll performs one scan and lookup; failures are logged and skipped
func (gs *GeolocationSource) poll(ctx context.Context) *pkg.PositionSample {
	scan, err := gs.scanner.Scan(ctx)
	if err != nil {
		gs.logger.Debug("radio_scan_failed", "error", err)
		return nil
	}
	if len(scan.Cells) == 0 && len(scan.WiFi) < gs.config.MinAccessPoints {
		gs.logger.Debug("radio_scan_insufficient", "wifi_aps", len(scan.WiFi), "cells", len(scan.Cells))
		return nil
	}

	if gs.cache != nil {
		if fix, ok := gs.cache.Get(scan); ok {
			return &pkg.PositionSample{
				Latitude:           fix.Latitude,
				Longitude:          fix.Longitude,
				HorizontalAccuracy: float32(fix.Accuracy),
				Timestamp:          gs.now(),
				Source:             pkg.SourceNetwork,
				Provider:           providerGoogleCache,
			}
		}
	}

	req := &maps.GeolocationRequest{
		RadioType:        scan.RadioType,
		ConsiderIP:       gs.config.ConsiderIP,
		CellTowers:       scan.Cells,
		WiFiAccessPoints: scan.WiFi,
	}

	reqCtx := ctx
	if gs.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, gs.config.RequestTimeout)
		defer cancel()
	}

	start := gs.now()
	res, err := gs.client.Geolocate(reqCtx, req)
	if err != nil {
		if ctx.Err() == nil {
			gs.logger.Warn("geolocation_request_failed", "error", err)
		}
		return nil
	}

	gs.logger.Debug("geolocation_fix",
		"latitude", res.Location.Lat,
		"longitude", res.Location.Lng,
		"accuracy", res.Accuracy,
		"wifi_aps", len(scan.WiFi),
		"cells", len(scan.Cells),
		"latency_ms", gs.now().Sub(start).Milliseconds(),
	)

	if gs.cache != nil {
		fix := CachedFix{Latitude: res.Location.Lat, Longitude: res.Location.Lng, Accuracy: res.Accuracy, CachedAt: gs.now()}
		if err := gs.cache.Put(scan, fix); err != nil {
			gs.logger.Warn("geolocation_cache_write_failed", "error", err)
		}
	}

	return &pkg.PositionSample{
		Latitude:           res.Location.Lat,
		Longitude:          res.Location.Lng,
		HorizontalAccuracy: float32(res.Accuracy),
		Timestamp:          gs.now(),
		Source:             pkg.SourceNetwork,
		Provider:           providerGoogle,
	}
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/api"
	"github.com/markus-lassfolk/precision-location/pkg/estimator"
	"github.com/markus-lassfolk/precision-location/pkg/gps"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/metrics"
	"github.com/markus-lassfolk/precision-location/pkg/mqtt"
	"github.com/markus-lassfolk/precision-location/pkg/pidfile"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
	"github.com/markus-lassfolk/precision-location/pkg/uci"
)

var (
	configPath = flag.String("config", uci.DefaultConfigPath, "Path to UCI or YAML configuration file")
	pidPath    = flag.String("pid-file", "/var/run/precisiond.pid", "Path to PID file")
	logLevel   = flag.String("log-level", "", "Override log level (trace|debug|info|warn|error)")
	mode       = flag.String("mode", "", "Override tracking mode (high_accuracy|balanced|low_power)")
	nmeaDevice = flag.String("nmea", "", "NMEA device path or tcp://host:port feed")
	recordPath = flag.String("record", "", "Record raw inputs to this SQLite trace file")
	version    = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "precisiond"
	AppVersion = "1.0.0"
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	bootLogger := logx.NewLogger(valueOr(*logLevel, "info"), AppName)
	cfg, err := uci.Load(context.Background(), *configPath, bootLogger)
	if err != nil {
		bootLogger.Error("Failed to load configuration", "error", err, "path", *configPath)
		os.Exit(1)
	}
	applyFlags(cfg)

	logger := logx.NewLogger(cfg.LogLevel, AppName)

	pidFile := pidfile.New(*pidPath)
	if err := pidFile.Create(); err != nil {
		logger.Error("Failed to create PID file", "error", err, "path", *pidPath)
		os.Exit(1)
	}
	defer func() {
		if err := pidFile.Remove(); err != nil {
			logger.Error("Failed to remove PID file", "error", err)
		}
	}()

	if err := run(cfg, logger); err != nil {
		logger.Error("Daemon stopped with error", "error", err)
		pidFile.Remove()
		os.Exit(1)
	}
}

func valueOr(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// applyFlags lets command line flags override the loaded configuration
func applyFlags(cfg *uci.Config) {
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *mode != "" {
		cfg.TrackingMode = *mode
	}
	if *nmeaDevice != "" {
		cfg.Sources.NMEADevice = *nmeaDevice
	}
	if *recordPath != "" {
		cfg.Sources.RecordPath = *recordPath
	}
}

func run(cfg *uci.Config, logger *logx.Logger) error {
	trackingMode, err := pkg.ParseTrackingMode(cfg.TrackingMode)
	if err != nil {
		return err
	}

	logger.Info("Starting precision location daemon", "version", AppVersion, "pid", os.Getpid(), "mode", trackingMode.String())

	collector := metrics.NewCollector()
	metricsServer := metrics.NewServer(cfg.MetricsServerConfig(), collector, logger.With("component", "metrics"))
	if err := metricsServer.Start(); err != nil {
		return err
	}

	mqttClient := mqtt.NewClient(cfg.MQTTClientConfig(), logger.With("component", "mqtt"))
	if err := mqttClient.Connect(); err != nil {
		// The broker is optional; fix ingestion and publishing resume on reconnect
		logger.Warn("MQTT connect failed", "error", err)
	}

	var geoCache *gps.GeolocationCache
	if cacheConfig := cfg.GeolocationCacheConfig(); cacheConfig != nil && cfg.Sources.GoogleAPIKey != "" {
		geoCache, err = gps.OpenGeolocationCache(cacheConfig, logger.With("component", "geocache"))
		if err != nil {
			// lookups still work uncached
			logger.Warn("Geolocation cache unavailable", "error", err, "path", cacheConfig.Path)
			geoCache = nil
		} else {
			defer geoCache.Close()
		}
	}

	positions, motion, err := buildSources(cfg, mqttClient, geoCache, logger)
	if err != nil {
		return err
	}

	var recorder *gps.Recorder
	if cfg.Sources.RecordPath != "" {
		store, err := gps.OpenTraceStore(cfg.Sources.RecordPath, logger.With("component", "trace"))
		if err != nil {
			return err
		}
		defer store.Close()

		traceID := uuid.NewString()
		if err := store.BeginSession(traceID, trackingMode, time.Now()); err != nil {
			return err
		}
		recorder = gps.NewRecorder(store, traceID, cfg.Sources.RecordQueueSize, logger.With("component", "recorder"))
		positions = recorder.WrapPosition(positions)
		if motion != nil {
			motion = recorder.WrapMotion(motion)
		}
		logger.Info("Recording raw inputs", "path", cfg.Sources.RecordPath, "trace_id", traceID)
	}

	tracker := estimator.NewTracker(cfg.TrackerConfig(), positions, motion, logger.With("component", "estimator"),
		estimator.WithObserver(collector))

	apiServer := api.NewServer(tracker, cfg.APIServerConfig(), logger.With("component", "api"))
	if err := apiServer.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := tracker.Start(ctx, trackingMode)
	if err != nil {
		return fmt.Errorf("failed to start tracking: %w", err)
	}

	published := make(chan struct{})
	go func() {
		defer close(published)
		for loc := range out {
			apiServer.Publish(loc)
			if err := mqttClient.PublishLocation(loc); err != nil {
				collector.PublishFailed("mqtt")
				logger.Debug("Location publish failed", "error", err)
			}
		}
	}()

	statusTicker := time.NewTicker(time.Duration(cfg.Sources.StatusIntervalS) * time.Second)
	defer statusTicker.Stop()

wait:
	for {
		select {
		case <-ctx.Done():
			logger.Info("Received shutdown signal")
			break wait
		case <-published:
			// Session ended on its own, typically permission loss
			break wait
		case <-statusTicker.C:
			if err := mqttClient.PublishStatus(tracker.Stats()); err != nil {
				collector.PublishFailed("mqtt_status")
				logger.Debug("Status publish failed", "error", err)
			}
		}
	}

	// Loop and producers first, then the outputs they feed
	tracker.Stop()
	<-published
	sessionErr := tracker.Err()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := mqttClient.PublishStatus(tracker.Stats()); err != nil {
		logger.Debug("Final status publish failed", "error", err)
	}
	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Warn("API server shutdown failed", "error", err)
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown failed", "error", err)
	}
	if err := mqttClient.Disconnect(); err != nil {
		logger.Warn("MQTT disconnect failed", "error", err)
	}
	if recorder != nil {
		recorder.Close()
		logger.Info("Trace recording closed", "written", recorder.Written(), "dropped", recorder.Dropped())
	}

	stats := tracker.Stats()
	logger.Info("Precision location daemon stopped",
		"ticks", stats.Ticks, "distance_m", stats.DistanceMeters, "dropped_outputs", stats.DroppedOutputs)

	if sessionErr != nil && !errors.Is(sessionErr, context.Canceled) {
		return sessionErr
	}
	return nil
}

// buildSources assembles the configured position providers into one fan-in
// source and picks the motion source
func buildSources(cfg *uci.Config, client *mqtt.Client, geoCache *gps.GeolocationCache, logger *logx.Logger) (gps.PositionSource, sensors.MotionSource, error) {
	var sources []gps.PositionSource

	if dev := cfg.Sources.NMEADevice; dev != "" {
		if addr, ok := strings.CutPrefix(dev, "tcp://"); ok {
			conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to connect to NMEA feed %s: %v: %w", addr, err, pkg.ErrProviderUnavailable)
			}
			sources = append(sources, gps.NewNMEAReaderSource(conn, logger.With("component", "nmea")))
		} else {
			sources = append(sources, gps.NewNMEASource(&gps.NMEASourceConfig{Device: dev}, logger.With("component", "nmea")))
		}
	}

	if cfg.Sources.GoogleAPIKey != "" {
		scanner := gps.NewRouterScanner(cfg.Sources.WiFiDevice, logger.With("component", "radio"))
		geo, err := gps.NewGeolocationSource(cfg.GeolocationConfig(), scanner, logger.With("component", "geolocation"))
		if err != nil {
			return nil, nil, err
		}
		if geoCache != nil {
			geo.UseCache(geoCache)
		}
		sources = append(sources, geo)
	}

	if cfg.Sources.MQTTFixes {
		sources = append(sources, mqtt.NewFixSource(client, logger.With("component", "mqtt_fixes")))
	}

	if len(sources) == 0 {
		return nil, nil, fmt.Errorf("no position source configured: %w", pkg.ErrProviderUnavailable)
	}

	var motion sensors.MotionSource
	if cfg.Sources.MQTTMotion {
		motion = mqtt.NewMotionSource(client, cfg.SensorsConfig(), logger.With("component", "mqtt_motion"))
	}

	return gps.NewMultiSource(logger.With("component", "sources"), sources...), motion, nil
}

package gps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// NMEASourceConfig holds settings for a serial NMEA receiver
type NMEASourceConfig struct {
	Device string `json:"device"`
}

// NMEASource reads NMEA sentences from a GNSS receiver device and emits
// Satellite-class samples
type NMEASource struct {
	config *NMEASourceConfig
	logger *logx.Logger
	open   func(path string) (io.ReadCloser, error)
	now    func() time.Time
}

// NewNMEASource creates a source reading the configured device
func NewNMEASource(config *NMEASourceConfig, logger *logx.Logger) *NMEASource {
	return &NMEASource{
		config: config,
		logger: logger,
		open: func(path string) (io.ReadCloser, error) {
			return os.Open(path)
		},
		now: time.Now,
	}
}

// NewNMEAReaderSource creates a source over an already open reader, e.g. a
// TCP NMEA feed. The reader is closed when the stream is closed.
func NewNMEAReaderSource(r io.ReadCloser, logger *logx.Logger) *NMEASource {
	return &NMEASource{
		config: &NMEASourceConfig{Device: "reader"},
		logger: logger,
		open: func(string) (io.ReadCloser, error) {
			return r, nil
		},
		now: time.Now,
	}
}

// Name implements PositionSource
func (ns *NMEASource) Name() string {
	return providerNMEA
}

// SubscribePosition implements PositionSource
func (ns *NMEASource) SubscribePosition(ctx context.Context, mode pkg.TrackingMode) (PositionStream, error) {
	r, err := ns.open(ns.config.Device)
	if err != nil {
		return nil, classifyOpenError(ns.config.Device, err)
	}

	s, ctx := newStream(ctx, 16, r.Close)
	go ns.run(ctx, s, r, modeMinInterval(mode))

	ns.logger.Info("nmea_source_subscribed", "device", ns.config.Device, "mode", mode.String())
	return s, nil
}

func (ns *NMEASource) run(ctx context.Context, s *stream, r io.Reader, minInterval time.Duration) {
	defer s.finish()

	parser := NewNMEAParser()
	scanner := bufio.NewScanner(r)
	var lastEmit time.Time
	var badLines int

	for scanner.Scan() {
		sample, err := parser.Feed(scanner.Text(), ns.now())
		if err != nil {
			badLines++
			ns.logger.Debug("nmea_line_rejected", "error", err, "bad_lines", badLines)
			continue
		}
		if sample == nil {
			continue
		}
		if !lastEmit.IsZero() && sample.Timestamp.Sub(lastEmit) < minInterval {
			continue
		}
		lastEmit = sample.Timestamp
		if !s.send(ctx, PositionUpdate{Sample: sample}) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	s.send(ctx, PositionUpdate{Err: fmt.Errorf("nmea device %s: %v: %w", ns.config.Device, err, pkg.ErrProviderUnavailable)})
}

// modeMinInterval throttles satellite fixes to the mode's power budget
func modeMinInterval(mode pkg.TrackingMode) time.Duration {
	switch mode {
	case pkg.ModeBalanced:
		return time.Second
	case pkg.ModeLowPower:
		return 5 * time.Second
	default:
		return 0
	}
}

func classifyOpenError(device string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("open %s: %v: %w", device, err, pkg.ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("open %s: %v: %w", device, err, pkg.ErrProviderUnavailable)
	default:
		return fmt.Errorf("open %s: %w", device, err)
	}
}

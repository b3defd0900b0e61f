package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/estimator"
	"github.com/markus-lassfolk/precision-location/pkg/gps"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/uci"
)

var (
	tracePath  = flag.String("trace", "", "SQLite trace file written by precisiond -record")
	sessionID  = flag.String("session", "", "Trace session to replay (default: newest)")
	speed      = flag.Float64("speed", 1, "Playback speed multiplier")
	configPath = flag.String("config", "", "Optional UCI or YAML configuration for estimation settings")
	mode       = flag.String("mode", "", "Override tracking mode (default: mode recorded with the session)")
	list       = flag.Bool("list", false, "List recorded sessions and exit")
	logLevel   = flag.String("log-level", "warn", "Log level (trace|debug|info|warn|error)")
)

func main() {
	flag.Parse()
	logger := logx.NewLogger(*logLevel, "precision-replay")

	if *tracePath == "" {
		fmt.Fprintln(os.Stderr, "Error: -trace is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(logger); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(logger *logx.Logger) error {
	if _, err := os.Stat(*tracePath); err != nil {
		return fmt.Errorf("failed to open trace: %w", err)
	}
	store, err := gps.OpenTraceStore(*tracePath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.Sessions()
	if err != nil {
		return err
	}
	if *list {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SESSION\tMODE\tSTARTED\tPOSITIONS\tMOTION")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n", s.ID, s.Mode, s.StartedAt.UTC().Format(time.RFC3339), s.Positions, s.Motions)
		}
		return w.Flush()
	}

	session, err := pickSession(sessions, *sessionID)
	if err != nil {
		return err
	}

	trackingMode, err := pkg.ParseTrackingMode(session.Mode)
	if err != nil {
		trackingMode = pkg.ModeHighAccuracy
	}
	if *mode != "" {
		if trackingMode, err = pkg.ParseTrackingMode(*mode); err != nil {
			return err
		}
	}

	cfg := uci.DefaultConfig()
	if *configPath != "" {
		if cfg, err = uci.LoadConfig(*configPath); err != nil {
			return err
		}
	}

	replay, err := gps.NewReplay(store, session.ID, *speed, logger)
	if err != nil {
		return err
	}
	logger.Info("Replaying trace", "session", session.ID, "mode", trackingMode.String(), "duration", replay.Duration().String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := estimator.NewTracker(cfg.TrackerConfig(), replay, replay, logger)
	out, err := tracker.Start(ctx, trackingMode)
	if err != nil {
		return err
	}

	// The replay's position stream ends with the trace; stop shortly after so
	// the tail of the session is still dead-reckoned
	timer := time.AfterFunc(replay.Duration()+time.Second, tracker.Stop)
	defer timer.Stop()

	enc := json.NewEncoder(os.Stdout)
	for loc := range out {
		if err := enc.Encode(loc); err != nil {
			tracker.Stop()
			return fmt.Errorf("failed to write estimate: %w", err)
		}
	}

	stats := tracker.Stats()
	logger.Info("Replay finished", "ticks", stats.Ticks, "tracking", stats.EmittedTracking,
		"reckoned", stats.EmittedReckoned, "stale", stats.EmittedStale, "distance_m", stats.DistanceMeters)
	return tracker.Err()
}

func pickSession(sessions []gps.TraceSession, id string) (gps.TraceSession, error) {
	if len(sessions) == 0 {
		return gps.TraceSession{}, fmt.Errorf("trace contains no sessions")
	}
	if id == "" {
		return sessions[0], nil
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return gps.TraceSession{}, fmt.Errorf("session %q not found", id)
}

package gps

import (
	"context"
	"fmt"
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
)

const providerReplay = "replay"

// Replay plays back a recorded session as both a PositionSource and a
// MotionSource. Inter-arrival gaps are divided by Speed and every sample is
// re-stamped with the wall-clock time of its delivery.
type Replay struct {
	positions []pkg.PositionSample
	motion    []pkg.MotionSample
	speed     float64
	logger    *logx.Logger
	now       func() time.Time
}

// NewReplay loads a session from store. A speed <= 0 is treated as 1.
func NewReplay(store *TraceStore, sessionID string, speed float64, logger *logx.Logger) (*Replay, error) {
	positions, err := store.LoadPositions(sessionID)
	if err != nil {
		return nil, err
	}
	motion, err := store.LoadMotion(sessionID)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 && len(motion) == 0 {
		return nil, fmt.Errorf("trace session %q is empty", sessionID)
	}
	return NewReplayFromSamples(positions, motion, speed, logger), nil
}

// NewReplayFromSamples creates a replay over in-memory samples
func NewReplayFromSamples(positions []pkg.PositionSample, motion []pkg.MotionSample, speed float64, logger *logx.Logger) *Replay {
	if speed <= 0 {
		speed = 1
	}
	return &Replay{
		positions: positions,
		motion:    motion,
		speed:     speed,
		logger:    logger,
		now:       time.Now,
	}
}

// Duration returns the wall-clock length of the replay at its speed
func (r *Replay) Duration() time.Duration {
	var first, last time.Time
	for _, s := range r.positions {
		first, last = widen(first, last, s.Timestamp)
	}
	for _, m := range r.motion {
		first, last = widen(first, last, m.Timestamp)
	}
	return time.Duration(float64(last.Sub(first)) / r.speed)
}

func widen(first, last, ts time.Time) (time.Time, time.Time) {
	if first.IsZero() || ts.Before(first) {
		first = ts
	}
	if ts.After(last) {
		last = ts
	}
	return first, last
}

// Name implements PositionSource
func (r *Replay) Name() string {
	return providerReplay
}

// SubscribePosition implements PositionSource. The mode does not change
// the recorded cadence.
func (r *Replay) SubscribePosition(ctx context.Context, _ pkg.TrackingMode) (PositionStream, error) {
	s, ctx := newStream(ctx, 16, nil)
	go func() {
		defer s.finish()
		var prev time.Time
		for i := range r.positions {
			sample := r.positions[i]
			if !r.wait(ctx, prev, sample.Timestamp) {
				return
			}
			prev = sample.Timestamp
			sample.Timestamp = r.now()
			if !s.send(ctx, PositionUpdate{Sample: &sample}) {
				return
			}
		}
		r.logger.Info("replay_positions_finished", "count", len(r.positions))
	}()
	return s, nil
}

// SubscribeMotion implements sensors.MotionSource
func (r *Replay) SubscribeMotion(ctx context.Context) (sensors.MotionStream, error) {
	events := make(chan pkg.MotionSample)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(events)
		var prev time.Time
		for _, m := range r.motion {
			if !r.wait(ctx, prev, m.Timestamp) {
				return
			}
			prev = m.Timestamp
			m.Timestamp = r.now()
			select {
			case events <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return &replayMotionStream{updates: events, cancel: cancel}, nil
}

// wait sleeps for the scaled gap between prev and next
func (r *Replay) wait(ctx context.Context, prev, next time.Time) bool {
	if prev.IsZero() || !next.After(prev) {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(time.Duration(float64(next.Sub(prev)) / r.speed))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type replayMotionStream struct {
	updates chan pkg.MotionSample
	cancel  context.CancelFunc
}

func (s *replayMotionStream) Updates() <-chan pkg.MotionSample {
	return s.updates
}

func (s *replayMotionStream) Close() error {
	s.cancel()
	// drain so the producer observes cancellation and closes the channel
	for range s.updates {
	}
	return nil
}

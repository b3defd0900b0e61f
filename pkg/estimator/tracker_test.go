package estimator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/deadreckon"
	"github.com/markus-lassfolk/precision-location/pkg/fusion"
	"github.com/markus-lassfolk/precision-location/pkg/gps"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
)

// fakePositions delivers scripted updates, then optionally a steady
// stream of satellite fixes, and counts every delivery
type fakePositions struct {
	updates  []gps.PositionUpdate
	interval time.Duration
	err      error

	delivered atomic.Int64
	closed    atomic.Int64
}

type fakePositionStream struct {
	ch     chan gps.PositionUpdate
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	src    *fakePositions
}

func (s *fakePositionStream) Updates() <-chan gps.PositionUpdate { return s.ch }

func (s *fakePositionStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.src.closed.Add(1)
	})
	return nil
}

func (f *fakePositions) Name() string { return "fake" }

func (f *fakePositions) SubscribePosition(ctx context.Context, _ pkg.TrackingMode) (gps.PositionStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &fakePositionStream{ch: make(chan gps.PositionUpdate), cancel: cancel, done: make(chan struct{}), src: f}
	go func() {
		defer close(st.done)
		defer close(st.ch)
		for _, u := range f.updates {
			select {
			case st.ch <- u:
				f.delivered.Add(1)
			case <-ctx.Done():
				return
			}
		}
		if f.interval <= 0 {
			<-ctx.Done()
			return
		}
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		lat := 12.9716
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				lat += 1e-6
				s := &pkg.PositionSample{Latitude: lat, Longitude: 77.5946, HorizontalAccuracy: 4, Timestamp: now, Source: pkg.SourceSatellite}
				select {
				case st.ch <- gps.PositionUpdate{Sample: s}:
					f.delivered.Add(1)
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return st, nil
}

// fakeMotion streams a constant motion sample until closed
type fakeMotion struct {
	err       error
	delivered atomic.Int64
	closed    atomic.Int64
}

type fakeMotionStream struct {
	ch     chan pkg.MotionSample
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	src    *fakeMotion
}

func (s *fakeMotionStream) Updates() <-chan pkg.MotionSample { return s.ch }

func (s *fakeMotionStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		s.src.closed.Add(1)
	})
	return nil
}

func (f *fakeMotion) SubscribeMotion(ctx context.Context) (sensors.MotionStream, error) {
	if f.err != nil {
		return nil, f.err
	}
	ctx, cancel := context.WithCancel(ctx)
	st := &fakeMotionStream{ch: make(chan pkg.MotionSample), cancel: cancel, done: make(chan struct{}), src: f}
	go func() {
		defer close(st.done)
		defer close(st.ch)
		for {
			m := pkg.MotionSample{LinearAcceleration: pkg.Vec3{Y: 0.5}, OrientationValid: true, Timestamp: time.Now()}
			select {
			case st.ch <- m:
				f.delivered.Add(1)
			case <-ctx.Done():
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()
	return st, nil
}

type countingObserver struct {
	mu        sync.Mutex
	accepted  int
	rejected  int
	estimates []deadreckon.State
	gaps      int
	resets    int
	dropped   int
}

func (o *countingObserver) ObserveSample(_ pkg.Source, reason fusion.RejectReason) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if reason == fusion.Accepted {
		o.accepted++
	} else {
		o.rejected++
	}
}

func (o *countingObserver) ObserveEstimate(state deadreckon.State, _ fusion.Method, _ *pkg.PrecisionLocation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.estimates = append(o.estimates, state)
}

func (o *countingObserver) ObserveDroppedOutput() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *countingObserver) ObserveGapEntered() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.gaps++
}

func (o *countingObserver) ObserveFilterReset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resets++
}

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func tick(i int) time.Time {
	return t0.Add(time.Duration(i) * 100 * time.Millisecond)
}

func satellite(lat, lon float64, acc float32, ts time.Time) gps.PositionUpdate {
	return gps.PositionUpdate{Sample: &pkg.PositionSample{
		Latitude: lat, Longitude: lon, HorizontalAccuracy: acc, Timestamp: ts, Source: pkg.SourceSatellite,
	}}
}

// testClock is a settable clock for stepped tests
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(ts time.Time) {
	c.mu.Lock()
	c.now = ts
	c.mu.Unlock()
}

func newClockedTracker(t *testing.T, opts ...Option) (*Tracker, *testClock) {
	t.Helper()
	clock := &testClock{now: t0}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewTracker(nil, &fakePositions{}, nil, logx.Discard(), opts...), clock
}

func newSteppedTracker(t *testing.T, opts ...Option) *Tracker {
	t.Helper()
	tr, _ := newClockedTracker(t, opts...)
	return tr
}

func TestScenarioSingleGoodFixIsEmittedExactly(t *testing.T) {
	tr := newSteppedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))

	loc := tr.step(tick(1))
	require.NotNil(t, loc)
	assert.Equal(t, 12.9716, loc.Latitude)
	assert.Equal(t, 77.5946, loc.Longitude)
	assert.Equal(t, 4.0, loc.Accuracy)
	assert.False(t, loc.IsInterpolated)
	assert.Equal(t, "satellite", loc.Source)
	assert.Equal(t, t0, loc.FixTime)
	assert.Equal(t, tick(1), loc.Timestamp)
	assert.NotEmpty(t, loc.SessionID)
	assert.InDelta(t, 1.0, loc.Confidence, 1e-6)
}

func TestScenarioOutageDeadReckonsNorth(t *testing.T) {
	tr := newSteppedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))
	tr.snapshot.Store(pkg.MotionSample{
		LinearAcceleration: pkg.Vec3{Y: 1},
		OrientationValid:   true,
		Timestamp:          t0,
	})

	var reckoned []*pkg.PrecisionLocation
	for i := 1; i <= 121; i++ {
		loc := tr.step(tick(i))
		require.NotNil(t, loc, "tick %d", i)
		if loc.IsInterpolated {
			reckoned = append(reckoned, loc)
		} else {
			assert.Empty(t, reckoned, "tracking output after the gap began at tick %d", i)
		}
	}

	// the first fix was seen at tick 1, so the gap opens once 10s have passed since then
	require.Len(t, reckoned, 20)
	prevLat := 12.9716
	prevConf := float32(1.1)
	for _, loc := range reckoned {
		assert.Greater(t, loc.Latitude, prevLat)
		assert.InDelta(t, 77.5946, loc.Longitude, 1e-9)
		assert.Less(t, loc.Confidence, prevConf)
		assert.GreaterOrEqual(t, loc.Confidence, float32(0))
		assert.Equal(t, deadreckon.SourceDeadReckoning, loc.Source)
		prevLat, prevConf = loc.Latitude, loc.Confidence
	}
	assert.Equal(t, 1, tr.Stats().GapEntries)
	assert.Equal(t, uint64(20), tr.Stats().EmittedReckoned)
}

func TestScenarioNoFusedProviderPicksSatellite(t *testing.T) {
	tr := newSteppedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 30, t0)))
	require.NoError(t, tr.ingest(gps.PositionUpdate{Sample: &pkg.PositionSample{
		Latitude: 12.9800, Longitude: 77.6000, HorizontalAccuracy: 40, Timestamp: t0, Source: pkg.SourceNetwork,
	}}))

	loc := tr.step(tick(1))
	require.NotNil(t, loc)
	assert.Equal(t, 12.9716, loc.Latitude)
	assert.Equal(t, 77.5946, loc.Longitude)
	assert.Equal(t, "satellite", loc.Source)
}

func TestOutageTransitionsAndResume(t *testing.T) {
	obs := &countingObserver{}
	tr, clock := newClockedTracker(t, WithObserver(obs))
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))

	for i := 1; i <= 101; i++ {
		tr.step(tick(i))
	}
	assert.Equal(t, deadreckon.StateTracking.String(), tr.Stats().State)

	loc := tr.step(tick(102))
	require.NotNil(t, loc)
	assert.True(t, loc.IsInterpolated)
	assert.Equal(t, deadreckon.StateGap.String(), tr.Stats().State)

	// any satellite sample ends the gap, however poor
	clock.Set(tick(102))
	require.NoError(t, tr.ingest(satellite(12.9717, 77.5946, 80, tick(102))))
	loc = tr.step(tick(103))
	require.NotNil(t, loc)
	assert.False(t, loc.IsInterpolated)
	assert.Equal(t, deadreckon.StateTracking.String(), tr.Stats().State)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Equal(t, 1, obs.gaps)
	assert.Equal(t, 2, obs.accepted)
	assert.Len(t, obs.estimates, 103)
}

func TestLongOutageResetsFilterThenGoesStale(t *testing.T) {
	tr, clock := newClockedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))

	var last *pkg.PrecisionLocation
	for i := 1; i <= 710; i++ {
		last = tr.step(tick(i))
	}
	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.FilterResets)
	assert.Greater(t, stats.EmittedStale, uint64(0))

	require.NotNil(t, last)
	assert.False(t, last.IsInterpolated)
	assert.InDelta(t, 0.01, last.Confidence, 1e-6)
	assert.InDelta(t, 12.9716, last.Latitude, 1e-9)

	// after a reset the next fix is taken as is
	clock.Set(tick(710))
	require.NoError(t, tr.ingest(satellite(12.9800, 77.6000, 4, tick(710))))
	loc := tr.step(tick(711))
	require.NotNil(t, loc)
	assert.Equal(t, 12.98, loc.Latitude)
	assert.Equal(t, 77.6, loc.Longitude)
}

func TestProviderUnavailableEntersGapImmediately(t *testing.T) {
	tr := newSteppedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))
	tr.step(tick(1))

	err := tr.ingest(gps.PositionUpdate{Err: fmt.Errorf("location disabled: %w", pkg.ErrProviderUnavailable)})
	require.NoError(t, err)

	loc := tr.step(tick(2))
	require.NotNil(t, loc)
	assert.True(t, loc.IsInterpolated)
}

func TestIngestPermissionDenied(t *testing.T) {
	tr := newSteppedTracker(t)
	err := tr.ingest(gps.PositionUpdate{Err: fmt.Errorf("revoked: %w", pkg.ErrPermissionDenied)})
	assert.True(t, errors.Is(err, pkg.ErrPermissionDenied))
}

func TestRejectedSamplesAreCounted(t *testing.T) {
	tr := newSteppedTracker(t)

	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, tick(5))))
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, tick(4))))
	require.NoError(t, tr.ingest(satellite(91, 77.5946, 4, tick(6))))

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.SamplesAccepted["satellite"])
	assert.Equal(t, uint64(1), stats.SamplesRejected[string(fusion.RejectOutOfOrder)])
	assert.Equal(t, uint64(1), stats.SamplesRejected[string(fusion.RejectMalformed)])
}

func TestFutureStampedFixDoesNotBlockLaterFixes(t *testing.T) {
	tr, clock := newClockedTracker(t)

	// one fix from a receiver whose clock runs an hour ahead
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0.Add(time.Hour))))

	for i := 1; i <= 200; i++ {
		now := tick(i)
		clock.Set(now)
		if i%10 == 0 {
			require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, now)))
		}
		tr.step(now)
	}

	stats := tr.Stats()
	assert.Equal(t, uint64(1), stats.SamplesRejected[string(fusion.RejectFuture)])
	assert.Zero(t, stats.SamplesRejected[string(fusion.RejectOutOfOrder)])
	assert.Equal(t, uint64(20), stats.SamplesAccepted["satellite"])
	assert.Equal(t, deadreckon.StateTracking.String(), stats.State)
	assert.Zero(t, stats.GapEntries)
	assert.Zero(t, stats.EmittedReckoned)
}

func TestRefusedStepDuringGapEmitsStaleFix(t *testing.T) {
	tr := newSteppedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))
	require.NotNil(t, tr.step(tick(1)))

	// the next tick arrives 10.4 s late, opening the gap with a step the
	// reckoner refuses
	loc := tr.step(tick(105))
	require.NotNil(t, loc)
	assert.Equal(t, deadreckon.StateGap.String(), tr.Stats().State)
	assert.False(t, loc.IsInterpolated)
	assert.InDelta(t, 12.9716, loc.Latitude, 1e-9)
	assert.LessOrEqual(t, loc.Confidence, float32(0.01))

	next := tr.step(tick(106))
	require.NotNil(t, next)
	assert.True(t, next.IsInterpolated)
	assert.Less(t, next.Confidence, loc.Confidence)

	// an 11 s jump inside the gap
	jump := tr.step(tick(216))
	require.NotNil(t, jump)
	assert.False(t, jump.IsInterpolated)
	assert.Less(t, jump.Confidence, next.Confidence)
	assert.Greater(t, jump.Confidence, float32(0))

	after := tr.step(tick(217))
	require.NotNil(t, after)
	assert.True(t, after.IsInterpolated)
	assert.Less(t, after.Confidence, jump.Confidence)
}

func TestRepeatedObservationIsAbsorbedOnce(t *testing.T) {
	tr, clock := newClockedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 30, t0)))
	tr.step(tick(1))
	before := tr.kalman.Diagonal()

	// only a lower ranked source updates; the satellite fix is still chosen
	clock.Set(tick(2))
	require.NoError(t, tr.ingest(gps.PositionUpdate{Sample: &pkg.PositionSample{
		Latitude: 12.9800, Longitude: 77.6000, HorizontalAccuracy: 500, Timestamp: tick(2), Source: pkg.SourceNetwork,
	}}))
	loc := tr.step(tick(2))
	require.NotNil(t, loc)
	assert.Equal(t, "satellite", loc.Source)

	// predict inflates the position variance; a second update would shrink it
	after := tr.kalman.Diagonal()
	assert.Greater(t, after[0], before[0])
	assert.Equal(t, t0, tr.kalman.LastUpdate())
}

func TestEmptyBufferEmitsNothingBeforeFirstFix(t *testing.T) {
	tr := newSteppedTracker(t)
	for i := 1; i <= 5; i++ {
		assert.Nil(t, tr.step(tick(i)))
	}
}

func TestTimestampsStrictlyIncrease(t *testing.T) {
	tr := newSteppedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))

	a := tr.step(tick(1))
	b := tr.step(tick(1))
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.True(t, b.Timestamp.After(a.Timestamp))
}

func TestOdometerAccumulatesDistance(t *testing.T) {
	tr := newSteppedTracker(t)
	require.NoError(t, tr.ingest(satellite(12.9716, 77.5946, 4, t0)))
	tr.step(tick(1))
	tr.kalman.Reset()
	// roughly 111 m north
	require.NoError(t, tr.ingest(satellite(12.9726, 77.5946, 4, tick(2))))
	tr.step(tick(3))

	assert.InDelta(t, 111, tr.Stats().DistanceMeters, 2)
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	return cfg
}

func TestStartStopTeardown(t *testing.T) {
	positions := &fakePositions{interval: 2 * time.Millisecond}
	motion := &fakeMotion{}
	tr := NewTracker(testConfig(), positions, motion, logx.Discard())

	out, err := tr.Start(context.Background(), pkg.ModeHighAccuracy)
	require.NoError(t, err)
	assert.True(t, tr.Running())

	var got []pkg.PrecisionLocation
	for len(got) < 5 {
		select {
		case loc := <-out:
			got = append(got, loc)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d estimates", len(got))
		}
	}
	for i := 1; i < len(got); i++ {
		assert.True(t, got[i].Timestamp.After(got[i-1].Timestamp))
		assert.Equal(t, got[0].SessionID, got[i].SessionID)
	}

	tr.Stop()
	assert.False(t, tr.Running())
	assert.Equal(t, int64(1), positions.closed.Load())
	assert.Equal(t, int64(1), motion.closed.Load())

	posCount, motionCount := positions.delivered.Load(), motion.delivered.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, posCount, positions.delivered.Load(), "position callbacks after stop")
	assert.Equal(t, motionCount, motion.delivered.Load(), "motion callbacks after stop")

	for range out {
	}
	assert.Equal(t, 0, tr.buffer.Len())
	_, ok := tr.snapshot.Load()
	assert.False(t, ok)
	assert.NoError(t, tr.Err())

	// stopping twice is harmless
	tr.Stop()
}

func TestStartWhileRunning(t *testing.T) {
	tr := NewTracker(testConfig(), &fakePositions{}, nil, logx.Discard())

	_, err := tr.Start(context.Background(), pkg.ModeBalanced)
	require.NoError(t, err)
	first := tr.Stats().SessionID

	_, err = tr.Start(context.Background(), pkg.ModeBalanced)
	assert.ErrorIs(t, err, pkg.ErrSessionActive)

	tr.Stop()
	_, err = tr.Start(context.Background(), pkg.ModeBalanced)
	require.NoError(t, err)
	assert.NotEqual(t, first, tr.Stats().SessionID)
	tr.Stop()
}

func TestStartPermissionDenied(t *testing.T) {
	positions := &fakePositions{err: fmt.Errorf("no access: %w", pkg.ErrPermissionDenied)}
	tr := NewTracker(testConfig(), positions, nil, logx.Discard())

	out, err := tr.Start(context.Background(), pkg.ModeHighAccuracy)
	assert.Nil(t, out)
	assert.ErrorIs(t, err, pkg.ErrPermissionDenied)
	assert.False(t, tr.Running())
}

func TestStartMotionPermissionDenied(t *testing.T) {
	positions := &fakePositions{}
	motion := &fakeMotion{err: fmt.Errorf("sensors: %w", pkg.ErrPermissionDenied)}
	tr := NewTracker(testConfig(), positions, motion, logx.Discard())

	_, err := tr.Start(context.Background(), pkg.ModeHighAccuracy)
	assert.ErrorIs(t, err, pkg.ErrPermissionDenied)
	assert.Equal(t, int64(1), positions.closed.Load())
}

func TestStartWithoutMotionSensors(t *testing.T) {
	positions := &fakePositions{interval: 2 * time.Millisecond}
	motion := &fakeMotion{err: fmt.Errorf("no sensors: %w", pkg.ErrProviderUnavailable)}
	tr := NewTracker(testConfig(), positions, motion, logx.Discard())

	out, err := tr.Start(context.Background(), pkg.ModeHighAccuracy)
	require.NoError(t, err)
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no estimate without motion sensors")
	}
	tr.Stop()
}

func TestPermissionLostEndsSession(t *testing.T) {
	positions := &fakePositions{updates: []gps.PositionUpdate{
		satellite(12.9716, 77.5946, 4, time.Now()),
		{Err: fmt.Errorf("revoked: %w", pkg.ErrPermissionDenied)},
	}}
	tr := NewTracker(testConfig(), positions, nil, logx.Discard())

	out, err := tr.Start(context.Background(), pkg.ModeHighAccuracy)
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		for range out {
		}
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not end on permission loss")
	}
	assert.ErrorIs(t, tr.Err(), pkg.ErrPermissionDenied)
	require.Eventually(t, func() bool { return !tr.Running() }, time.Second, 5*time.Millisecond)
}

func TestSlowConsumerDropsOutputs(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = time.Millisecond
	cfg.OutputBuffer = 1
	obs := &countingObserver{}
	positions := &fakePositions{interval: time.Millisecond}
	tr := NewTracker(cfg, positions, nil, logx.Discard(), WithObserver(obs))

	_, err := tr.Start(context.Background(), pkg.ModeHighAccuracy)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.Stats().DroppedOutputs > 0 }, 2*time.Second, 5*time.Millisecond)
	tr.Stop()

	obs.mu.Lock()
	defer obs.mu.Unlock()
	assert.Greater(t, obs.dropped, 0)
}

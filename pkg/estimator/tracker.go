package estimator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/deadreckon"
	"github.com/markus-lassfolk/precision-location/pkg/filter"
	"github.com/markus-lassfolk/precision-location/pkg/fusion"
	"github.com/markus-lassfolk/precision-location/pkg/gps"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
)

// Config holds tracking session settings and the configuration of every
// component the session owns. Nil sections fall back to their defaults.
type Config struct {
	TickInterval time.Duration `json:"tick_interval"`
	// Tracking results at or above this confidence become last-known-good
	MinUsableConfidence float32 `json:"min_usable_confidence"`
	// A gap longer than this re-diffuses the filter
	MaxGap time.Duration `json:"max_gap"`
	// Capacity of the output channel
	OutputBuffer int `json:"output_buffer"`

	Buffer        *fusion.BufferConfig     `json:"buffer"`
	Engine        *fusion.EngineConfig     `json:"engine"`
	Filter        *filter.Config           `json:"filter"`
	Outage        *deadreckon.OutageConfig `json:"outage"`
	DeadReckoning *deadreckon.Config       `json:"dead_reckoning"`
}

// DefaultConfig returns the default tracking configuration
func DefaultConfig() *Config {
	return &Config{
		TickInterval:        100 * time.Millisecond,
		MinUsableConfidence: 0.3,
		MaxGap:              30 * time.Second,
		OutputBuffer:        64,
		Buffer:              fusion.DefaultBufferConfig(),
		Engine:              fusion.DefaultEngineConfig(),
		Filter:              filter.DefaultConfig(),
		Outage:              deadreckon.DefaultOutageConfig(),
		DeadReckoning:       deadreckon.DefaultConfig(),
	}
}

func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.TickInterval <= 0 {
		out.TickInterval = d.TickInterval
	}
	if out.MinUsableConfidence <= 0 {
		out.MinUsableConfidence = d.MinUsableConfidence
	}
	if out.MaxGap <= 0 {
		out.MaxGap = d.MaxGap
	}
	if out.OutputBuffer <= 0 {
		out.OutputBuffer = d.OutputBuffer
	}
	if out.Buffer == nil {
		out.Buffer = d.Buffer
	}
	if out.Engine == nil {
		out.Engine = d.Engine
	}
	if out.Filter == nil {
		out.Filter = d.Filter
	}
	if out.Outage == nil {
		out.Outage = d.Outage
	}
	if out.DeadReckoning == nil {
		out.DeadReckoning = d.DeadReckoning
	}
	return &out
}

// Observer receives session events, typically a metrics collector.
// ObserveSample is called from producer goroutines.
type Observer interface {
	ObserveSample(src pkg.Source, reason fusion.RejectReason)
	ObserveEstimate(state deadreckon.State, method fusion.Method, loc *pkg.PrecisionLocation)
	ObserveDroppedOutput()
	ObserveGapEntered()
	ObserveFilterReset()
}

// Option customises a Tracker
type Option func(*Tracker)

// WithClock replaces the wall clock used to stamp ticks
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithObserver registers an observer for session events
func WithObserver(o Observer) Option {
	return func(t *Tracker) {
		if o != nil {
			t.observers = append(t.observers, o)
		}
	}
}

// Tracker runs one tracking session at a time: producers feed the sample
// buffer and motion snapshot, and a single fixed-rate loop fuses, filters
// and dead-reckons onto the output channel.
type Tracker struct {
	config    *Config
	positions gps.PositionSource
	motion    sensors.MotionSource
	logger    *logx.Logger
	now       func() time.Time
	observers []Observer

	buffer   *fusion.Buffer
	scorer   *fusion.Scorer
	engine   *fusion.Engine
	kalman   *filter.Kalman
	reckoner *deadreckon.Estimator
	snapshot *sensors.Snapshot

	// session lifecycle
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	err     error

	unavailable atomic.Bool

	stats   Stats
	statsMu sync.RWMutex

	// loop-owned state
	outage        *deadreckon.OutageDetector
	sessionID     string
	lastTick      time.Time
	lastEmit      time.Time
	lastSatellite time.Time
	confidence    float32
	base          *pkg.ScoredSample
	lastKnownGood *pkg.ScoredSample
	lastGood      *pkg.PrecisionLocation
	reckoned      *pkg.PrecisionLocation
	previous      *pkg.PrecisionLocation
}

// Stats summarises the current or most recent session
type Stats struct {
	SessionID       string                 `json:"session_id"`
	Mode            string                 `json:"mode"`
	State           string                 `json:"state"`
	Running         bool                   `json:"running"`
	StartedAt       time.Time              `json:"started_at"`
	Ticks           uint64                 `json:"ticks"`
	SamplesAccepted map[string]uint64      `json:"samples_accepted"`
	SamplesRejected map[string]uint64      `json:"samples_rejected"`
	MotionUpdates   uint64                 `json:"motion_updates"`
	EmittedTracking uint64                 `json:"emitted_tracking"`
	EmittedReckoned uint64                 `json:"emitted_reckoned"`
	EmittedStale    uint64                 `json:"emitted_stale"`
	GapEntries      int                    `json:"gap_entries"`
	FilterResets    uint64                 `json:"filter_resets"`
	DroppedOutputs  uint64                 `json:"dropped_outputs"`
	DistanceMeters  float64                `json:"distance_meters"`
	Last            *pkg.PrecisionLocation `json:"last,omitempty"`
}

// NewTracker creates a tracker over a position source and an optional
// motion source
func NewTracker(config *Config, positions gps.PositionSource, motion sensors.MotionSource, logger *logx.Logger, opts ...Option) *Tracker {
	config = config.withDefaults()
	t := &Tracker{
		config:    config,
		positions: positions,
		motion:    motion,
		logger:    logger,
		now:       time.Now,
		buffer:    fusion.NewBuffer(config.Buffer),
		scorer:    fusion.NewScorer(),
		engine:    fusion.NewEngine(config.Engine, logger),
		kalman:    filter.NewKalman(config.Filter, logger),
		reckoner:  deadreckon.NewEstimator(config.DeadReckoning),
		snapshot:  sensors.NewSnapshot(),
		stats: Stats{
			SamplesAccepted: make(map[string]uint64),
			SamplesRejected: make(map[string]uint64),
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.resetSession(t.now())
	return t
}

// Start opens a session and returns its estimate stream. The channel is
// closed by Stop or when position or motion permission is lost; Err then
// reports the cause.
func (t *Tracker) Start(ctx context.Context, mode pkg.TrackingMode) (<-chan pkg.PrecisionLocation, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil, pkg.ErrSessionActive
	}

	ctx, cancel := context.WithCancel(ctx)
	posStream, err := t.positions.SubscribePosition(ctx, mode)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to subscribe to positions: %w", err)
	}

	var motionStream sensors.MotionStream
	if t.motion != nil {
		motionStream, err = t.motion.SubscribeMotion(ctx)
		if err != nil {
			if errors.Is(err, pkg.ErrPermissionDenied) {
				posStream.Close()
				cancel()
				return nil, fmt.Errorf("failed to subscribe to motion: %w", err)
			}
			t.logger.Warn("motion_unavailable", "error", err)
			motionStream = nil
		}
	}

	start := t.now()
	t.resetSession(start)
	t.err = nil
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	t.statsMu.Lock()
	t.stats = Stats{
		SessionID:       t.sessionID,
		Mode:            mode.String(),
		State:           deadreckon.StateTracking.String(),
		Running:         true,
		StartedAt:       start,
		SamplesAccepted: make(map[string]uint64),
		SamplesRejected: make(map[string]uint64),
	}
	t.statsMu.Unlock()

	out := make(chan pkg.PrecisionLocation, t.config.OutputBuffer)

	var producers sync.WaitGroup
	producers.Add(1)
	go func() {
		defer producers.Done()
		t.consumePositions(ctx, posStream)
	}()
	if motionStream != nil {
		producers.Add(1)
		go func() {
			defer producers.Done()
			t.consumeMotion(ctx, motionStream)
		}()
	}

	go t.run(ctx, out, posStream, motionStream, &producers, t.done)

	t.logger.Info("session_started", "session_id", t.sessionID, "mode", mode.String(),
		"position_source", t.positions.Name(), "motion", motionStream != nil)
	return out, nil
}

// Stop ends the session and waits for teardown. Nothing is delivered on
// the output channel once Stop returns.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Err returns the error that terminated the last session, if any
func (t *Tracker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Running reports whether a session is active
func (t *Tracker) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Stats returns a copy of the session statistics
func (t *Tracker) Stats() Stats {
	t.statsMu.RLock()
	defer t.statsMu.RUnlock()
	s := t.stats
	s.SamplesAccepted = copyCounts(t.stats.SamplesAccepted)
	s.SamplesRejected = copyCounts(t.stats.SamplesRejected)
	if t.stats.Last != nil {
		last := *t.stats.Last
		s.Last = &last
	}
	return s
}

func copyCounts(in map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// fail records a terminal error and ends the session
func (t *Tracker) fail(err error) {
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	}
	cancel := t.cancel
	t.mu.Unlock()
	t.logger.Error("session_failed", "session_id", t.sessionID, "error", err)
	if cancel != nil {
		cancel()
	}
}

// run drives the loop and performs teardown in order: loop, producers,
// then buffer and snapshot
func (t *Tracker) run(ctx context.Context, out chan pkg.PrecisionLocation, posStream gps.PositionStream,
	motionStream sensors.MotionStream, producers *sync.WaitGroup, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(t.config.TickInterval)
	t.loop(ctx, ticker.C, out)
	ticker.Stop()

	if err := posStream.Close(); err != nil {
		t.logger.Warn("position_stream_close_failed", "error", err)
	}
	if motionStream != nil {
		if err := motionStream.Close(); err != nil {
			t.logger.Warn("motion_stream_close_failed", "error", err)
		}
	}
	producers.Wait()

	t.buffer.Reset()
	t.snapshot.Reset()
	close(out)

	stats := t.Stats()
	t.statsMu.Lock()
	t.stats.Running = false
	t.statsMu.Unlock()

	t.mu.Lock()
	t.running = false
	t.cancel = nil
	t.mu.Unlock()

	t.logger.Info("session_stopped", "session_id", stats.SessionID, "ticks", stats.Ticks,
		"distance_meters", stats.DistanceMeters, "dropped_outputs", stats.DroppedOutputs)
}

func (t *Tracker) loop(ctx context.Context, ticks <-chan time.Time, out chan<- pkg.PrecisionLocation) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			loc := t.step(t.now())
			if loc == nil {
				continue
			}
			select {
			case <-ctx.Done():
				return
			case out <- *loc:
			default:
				t.statsMu.Lock()
				t.stats.DroppedOutputs++
				t.statsMu.Unlock()
				for _, o := range t.observers {
					o.ObserveDroppedOutput()
				}
			}
		}
	}
}

func (t *Tracker) consumePositions(ctx context.Context, stream gps.PositionStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-stream.Updates():
			if !ok {
				if ctx.Err() == nil {
					t.logger.Warn("position_stream_ended", "session_id", t.sessionID)
					t.unavailable.Store(true)
				}
				return
			}
			if err := t.ingest(u); err != nil {
				t.fail(err)
				return
			}
		}
	}
}

// ingest applies one position update. It returns an error only for
// permission loss.
func (t *Tracker) ingest(u gps.PositionUpdate) error {
	if u.Err != nil {
		if errors.Is(u.Err, pkg.ErrPermissionDenied) {
			return u.Err
		}
		t.logger.Warn("position_provider_unavailable", "error", u.Err)
		t.unavailable.Store(true)
		return nil
	}
	if u.Sample == nil {
		return nil
	}

	reason := t.buffer.Push(*u.Sample, t.now())
	if reason != fusion.Accepted {
		t.logger.Debug("sample_rejected", "source", u.Sample.Source.String(), "reason", string(reason))
	}

	t.statsMu.Lock()
	if reason == fusion.Accepted {
		t.stats.SamplesAccepted[u.Sample.Source.String()]++
	} else {
		t.stats.SamplesRejected[string(reason)]++
	}
	t.statsMu.Unlock()

	for _, o := range t.observers {
		o.ObserveSample(u.Sample.Source, reason)
	}
	return nil
}

func (t *Tracker) consumeMotion(ctx context.Context, stream sensors.MotionStream) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-stream.Updates():
			if !ok {
				t.logger.Info("motion_stream_ended", "session_id", t.sessionID)
				return
			}
			t.snapshot.Store(m)
		}
	}
}

// resetSession clears loop-owned state for a new session starting at start
func (t *Tracker) resetSession(start time.Time) {
	t.buffer.Reset()
	t.snapshot.Reset()
	t.kalman.Reset()
	t.unavailable.Store(false)
	t.outage = deadreckon.NewOutageDetector(t.config.Outage, t.logger, start)
	t.sessionID = uuid.NewString()
	t.lastTick = time.Time{}
	t.lastEmit = time.Time{}
	t.lastSatellite = time.Time{}
	t.confidence = 0
	t.base = nil
	t.lastKnownGood = nil
	t.lastGood = nil
	t.reckoned = nil
	t.previous = nil
}

// step runs one estimation tick at now and returns the estimate to emit,
// or nil when there is nothing to report
func (t *Tracker) step(now time.Time) *pkg.PrecisionLocation {
	dt := t.config.TickInterval
	if !t.lastTick.IsZero() {
		dt = now.Sub(t.lastTick)
	}
	t.lastTick = now

	t.buffer.Evict(now)

	if newest, ok := t.buffer.Newest(pkg.SourceSatellite); ok && newest.After(t.lastSatellite) {
		t.lastSatellite = newest
		t.outage.RecordFix(now)
	}
	if t.unavailable.Swap(false) {
		t.outage.MarkUnavailable(now)
	}

	entries := t.outage.GapEntries()
	state := t.outage.Evaluate(now)
	if t.outage.GapEntries() != entries {
		for _, o := range t.observers {
			o.ObserveGapEntered()
		}
	}

	var loc *pkg.PrecisionLocation
	method := fusion.MethodNone
	switch state {
	case deadreckon.StateTracking:
		t.reckoned = nil
		loc, method = t.track(now, dt)
	case deadreckon.StateGap:
		loc = t.reckon(now, dt)
	}

	t.statsMu.Lock()
	t.stats.Ticks++
	t.stats.State = state.String()
	t.stats.GapEntries = t.outage.GapEntries()
	t.stats.MotionUpdates = t.snapshot.Updates()
	t.statsMu.Unlock()

	if loc == nil {
		return nil
	}

	ts := now
	if !ts.After(t.lastEmit) {
		ts = t.lastEmit.Add(time.Nanosecond)
	}
	t.lastEmit = ts
	loc.Timestamp = ts
	loc.SessionID = t.sessionID
	t.record(state, method, loc)
	return loc
}

// track fuses the buffered samples and runs them through the filter
func (t *Tracker) track(now time.Time, dt time.Duration) (*pkg.PrecisionLocation, fusion.Method) {
	t.kalman.Predict(dt.Seconds())

	bySource := make(map[pkg.Source][]pkg.ScoredSample)
	for src, samples := range t.buffer.Recent(now, t.config.Buffer.Window) {
		if scored := t.scorer.ScoreAll(samples, now); len(scored) > 0 {
			bySource[src] = scored
		}
	}

	res := t.engine.Fuse(bySource, t.lastKnownGood)
	if res.Sample == nil {
		if !t.kalman.Initialized() || t.base == nil {
			return nil, res.Method
		}
		return t.fromFilter(t.base, t.confidence), res.Method
	}

	obs := res.Sample
	if res.Method == fusion.MethodFallback {
		// the fallback ages like any other sample
		obs.Confidence = t.scorer.Score(&obs.PositionSample, now)
	}

	// an observation is absorbed once; later ticks only predict
	if !t.kalman.Initialized() || obs.Timestamp.After(t.kalman.LastUpdate()) {
		t.confidence = t.kalman.Update(obs)
		t.logger.Debug("filter_updated", "method", string(res.Method), "source", obs.Source.String(),
			"accuracy", obs.HorizontalAccuracy, "confidence", obs.Confidence)
	} else {
		t.confidence = t.kalman.BoostConfidence(obs.Confidence)
	}
	t.base = obs

	loc := t.fromFilter(obs, t.confidence)
	if loc.Confidence >= t.config.MinUsableConfidence {
		if res.Method != fusion.MethodFallback {
			good := *obs
			t.lastKnownGood = &good
		}
		good := *loc
		t.lastGood = &good
	}
	return loc, res.Method
}

// fromFilter builds an estimate from the filter state, carrying metadata
// from base
func (t *Tracker) fromFilter(base *pkg.ScoredSample, confidence float32) *pkg.PrecisionLocation {
	est := t.kalman.Estimate()
	loc := &pkg.PrecisionLocation{
		Latitude:   est.Latitude,
		Longitude:  est.Longitude,
		Accuracy:   est.Accuracy,
		Speed:      float32(est.Speed),
		Bearing:    float32(est.Bearing),
		FixTime:    base.Timestamp,
		Confidence: confidence,
		Source:     base.Source.String(),
		Altitude:   base.Altitude,
		Satellites: base.Satellites,
		HDOP:       base.HDOP,
		VDOP:       base.VDOP,
	}
	if base.Speed != nil {
		loc.Speed = *base.Speed
	}
	if base.Bearing != nil {
		loc.Bearing = *base.Bearing
	}
	return loc
}

// reckon extrapolates from the last good estimate during a gap
func (t *Tracker) reckon(now time.Time, dt time.Duration) *pkg.PrecisionLocation {
	gap := t.outage.GapDuration(now)

	if gap > t.config.MaxGap && t.kalman.Initialized() {
		t.kalman.Reset()
		t.lastKnownGood = nil
		t.base = nil
		t.logger.Info("filter_reset", "session_id", t.sessionID, "gap", gap.String())
		t.statsMu.Lock()
		t.stats.FilterResets++
		t.statsMu.Unlock()
		for _, o := range t.observers {
			o.ObserveFilterReset()
		}
	}

	if t.reckoner.Exceeded(gap) {
		return t.reckoner.Stale(t.lastGood)
	}

	prior := t.reckoned
	if prior == nil {
		prior = t.lastGood
	}
	if prior != nil && !t.reckoner.StepAllowed(dt) {
		stale, chain := t.reckoner.Refuse(t.lastGood, prior)
		t.reckoned = chain
		t.logger.Debug("dead_reckoning_refused", "dt", dt.String(), "confidence", stale.Confidence)
		return stale
	}
	motion, _ := t.snapshot.Load()
	loc, err := t.reckoner.Estimate(prior, motion, dt)
	if err != nil {
		t.logger.Debug("dead_reckoning_skipped", "error", err)
		return nil
	}
	t.reckoned = loc
	out := *loc
	return &out
}

// record updates statistics and observers for an emitted estimate
func (t *Tracker) record(state deadreckon.State, method fusion.Method, loc *pkg.PrecisionLocation) {
	var step float64
	if t.previous != nil {
		step = geo.Distance(
			orb.Point{t.previous.Longitude, t.previous.Latitude},
			orb.Point{loc.Longitude, loc.Latitude},
		)
	}
	prev := *loc
	t.previous = &prev

	t.statsMu.Lock()
	switch {
	case loc.IsInterpolated:
		t.stats.EmittedReckoned++
	case state == deadreckon.StateGap:
		t.stats.EmittedStale++
	default:
		t.stats.EmittedTracking++
	}
	t.stats.DistanceMeters += step
	last := *loc
	t.stats.Last = &last
	t.statsMu.Unlock()

	for _, o := range t.observers {
		o.ObserveEstimate(state, method, loc)
	}
}

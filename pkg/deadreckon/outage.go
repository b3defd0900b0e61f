package deadreckon

import (
	"time"

	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// State is the outage detector mode
type State int

const (
	StateTracking State = iota
	StateGap
)

func (s State) String() string {
	if s == StateGap {
		return "gap"
	}
	return "tracking"
}

// OutageConfig holds outage detection settings
type OutageConfig struct {
	// No satellite fix for longer than this enters Gap
	GapTimeout time.Duration `json:"gap_timeout"`
}

// DefaultOutageConfig returns the default outage configuration
func DefaultOutageConfig() *OutageConfig {
	return &OutageConfig{GapTimeout: 10 * time.Second}
}

// OutageDetector is a timeout-based Tracking/Gap state machine driven by
// satellite fix arrivals. Not safe for concurrent use.
type OutageDetector struct {
	config *OutageConfig
	logger *logx.Logger

	state      State
	lastFix    time.Time
	gapStart   time.Time
	gapEntries int
}

// NewOutageDetector creates a detector in Tracking state. The timeout is
// measured from start until the first satellite fix arrives.
func NewOutageDetector(config *OutageConfig, logger *logx.Logger, start time.Time) *OutageDetector {
	if config == nil {
		config = DefaultOutageConfig()
	}
	return &OutageDetector{
		config:  config,
		logger:  logger,
		state:   StateTracking,
		lastFix: start,
	}
}

// RecordFix notes the arrival of a satellite sample. Any arrival returns the
// detector to Tracking regardless of the sample's accuracy.
func (d *OutageDetector) RecordFix(at time.Time) {
	if at.After(d.lastFix) {
		d.lastFix = at
	}
	if d.state == StateGap {
		gap := at.Sub(d.gapStart)
		d.transition(StateTracking, "satellite_fix", map[string]interface{}{
			"gap_s": gap.Seconds(),
		})
	}
}

// MarkUnavailable forces Gap until the next satellite fix, for providers
// reporting that positioning is disabled
func (d *OutageDetector) MarkUnavailable(at time.Time) {
	if d.state == StateTracking {
		d.gapStart = at
		d.transition(StateGap, "provider_unavailable", nil)
	}
}

// Evaluate applies the timeout at now and returns the current state
func (d *OutageDetector) Evaluate(now time.Time) State {
	if d.state == StateTracking && now.Sub(d.lastFix) > d.config.GapTimeout {
		d.gapStart = now
		d.transition(StateGap, "timeout", map[string]interface{}{
			"since_fix_s": now.Sub(d.lastFix).Seconds(),
		})
	}
	return d.state
}

// State returns the current state without evaluating the timeout
func (d *OutageDetector) State() State {
	return d.state
}

// GapDuration returns how long the current gap has lasted at now, or 0 while tracking
func (d *OutageDetector) GapDuration(now time.Time) time.Duration {
	if d.state != StateGap {
		return 0
	}
	return now.Sub(d.gapStart)
}

// LastFix returns the time of the last satellite fix
func (d *OutageDetector) LastFix() time.Time {
	return d.lastFix
}

// GapEntries returns how many times the detector entered Gap
func (d *OutageDetector) GapEntries() int {
	return d.gapEntries
}

func (d *OutageDetector) transition(to State, reason string, fields map[string]interface{}) {
	from := d.state
	d.state = to
	if to == StateGap {
		d.gapEntries++
	}
	if d.logger != nil {
		d.logger.LogStateChange("outage_detector", from.String(), to.String(), reason, fields)
	}
}

package deadreckon

import (
	"math"
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
)

const (
	metersPerDegree = 111111.0
	minCosLat       = 1e-6
	// below this speed the bearing is kept from the prior
	minHeadingSpeed = 0.1
)

// SourceDeadReckoning tags estimates produced by inertial extrapolation
const SourceDeadReckoning = "dead_reckoning"

// Config holds dead-reckoning settings
type Config struct {
	// Confidence multiplier applied per estimate
	Decay float32 `json:"decay"`
	// Steps with dt outside (0, MaxStep] are refused
	MaxStep time.Duration `json:"max_step"`
	// Gaps longer than this stop extrapolating entirely
	MaxDrift time.Duration `json:"max_drift"`
	// Confidence reported on the stale fix once MaxDrift is exceeded
	StaleConfidence float32 `json:"stale_confidence"`
	// Upper bound on the reported accuracy radius, in meters
	MaxAccuracy float64 `json:"max_accuracy"`
}

// DefaultConfig returns the default dead-reckoning configuration
func DefaultConfig() *Config {
	return &Config{
		Decay:           0.9,
		MaxStep:         10 * time.Second,
		MaxDrift:        60 * time.Second,
		StaleConfidence: 0.01,
		MaxAccuracy:     5000,
	}
}

// Estimator projects the last estimate forward from motion data.
// Stateless apart from its configuration.
type Estimator struct {
	config *Config
}

// NewEstimator creates a dead-reckoning estimator
func NewEstimator(config *Config) *Estimator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Estimator{config: config}
}

// Estimate integrates the motion snapshot over dt starting from prior.
// Without a prior it returns ErrNoPrior. A dt outside the sanity bound
// returns an unmodified copy of prior.
func (e *Estimator) Estimate(prior *pkg.PrecisionLocation, motion pkg.MotionSample, dt time.Duration) (*pkg.PrecisionLocation, error) {
	if prior == nil {
		return nil, pkg.ErrNoPrior
	}
	out := *prior
	if !e.StepAllowed(dt) {
		return &out, nil
	}
	secs := dt.Seconds()

	bearing := float64(prior.Bearing) * math.Pi / 180
	heading := bearing
	if motion.OrientationValid {
		heading = motion.Orientation.Z
	}
	accN, accE := ToNorthEast(motion.LinearAcceleration, heading)

	v0N := float64(prior.Speed) * math.Cos(bearing)
	v0E := float64(prior.Speed) * math.Sin(bearing)

	dN := v0N*secs + 0.5*accN*secs*secs
	dE := v0E*secs + 0.5*accE*secs*secs

	vN := v0N + accN*secs
	vE := v0E + accE*secs
	speed := math.Hypot(vN, vE)

	out.Latitude = prior.Latitude + dN/metersPerDegree
	out.Longitude = prior.Longitude + dE/(metersPerDegree*cosLat(prior.Latitude))
	out.Speed = float32(speed)
	if speed >= minHeadingSpeed {
		out.Bearing = float32(normalizeDegrees(math.Atan2(vE, vN) * 180 / math.Pi))
	}
	out.Confidence = prior.Confidence * e.config.Decay
	if out.Confidence < 0 {
		out.Confidence = 0
	}
	if e.config.Decay > 0 {
		out.Accuracy = prior.Accuracy / float64(e.config.Decay)
	}
	if e.config.MaxAccuracy > 0 && out.Accuracy > e.config.MaxAccuracy {
		out.Accuracy = e.config.MaxAccuracy
	}
	out.Timestamp = prior.Timestamp.Add(dt)
	out.IsInterpolated = true
	out.Source = SourceDeadReckoning
	out.Satellites = nil
	out.HDOP = nil
	out.VDOP = nil

	return &out, nil
}

// StepAllowed reports whether dt is inside the (0, MaxStep] sanity bound
func (e *Estimator) StepAllowed(dt time.Duration) bool {
	return dt > 0 && dt <= e.config.MaxStep
}

// Refuse handles a step that failed StepAllowed. It returns lastFix to emit
// and prior to chain later steps from, both at a confidence below
// StaleConfidence and below what prior would have decayed to, so confidence
// keeps falling across the refusal.
func (e *Estimator) Refuse(lastFix, prior *pkg.PrecisionLocation) (emit, chain *pkg.PrecisionLocation) {
	if prior == nil {
		return nil, nil
	}
	if lastFix == nil {
		lastFix = prior
	}
	conf := prior.Confidence * e.config.Decay
	if conf > e.config.StaleConfidence {
		conf = e.config.StaleConfidence
	}
	if conf < 0 {
		conf = 0
	}

	stale := *lastFix
	stale.Confidence = conf
	stale.IsInterpolated = false

	next := *prior
	next.Confidence = conf
	return &stale, &next
}

// Exceeded reports whether a gap of length gap is past the drift tolerance
func (e *Estimator) Exceeded(gap time.Duration) bool {
	return e.config.MaxDrift > 0 && gap > e.config.MaxDrift
}

// Stale returns lastFix with near-zero confidence, for gaps past the drift tolerance
func (e *Estimator) Stale(lastFix *pkg.PrecisionLocation) *pkg.PrecisionLocation {
	if lastFix == nil {
		return nil
	}
	out := *lastFix
	if out.Confidence > e.config.StaleConfidence {
		out.Confidence = e.config.StaleConfidence
	}
	out.IsInterpolated = false
	return &out
}

// ToNorthEast rotates a device-frame acceleration into north/east components
// using heading in radians clockwise from north. The device Y axis points
// forward and X to the right.
func ToNorthEast(a pkg.Vec3, heading float64) (north, east float64) {
	sin, cos := math.Sincos(heading)
	north = a.Y*cos - a.X*sin
	east = a.Y*sin + a.X*cos
	return north, east
}

func normalizeDegrees(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}

func cosLat(lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < minCosLat {
		return minCosLat
	}
	return c
}

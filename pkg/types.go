package pkg

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// Sentinel errors shared by sources and the tracking session
var (
	// ErrPermissionDenied is returned when the position or motion capability cannot be accessed
	ErrPermissionDenied = errors.New("permission denied")
	// ErrProviderUnavailable is reported when a provider is disabled or unreachable
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrSessionActive is returned by Start when a session is already running
	ErrSessionActive = errors.New("tracking session already active")
	// ErrNoPrior is returned when an estimate needs a previous state that does not exist
	ErrNoPrior = errors.New("no prior estimate")
)

// Source identifies the class of provider that produced a position sample
type Source int

const (
	SourceSatellite Source = iota
	SourceNetwork
	SourceFusedProvider
)

// Sources lists every source class in priority order (highest first)
var Sources = []Source{SourceSatellite, SourceFusedProvider, SourceNetwork}

func (s Source) String() string {
	switch s {
	case SourceSatellite:
		return "satellite"
	case SourceNetwork:
		return "network"
	case SourceFusedProvider:
		return "fused"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Priority ranks sources for tie-breaks; higher wins
func (s Source) Priority() int {
	switch s {
	case SourceSatellite:
		return 3
	case SourceFusedProvider:
		return 2
	case SourceNetwork:
		return 1
	default:
		return 0
	}
}

// MarshalText implements encoding.TextMarshaler
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Source) UnmarshalText(text []byte) error {
	parsed, err := ParseSource(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseSource parses a source name as written by String
func ParseSource(name string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "satellite", "gps", "gnss":
		return SourceSatellite, nil
	case "network", "cell", "wifi":
		return SourceNetwork, nil
	case "fused", "fused_provider", "fusedprovider":
		return SourceFusedProvider, nil
	}
	return 0, fmt.Errorf("unknown position source %q", name)
}

// TrackingMode selects provider cadence and the precision/power trade-off.
// It is chosen at session start and never mutated by the estimator.
type TrackingMode int

const (
	ModeHighAccuracy TrackingMode = iota
	ModeBalanced
	ModeLowPower
)

func (m TrackingMode) String() string {
	switch m {
	case ModeHighAccuracy:
		return "high_accuracy"
	case ModeBalanced:
		return "balanced"
	case ModeLowPower:
		return "low_power"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseTrackingMode parses a mode name as written by String
func ParseTrackingMode(name string) (TrackingMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "high_accuracy", "high", "":
		return ModeHighAccuracy, nil
	case "balanced":
		return ModeBalanced, nil
	case "low_power", "low":
		return ModeLowPower, nil
	}
	return 0, fmt.Errorf("unknown tracking mode %q", name)
}

// PollInterval returns the provider polling cadence for the mode
func (m TrackingMode) PollInterval() time.Duration {
	switch m {
	case ModeBalanced:
		return 5 * time.Second
	case ModeLowPower:
		return 30 * time.Second
	default:
		return time.Second
	}
}

// Vec3 is a three-axis sensor vector
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Norm returns the Euclidean length of the vector
func (v Vec3) Norm() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Add returns v + o
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns v - o
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Cross returns the cross product v × o
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		X: v.Y*o.Z - v.Z*o.Y,
		Y: v.Z*o.X - v.X*o.Z,
		Z: v.X*o.Y - v.Y*o.X,
	}
}

// Scale returns v multiplied by f
func (v Vec3) Scale(f float64) Vec3 {
	return Vec3{X: v.X * f, Y: v.Y * f, Z: v.Z * f}
}

// PositionSample is one reported fix.
// HorizontalAccuracy of 0 means "unknown accuracy".
type PositionSample struct {
	Latitude           float64   `json:"latitude"`
	Longitude          float64   `json:"longitude"`
	Altitude           *float64  `json:"altitude,omitempty"`
	HorizontalAccuracy float32   `json:"horizontal_accuracy_m"`
	Bearing            *float32  `json:"bearing,omitempty"`
	BearingAccuracy    *float32  `json:"bearing_accuracy,omitempty"`
	Speed              *float32  `json:"speed_mps,omitempty"`
	SpeedAccuracy      *float32  `json:"speed_accuracy,omitempty"`
	Timestamp          time.Time `json:"timestamp"`
	Source             Source    `json:"source"`

	// Raw-signal metadata, when the provider reports it
	Satellites *int     `json:"satellites,omitempty"`
	HDOP       *float32 `json:"hdop,omitempty"`
	VDOP       *float32 `json:"vdop,omitempty"`
	Provider   string   `json:"provider,omitempty"`
}

// Valid reports whether the sample has finite, in-range coordinates and a non-negative accuracy
func (s *PositionSample) Valid() bool {
	if math.IsNaN(s.Latitude) || math.IsNaN(s.Longitude) || math.IsInf(s.Latitude, 0) || math.IsInf(s.Longitude, 0) {
		return false
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		return false
	}
	acc := float64(s.HorizontalAccuracy)
	if math.IsNaN(acc) || math.IsInf(acc, 0) || acc < 0 {
		return false
	}
	return !s.Timestamp.IsZero()
}

// MotionSample is a snapshot of inertial and magnetic sensor state at Timestamp.
// Orientation is (roll, pitch, yaw) in radians, yaw measured clockwise from north.
type MotionSample struct {
	LinearAcceleration Vec3      `json:"linear_acceleration"`
	Orientation        Vec3      `json:"orientation"`
	RawAccelerometer   Vec3      `json:"raw_accelerometer"`
	Gyroscope          Vec3      `json:"gyroscope"`
	Magnetometer       Vec3      `json:"magnetometer"`
	OrientationValid   bool      `json:"orientation_valid"`
	Timestamp          time.Time `json:"timestamp"`
}

// ScoredSample is a position sample with its derived confidence in [0,1]
type ScoredSample struct {
	PositionSample
	Confidence float32 `json:"confidence"`
}

// PrecisionLocation is the estimate emitted on every tick
type PrecisionLocation struct {
	SessionID      string    `json:"session_id,omitempty"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	Accuracy       float64   `json:"accuracy"`
	Bearing        float32   `json:"bearing"`
	Speed          float32   `json:"speed"`
	Altitude       *float64  `json:"altitude,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	FixTime        time.Time `json:"fix_time"`
	Confidence     float32   `json:"confidence"`
	IsInterpolated bool      `json:"is_interpolated"`
	Source         string    `json:"source"`
	Satellites     *int      `json:"satellites,omitempty"`
	HDOP           *float32  `json:"hdop,omitempty"`
	VDOP           *float32  `json:"vdop,omitempty"`
}

// Float32 returns a pointer to v
func Float32(v float32) *float32 { return &v }

// Float64 returns a pointer to v
func Float64(v float64) *float64 { return &v }

// Int returns a pointer to v
func Int(v int) *int { return &v }

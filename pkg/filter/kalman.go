package filter

import (
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

const (
	metersPerDegree = 111111.0
	minCosLat       = 1e-6
)

// State vector indices
const (
	idxLat = iota
	idxLon
	idxVLat
	idxVLon
	stateDim
)

// Config holds filter noise settings
type Config struct {
	// Diagonal process noise added on every predict step
	PositionNoise float64 `json:"position_noise"` // m²
	VelocityNoise float64 `json:"velocity_noise"` // (m/s)²
	// Base measurement noise, scaled by the reported accuracy
	MeasurementNoise float64 `json:"measurement_noise"`
	// Variance used for the diffuse prior
	InitialVariance float64 `json:"initial_variance"`
	// Accuracy assumed for observations reporting 0 (unknown)
	UnknownAccuracy float64 `json:"unknown_accuracy"`
	// Multiplier applied to observation confidence, capped at 1
	ConfidenceBoost float32 `json:"confidence_boost"`
	// Lower bound on the interval used to turn a position innovation into
	// a velocity correction
	MinVelocityInterval time.Duration `json:"min_velocity_interval"`
}

// DefaultConfig returns the default filter configuration
func DefaultConfig() *Config {
	return &Config{
		PositionNoise:       0.5,
		VelocityNoise:       2.0,
		MeasurementNoise:    1.0,
		InitialVariance:     1e6,
		UnknownAccuracy:     100,
		ConfidenceBoost:     1.1,
		MinVelocityInterval: 500 * time.Millisecond,
	}
}

// Estimate is the filter's current belief in output units
type Estimate struct {
	Latitude  float64
	Longitude float64
	// Accuracy in meters, derived from the position variance
	Accuracy float64
	// Speed in m/s and bearing in degrees clockwise from north
	Speed   float64
	Bearing float64
}

// Kalman is a constant-velocity filter over [lat, lon, lat_rate, lon_rate].
// Only the covariance diagonal is tracked; cross-axis terms stay zero.
// Not safe for concurrent use.
type Kalman struct {
	config *Config
	logger *logx.Logger

	x *mat.VecDense
	p *mat.Dense
	q *mat.DiagDense

	initialized bool
	lastUpdate  time.Time
	lastSource  pkg.Source
	updates     int
}

// NewKalman creates a filter holding a diffuse prior
func NewKalman(config *Config, logger *logx.Logger) *Kalman {
	if config == nil {
		config = DefaultConfig()
	}
	k := &Kalman{
		config: config,
		logger: logger,
		x:      mat.NewVecDense(stateDim, nil),
		p:      mat.NewDense(stateDim, stateDim, nil),
		q: mat.NewDiagDense(stateDim, []float64{
			config.PositionNoise, config.PositionNoise,
			config.VelocityNoise, config.VelocityNoise,
		}),
	}
	k.Reset()
	return k
}

// Reset re-diffuses the prior and forgets the state
func (k *Kalman) Reset() {
	k.x.Zero()
	k.p.Zero()
	for i := 0; i < stateDim; i++ {
		k.p.Set(i, i, k.config.InitialVariance)
	}
	k.initialized = false
	k.lastUpdate = time.Time{}
	k.updates = 0
}

// Initialized reports whether an observation has been absorbed since the last reset
func (k *Kalman) Initialized() bool {
	return k.initialized
}

// LastUpdate returns the timestamp of the last absorbed observation
func (k *Kalman) LastUpdate() time.Time {
	return k.lastUpdate
}

// Predict advances the state by dt seconds and inflates the covariance by Q.
// It is a no-op until the first observation.
func (k *Kalman) Predict(dt float64) {
	if !k.initialized || dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return
	}

	f := mat.NewDense(stateDim, stateDim, []float64{
		1, 0, dt, 0,
		0, 1, 0, dt,
		0, 0, 1, 0,
		0, 0, 0, 1,
	})
	var next mat.VecDense
	next.MulVec(f, k.x)
	k.x.CopyVec(&next)

	k.p.Add(k.p, k.q)
	k.watchdog()
}

// Update absorbs an observation and returns the boosted output confidence.
// The first observation after a reset initializes the state to the observation.
func (k *Kalman) Update(obs *pkg.ScoredSample) float32 {
	acc := float64(obs.HorizontalAccuracy)
	if acc <= 0 {
		acc = k.config.UnknownAccuracy
	}
	r := k.config.MeasurementNoise * acc

	if !k.initialized {
		k.x.SetVec(idxLat, obs.Latitude)
		k.x.SetVec(idxLon, obs.Longitude)
		k.x.SetVec(idxVLat, 0)
		k.x.SetVec(idxVLon, 0)
		k.p.Set(idxLat, idxLat, r)
		k.p.Set(idxLon, idxLon, r)
		k.initialized = true
		k.lastUpdate = obs.Timestamp
		k.lastSource = obs.Source
		k.updates = 1
		return k.BoostConfidence(obs.Confidence)
	}

	// Velocity is only corrected between fixes of the same source; an
	// offset between two providers is bias, not motion.
	dt := obs.Timestamp.Sub(k.lastUpdate).Seconds()
	updateVelocity := dt > 0 && obs.Source == k.lastSource
	if floor := k.config.MinVelocityInterval.Seconds(); dt < floor {
		dt = floor
	}
	innovation := [2]float64{
		obs.Latitude - k.x.AtVec(idxLat),
		obs.Longitude - k.x.AtVec(idxLon),
	}

	for axis := 0; axis < 2; axis++ {
		pi := idxLat + axis
		vi := idxVLat + axis

		pp := k.p.At(pi, pi)
		gain := pp / (pp + r)
		k.x.SetVec(pi, k.x.AtVec(pi)+gain*innovation[axis])
		k.p.Set(pi, pi, pp*(1-gain))

		if updateVelocity {
			pv := k.p.At(vi, vi)
			vgain := pv / (pv + r)
			k.x.SetVec(vi, k.x.AtVec(vi)+vgain*innovation[axis]/dt)
			k.p.Set(vi, vi, pv*(1-vgain))
		}
	}

	if obs.Timestamp.After(k.lastUpdate) {
		k.lastUpdate = obs.Timestamp
	}
	k.lastSource = obs.Source
	k.updates++
	return k.BoostConfidence(obs.Confidence)
}

// Estimate returns the current belief
func (k *Kalman) Estimate() Estimate {
	lat := k.x.AtVec(idxLat)
	north := k.x.AtVec(idxVLat) * metersPerDegree
	east := k.x.AtVec(idxVLon) * metersPerDegree * cosLat(lat)

	bearing := math.Atan2(east, north) * 180 / math.Pi
	if bearing < 0 {
		bearing += 360
	}

	return Estimate{
		Latitude:  lat,
		Longitude: k.x.AtVec(idxLon),
		Accuracy:  math.Max(k.p.At(idxLat, idxLat), k.p.At(idxLon, idxLon)) / k.config.MeasurementNoise,
		Speed:     math.Hypot(north, east),
		Bearing:   bearing,
	}
}

// Diagonal returns a copy of the covariance diagonal
func (k *Kalman) Diagonal() [stateDim]float64 {
	var d [stateDim]float64
	for i := range d {
		d[i] = k.p.At(i, i)
	}
	return d
}

// BoostConfidence scales an observation confidence by the smoothing boost, capped at 1
func (k *Kalman) BoostConfidence(confidence float32) float32 {
	c := confidence * k.config.ConfidenceBoost
	if c > 1 {
		return 1
	}
	if c < 0 {
		return 0
	}
	return c
}

// watchdog re-diffuses the filter when the covariance degenerates
func (k *Kalman) watchdog() {
	for i := 0; i < stateDim; i++ {
		v := k.p.At(i, i)
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > k.config.InitialVariance*10 {
			if k.logger != nil {
				k.logger.Warn("filter covariance degenerate, resetting", "index", i, "value", v, "updates", k.updates)
			}
			k.Reset()
			return
		}
	}
}

func cosLat(lat float64) float64 {
	c := math.Cos(lat * math.Pi / 180)
	if c < minCosLat {
		return minCosLat
	}
	return c
}

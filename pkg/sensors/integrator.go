package sensors

import (
	"github.com/markus-lassfolk/precision-location/pkg"
)

// Config holds raw sensor integration settings
type Config struct {
	// Low-pass coefficient for the gravity estimate when no linear
	// acceleration sensor is reporting
	GravityAlpha float64 `json:"gravity_alpha"`
}

// DefaultConfig returns the default sensor configuration
func DefaultConfig() *Config {
	return &Config{GravityAlpha: 0.8}
}

// Integrator folds raw sensor events into a MotionSample. A missing sensor
// only degrades the sample: without a magnetometer or rotation vector the
// orientation stays invalid, and without a linear-acceleration sensor gravity
// is removed with a low-pass filter. Not safe for concurrent use.
type Integrator struct {
	config *Config
	sample pkg.MotionSample

	gravity      pkg.Vec3
	haveAccel    bool
	haveMag      bool
	haveLinear   bool
	haveRotation bool
}

// NewIntegrator creates an integrator with an empty sample
func NewIntegrator(config *Config) *Integrator {
	if config == nil {
		config = DefaultConfig()
	}
	return &Integrator{config: config}
}

// Apply folds ev into the current sample and returns a copy of it
func (in *Integrator) Apply(ev Event) (pkg.MotionSample, error) {
	if err := ev.validate(); err != nil {
		return in.sample, err
	}
	v := pkg.Vec3{X: ev.Values[0], Y: ev.Values[1], Z: ev.Values[2]}

	switch ev.Kind {
	case KindAccelerometer:
		in.sample.RawAccelerometer = v
		if !in.haveAccel {
			in.gravity = v
		} else {
			a := in.config.GravityAlpha
			in.gravity = in.gravity.Scale(a).Add(v.Scale(1 - a))
		}
		in.haveAccel = true
		if !in.haveLinear {
			in.sample.LinearAcceleration = v.Sub(in.gravity)
		}
		in.updateOrientation()
	case KindGyroscope:
		in.sample.Gyroscope = v
	case KindMagnetometer:
		in.sample.Magnetometer = v
		in.haveMag = true
		in.updateOrientation()
	case KindLinearAcceleration:
		in.sample.LinearAcceleration = v
		in.haveLinear = true
	case KindRotationVector:
		if o, ok := OrientationFromRotationVector(ev.Values); ok {
			in.sample.Orientation = o
			in.sample.OrientationValid = true
			in.haveRotation = true
		}
	}

	if ev.Timestamp.After(in.sample.Timestamp) {
		in.sample.Timestamp = ev.Timestamp
	}
	return in.sample, nil
}

// Sample returns a copy of the current sample
func (in *Integrator) Sample() pkg.MotionSample {
	return in.sample
}

func (in *Integrator) updateOrientation() {
	if in.haveRotation || !in.haveAccel || !in.haveMag {
		return
	}
	if o, ok := OrientationFromGravity(in.gravity, in.sample.Magnetometer); ok {
		in.sample.Orientation = o
		in.sample.OrientationValid = true
	}
}

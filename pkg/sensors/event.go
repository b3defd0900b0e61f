package sensors

import (
	"fmt"
	"time"
)

// Kind identifies a raw sensor event type
type Kind string

const (
	KindAccelerometer      Kind = "accelerometer"
	KindGyroscope          Kind = "gyroscope"
	KindMagnetometer       Kind = "magnetometer"
	KindLinearAcceleration Kind = "linear_acceleration"
	KindRotationVector     Kind = "rotation_vector"
)

// Event is one raw sensor reading as delivered by a platform.
// Vector sensors carry x,y,z; rotation vectors carry x,y,z, optionally w
// and a trailing heading accuracy that is ignored.
type Event struct {
	Kind      Kind      `json:"kind"`
	Values    []float64 `json:"values"`
	Timestamp time.Time `json:"timestamp"`
}

func (e Event) validate() error {
	want := 3
	switch e.Kind {
	case KindAccelerometer, KindGyroscope, KindMagnetometer, KindLinearAcceleration:
	case KindRotationVector:
		want = 5
	default:
		return fmt.Errorf("unknown sensor kind %q", e.Kind)
	}
	if len(e.Values) < 3 || len(e.Values) > want {
		return fmt.Errorf("%s event has %d values, want 3..%d", e.Kind, len(e.Values), want)
	}
	for i, v := range e.Values {
		if v != v {
			return fmt.Errorf("%s event value %d is NaN", e.Kind, i)
		}
	}
	return nil
}

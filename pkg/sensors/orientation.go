package sensors

import (
	"math"

	"github.com/markus-lassfolk/precision-location/pkg"
)

// minHorizontalField rejects magnetometer readings nearly parallel to gravity,
// e.g. near the magnetic poles or in free fall
const minHorizontalField = 0.1

// OrientationFromGravity computes (roll, pitch, yaw) in radians from a gravity
// vector and a magnetic field vector, both in device coordinates. Yaw is the
// azimuth clockwise from magnetic north. ok is false when the inputs are degenerate.
func OrientationFromGravity(gravity, magnetic pkg.Vec3) (orientation pkg.Vec3, ok bool) {
	h := magnetic.Cross(gravity)
	normH := h.Norm()
	normA := gravity.Norm()
	if normH < minHorizontalField || normA == 0 {
		return pkg.Vec3{}, false
	}
	h = h.Scale(1 / normH)
	a := gravity.Scale(1 / normA)
	m := a.Cross(h)

	yaw := math.Atan2(h.Y, m.Y)
	pitch := math.Asin(clamp(-a.Y, -1, 1))
	roll := math.Atan2(-a.X, a.Z)
	return pkg.Vec3{X: roll, Y: pitch, Z: yaw}, true
}

// OrientationFromRotationVector computes (roll, pitch, yaw) from a rotation
// vector quaternion (x, y, z[, w]). A missing w is derived from the unit norm.
func OrientationFromRotationVector(values []float64) (pkg.Vec3, bool) {
	if len(values) < 3 {
		return pkg.Vec3{}, false
	}
	x, y, z := values[0], values[1], values[2]
	var w float64
	if len(values) >= 4 {
		w = values[3]
	} else {
		w = math.Sqrt(math.Max(0, 1-x*x-y*y-z*z))
	}

	r1 := 2*x*y - 2*z*w
	r4 := 1 - 2*x*x - 2*z*z
	r6 := 2*x*z - 2*y*w
	r7 := 2*y*z + 2*x*w
	r8 := 1 - 2*x*x - 2*y*y

	return pkg.Vec3{
		X: math.Atan2(-r6, r8),
		Y: math.Asin(clamp(-r7, -1, 1)),
		Z: math.Atan2(r1, r4),
	}, true
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

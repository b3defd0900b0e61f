package api

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/geojson"

	"github.com/markus-lassfolk/precision-location/pkg"
)

// Track keeps the most recent estimates in a ring
type Track struct {
	mu     sync.RWMutex
	points []pkg.PrecisionLocation
	next   int
	full   bool
}

// NewTrack creates a track holding up to size estimates
func NewTrack(size int) *Track {
	if size <= 0 {
		size = 600
	}
	return &Track{points: make([]pkg.PrecisionLocation, size)}
}

// Add appends loc, overwriting the oldest entry when full
func (t *Track) Add(loc pkg.PrecisionLocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.points[t.next] = loc
	t.next = (t.next + 1) % len(t.points)
	if t.next == 0 {
		t.full = true
	}
}

// Points returns the held estimates, oldest first
func (t *Track) Points() []pkg.PrecisionLocation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.full {
		return append([]pkg.PrecisionLocation(nil), t.points[:t.next]...)
	}
	out := make([]pkg.PrecisionLocation, 0, len(t.points))
	out = append(out, t.points[t.next:]...)
	return append(out, t.points[:t.next]...)
}

// Last returns the newest estimate
func (t *Track) Last() (pkg.PrecisionLocation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.full && t.next == 0 {
		return pkg.PrecisionLocation{}, false
	}
	i := t.next - 1
	if i < 0 {
		i = len(t.points) - 1
	}
	return t.points[i], true
}

// FeatureCollection renders the track as GeoJSON: one LineString per run of
// measured or dead-reckoned estimates, and a Point for the newest estimate
func (t *Track) FeatureCollection() *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	points := t.Points()
	if len(points) == 0 {
		return fc
	}

	var (
		line         orb.LineString
		interpolated = points[0].IsInterpolated
	)
	flush := func() {
		if len(line) == 0 {
			return
		}
		f := geojson.NewFeature(line)
		f.Properties["is_interpolated"] = interpolated
		f.Properties["points"] = len(line)
		f.Properties["length_m"] = geo.Length(line)
		fc.Append(f)
	}
	for i, p := range points {
		pt := orb.Point{p.Longitude, p.Latitude}
		if p.IsInterpolated != interpolated {
			flush()
			// segments share their joining point
			line = orb.LineString{orb.Point{points[i-1].Longitude, points[i-1].Latitude}}
			interpolated = p.IsInterpolated
		}
		line = append(line, pt)
	}
	flush()

	last := points[len(points)-1]
	f := geojson.NewFeature(orb.Point{last.Longitude, last.Latitude})
	f.Properties["session_id"] = last.SessionID
	f.Properties["timestamp"] = last.Timestamp
	f.Properties["accuracy"] = last.Accuracy
	f.Properties["confidence"] = last.Confidence
	f.Properties["is_interpolated"] = last.IsInterpolated
	f.Properties["source"] = last.Source
	fc.Append(f)
	return fc
}

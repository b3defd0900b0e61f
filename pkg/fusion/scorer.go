package fusion

import (
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
)

// Scorer computes a heuristic confidence for position samples.
// The score is the product of an accuracy, an age and a plausibility factor.
type Scorer struct{}

// NewScorer creates a confidence scorer
func NewScorer() *Scorer {
	return &Scorer{}
}

// Score returns the confidence of sample evaluated at now, in [0,1].
// Degenerate samples score 0.
func (s *Scorer) Score(sample *pkg.PositionSample, now time.Time) float32 {
	if sample == nil || !sample.Valid() {
		return 0
	}

	confidence := AccuracyFactor(sample.HorizontalAccuracy) *
		AgeFactor(now.Sub(sample.Timestamp))

	if sample.Speed != nil {
		confidence *= PlausibilityFactor(*sample.Speed)
	}

	return clamp01(confidence)
}

// ScoreAll scores every sample and drops those scoring 0
func (s *Scorer) ScoreAll(samples []pkg.PositionSample, now time.Time) []pkg.ScoredSample {
	scored := make([]pkg.ScoredSample, 0, len(samples))
	for i := range samples {
		c := s.Score(&samples[i], now)
		if c <= 0 {
			continue
		}
		scored = append(scored, pkg.ScoredSample{PositionSample: samples[i], Confidence: c})
	}
	return scored
}

// AccuracyFactor maps a reported horizontal accuracy in meters to [0.3,1].
// Zero is the unknown-accuracy sentinel and gets the floor.
func AccuracyFactor(accuracy float32) float32 {
	switch {
	case accuracy <= 0:
		return 0.3
	case accuracy <= 5:
		return 1.0
	case accuracy <= 10:
		return 0.9
	case accuracy <= 20:
		return 0.7
	case accuracy <= 50:
		return 0.5
	default:
		return 0.3
	}
}

// AgeFactor maps sample age to [0.5,1]. Timestamps in the future count as fresh.
func AgeFactor(age time.Duration) float32 {
	switch {
	case age <= time.Second:
		return 1.0
	case age <= 3*time.Second:
		return 0.9
	case age <= 5*time.Second:
		return 0.7
	default:
		return 0.5
	}
}

// PlausibilityFactor penalizes implausible reported speeds (m/s)
func PlausibilityFactor(speedMps float32) float32 {
	kmh := speedMps * 3.6
	if kmh < 0 {
		kmh = -kmh
	}
	switch {
	case kmh <= 150:
		return 1.0
	case kmh <= 200:
		return 0.7
	default:
		return 0.3
	}
}

func clamp01(v float32) float32 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

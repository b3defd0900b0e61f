package fusion

import (
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// Method names the branch the engine used to produce its result
type Method string

const (
	MethodNone     Method = "none"
	MethodDirect   Method = "direct_fix"
	MethodWeighted Method = "weighted_centroid"
	MethodBest     Method = "highest_confidence"
	MethodFallback Method = "last_known_good"
)

// EngineConfig holds fusion settings
type EngineConfig struct {
	// Satellite fixes at or below this accuracy bypass fusion
	GoodFixAccuracy float32 `json:"good_fix_accuracy"`
	// Base weights per source class; fused provider gets the remainder
	SatelliteWeight float64 `json:"satellite_weight"`
	NetworkWeight   float64 `json:"network_weight"`
}

// DefaultEngineConfig returns the default fusion configuration
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		GoodFixAccuracy: 5,
		SatelliteWeight: 0.7,
		NetworkWeight:   0.2,
	}
}

// BaseWeight returns the fixed weight of a source class
func (c *EngineConfig) BaseWeight(src pkg.Source) float64 {
	switch src {
	case pkg.SourceSatellite:
		return c.SatelliteWeight
	case pkg.SourceNetwork:
		return c.NetworkWeight
	default:
		return 1 - c.SatelliteWeight - c.NetworkWeight
	}
}

// Result is the outcome of one fusion pass
type Result struct {
	Sample *pkg.ScoredSample
	Method Method
	// Newest is the latest timestamp among the samples that contributed
	Newest time.Time
}

// Engine combines the most recent sample of each source into one estimate
type Engine struct {
	config *EngineConfig
	logger *logx.Logger
}

// NewEngine creates a fusion engine
func NewEngine(config *EngineConfig, logger *logx.Logger) *Engine {
	if config == nil {
		config = DefaultEngineConfig()
	}
	return &Engine{config: config, logger: logger}
}

// Fuse combines scored samples by source. With nothing to fuse it returns
// lastKnownGood, which may be nil.
func (e *Engine) Fuse(bySource map[pkg.Source][]pkg.ScoredSample, lastKnownGood *pkg.ScoredSample) Result {
	latest := latestPerSource(bySource)
	if len(latest) == 0 {
		if lastKnownGood == nil {
			return Result{Method: MethodNone}
		}
		fallback := *lastKnownGood
		return Result{Sample: &fallback, Method: MethodFallback, Newest: fallback.Timestamp}
	}

	var newest time.Time
	for _, s := range latest {
		if s.Timestamp.After(newest) {
			newest = s.Timestamp
		}
	}

	if sat, ok := latest[pkg.SourceSatellite]; ok && sat.HorizontalAccuracy > 0 && sat.HorizontalAccuracy <= e.config.GoodFixAccuracy {
		direct := sat
		return Result{Sample: &direct, Method: MethodDirect, Newest: newest}
	}

	if _, ok := latest[pkg.SourceFusedProvider]; ok {
		if fused := e.weightedCentroid(latest); fused != nil {
			return Result{Sample: fused, Method: MethodWeighted, Newest: newest}
		}
	}

	best := highestConfidence(latest)
	return Result{Sample: &best, Method: MethodBest, Newest: newest}
}

// weightedCentroid averages lat/lon/accuracy using base weight × confidence.
// The sample with the largest normalized weight supplies every other field.
func (e *Engine) weightedCentroid(latest map[pkg.Source]pkg.ScoredSample) *pkg.ScoredSample {
	var total float64
	weights := make(map[pkg.Source]float64, len(latest))
	for src, s := range latest {
		w := e.config.BaseWeight(src) * float64(s.Confidence)
		if w <= 0 {
			continue
		}
		weights[src] = w
		total += w
	}
	if total <= 0 {
		return nil
	}

	var lat, lon, acc, conf, baseWeight float64
	var base pkg.Source
	first := true
	for _, src := range pkg.Sources {
		w, ok := weights[src]
		if !ok {
			continue
		}
		s := latest[src]
		nw := w / total
		lat += nw * s.Latitude
		lon += nw * s.Longitude
		acc += nw * float64(s.HorizontalAccuracy)
		conf += nw * float64(s.Confidence)
		if first || nw > baseWeight {
			base, baseWeight, first = src, nw, false
		}
	}

	fused := latest[base]
	fused.Latitude = lat
	fused.Longitude = lon
	fused.HorizontalAccuracy = float32(acc)
	fused.Confidence = clamp01(float32(conf))

	if e.logger != nil {
		e.logger.LogDebugVerbose("fusion_weighted_centroid", map[string]interface{}{
			"sources":     len(weights),
			"base_source": base.String(),
			"base_weight": baseWeight,
			"latitude":    lat,
			"longitude":   lon,
			"accuracy":    acc,
		})
	}
	return &fused
}

func latestPerSource(bySource map[pkg.Source][]pkg.ScoredSample) map[pkg.Source]pkg.ScoredSample {
	latest := make(map[pkg.Source]pkg.ScoredSample, len(bySource))
	for src, list := range bySource {
		for _, s := range list {
			cur, ok := latest[src]
			if !ok || !s.Timestamp.Before(cur.Timestamp) {
				latest[src] = s
			}
		}
	}
	return latest
}

// highestConfidence picks the most confident sample; ties go to the
// higher-priority source
func highestConfidence(latest map[pkg.Source]pkg.ScoredSample) pkg.ScoredSample {
	var best pkg.ScoredSample
	first := true
	for _, src := range pkg.Sources {
		s, ok := latest[src]
		if !ok {
			continue
		}
		if first || s.Confidence > best.Confidence {
			best, first = s, false
		}
	}
	return best
}

package fusion

import (
	"sync"
	"time"

	"github.com/markus-lassfolk/precision-location/pkg"
)

// RejectReason explains why Push dropped a sample; empty means accepted
type RejectReason string

const (
	Accepted         RejectReason = ""
	RejectMalformed  RejectReason = "malformed"
	RejectOutOfOrder RejectReason = "out_of_order"
	RejectFuture     RejectReason = "future"
)

// BufferConfig holds sample buffer settings
type BufferConfig struct {
	Window       time.Duration `json:"window"`
	MaxPerSource int           `json:"max_per_source"`
	// Samples stamped further than this ahead of the push time are dropped
	FutureTolerance time.Duration `json:"future_tolerance"`
}

// DefaultBufferConfig returns the default buffer configuration
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		Window:          5 * time.Second,
		MaxPerSource:    256,
		FutureTolerance: 2 * time.Second,
	}
}

// Buffer is a bounded, time-windowed collection of recent position samples
// partitioned by source. Safe for concurrent producers and a single reader.
type Buffer struct {
	mu      sync.Mutex
	config  *BufferConfig
	samples map[pkg.Source][]pkg.PositionSample
	newest  map[pkg.Source]time.Time
}

// NewBuffer creates a sample buffer
func NewBuffer(config *BufferConfig) *Buffer {
	if config == nil {
		config = DefaultBufferConfig()
	}
	return &Buffer{
		config:  config,
		samples: make(map[pkg.Source][]pkg.PositionSample),
		newest:  make(map[pkg.Source]time.Time),
	}
}

// Push appends a sample received at now, in arrival order. Malformed
// samples, samples stamped in the future and samples older than the newest
// one already accepted for the same source are dropped. A rejected sample
// never moves the per-source ordering.
func (b *Buffer) Push(sample pkg.PositionSample, now time.Time) RejectReason {
	if !sample.Valid() {
		return RejectMalformed
	}
	if sample.Timestamp.Sub(now) > b.config.FutureTolerance {
		return RejectFuture
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if last, ok := b.newest[sample.Source]; ok && sample.Timestamp.Before(last) {
		return RejectOutOfOrder
	}
	b.newest[sample.Source] = sample.Timestamp

	list := append(b.samples[sample.Source], sample)
	list = evictBefore(list, sample.Timestamp.Add(-b.config.Window))
	if b.config.MaxPerSource > 0 && len(list) > b.config.MaxPerSource {
		list = list[len(list)-b.config.MaxPerSource:]
	}
	b.samples[sample.Source] = list

	return Accepted
}

// Recent returns copies of all samples with now - timestamp <= maxAge, by source.
// Samples outside the buffer window are evicted as a side effect.
func (b *Buffer) Recent(now time.Time, maxAge time.Duration) map[pkg.Source][]pkg.PositionSample {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.evictLocked(now)

	out := make(map[pkg.Source][]pkg.PositionSample, len(b.samples))
	cutoff := now.Add(-maxAge)
	for src, list := range b.samples {
		var recent []pkg.PositionSample
		for _, s := range list {
			if !s.Timestamp.Before(cutoff) {
				recent = append(recent, s)
			}
		}
		if len(recent) > 0 {
			out[src] = recent
		}
	}
	return out
}

// Newest returns the timestamp of the newest sample ever accepted for src
func (b *Buffer) Newest(src pkg.Source) (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.newest[src]
	return ts, ok
}

// Len returns the number of buffered samples across all sources
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, list := range b.samples {
		n += len(list)
	}
	return n
}

// Evict drops samples older than the window relative to now
func (b *Buffer) Evict(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked(now)
}

// Reset releases all buffered samples
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples = make(map[pkg.Source][]pkg.PositionSample)
	b.newest = make(map[pkg.Source]time.Time)
}

func (b *Buffer) evictLocked(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	for src, list := range b.samples {
		list = evictBefore(list, cutoff)
		if len(list) == 0 {
			delete(b.samples, src)
			continue
		}
		b.samples[src] = list
	}
}

// evictBefore drops the leading samples older than cutoff; list is in arrival
// order, which for a single source is also timestamp order.
func evictBefore(list []pkg.PositionSample, cutoff time.Time) []pkg.PositionSample {
	i := 0
	for i < len(list) && list[i].Timestamp.Before(cutoff) {
		i++
	}
	if i == 0 {
		return list
	}
	return append(list[:0:0], list[i:]...)
}

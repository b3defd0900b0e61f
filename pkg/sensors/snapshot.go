package sensors

import (
	"sync"

	"github.com/markus-lassfolk/precision-location/pkg"
)

// Snapshot holds the latest motion sample shared between producers and the
// estimation loop. Writers replace the whole value; readers get a copy.
type Snapshot struct {
	mu      sync.RWMutex
	sample  pkg.MotionSample
	set     bool
	updates uint64
}

// NewSnapshot creates an empty snapshot
func NewSnapshot() *Snapshot {
	return &Snapshot{}
}

// Store replaces the current sample
func (s *Snapshot) Store(sample pkg.MotionSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = sample
	s.set = true
	s.updates++
}

// Load returns a copy of the current sample and whether one was ever stored
func (s *Snapshot) Load() (pkg.MotionSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sample, s.set
}

// Updates returns how many samples have been stored since the last reset
func (s *Snapshot) Updates() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updates
}

// Reset releases the stored sample
func (s *Snapshot) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sample = pkg.MotionSample{}
	s.set = false
	s.updates = 0
}

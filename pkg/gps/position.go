package gps

import (
	"context"
	"sync"

	"github.com/markus-lassfolk/precision-location/pkg"
)

// PositionUpdate is one item of a position stream: either a sample or a
// provider error. Errors wrapping pkg.ErrProviderUnavailable mean positioning
// is disabled for now; errors wrapping pkg.ErrPermissionDenied are fatal.
type PositionUpdate struct {
	Sample *pkg.PositionSample
	Err    error
}

// PositionSource is the capability to subscribe to position fixes at the
// cadence selected by a tracking mode
type PositionSource interface {
	Name() string
	SubscribePosition(ctx context.Context, mode pkg.TrackingMode) (PositionStream, error)
}

// PositionStream delivers updates until Close is called or the subscription
// context ends. Updates is closed when delivery stops.
type PositionStream interface {
	Updates() <-chan PositionUpdate
	Close() error
}

// stream is the channel-backed PositionStream used by the adapters in this package
type stream struct {
	updates chan PositionUpdate
	cancel  context.CancelFunc
	done    chan struct{}
	closer  func() error

	once sync.Once
	err  error
}

// newStream returns a stream and the context its worker must watch. The
// worker must call finish when it returns.
func newStream(ctx context.Context, size int, closer func() error) (*stream, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &stream{
		updates: make(chan PositionUpdate, size),
		cancel:  cancel,
		done:    make(chan struct{}),
		closer:  closer,
	}, ctx
}

// send delivers u unless ctx ends first
func (s *stream) send(ctx context.Context, u PositionUpdate) bool {
	select {
	case s.updates <- u:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) finish() {
	close(s.updates)
	close(s.done)
}

// Updates implements PositionStream
func (s *stream) Updates() <-chan PositionUpdate {
	return s.updates
}

// Close implements PositionStream. It returns after the worker has exited.
func (s *stream) Close() error {
	s.once.Do(func() {
		s.cancel()
		if s.closer != nil {
			s.err = s.closer()
		}
		<-s.done
	})
	return s.err
}

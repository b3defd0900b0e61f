package sensors

import (
	"context"
	"sync"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// MotionSource is the capability to subscribe to motion updates.
// Implementations return an error wrapping pkg.ErrPermissionDenied when
// sensor access is refused.
type MotionSource interface {
	SubscribeMotion(ctx context.Context) (MotionStream, error)
}

// MotionStream delivers motion samples until Close is called or the
// subscription context ends. Updates is closed when delivery stops.
type MotionStream interface {
	Updates() <-chan pkg.MotionSample
	Close() error
}

// EventStream turns a channel of raw sensor events into a MotionStream
type EventStream struct {
	updates chan pkg.MotionSample
	closer  func() error
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
}

// NewEventStream starts integrating events into motion samples. closer, if
// not nil, is called once on Close to unregister the underlying producer.
func NewEventStream(ctx context.Context, events <-chan Event, closer func() error, config *Config, logger *logx.Logger) *EventStream {
	ctx, cancel := context.WithCancel(ctx)
	s := &EventStream{
		updates: make(chan pkg.MotionSample, 1),
		closer:  closer,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go s.run(ctx, events, NewIntegrator(config), logger)
	return s
}

func (s *EventStream) run(ctx context.Context, events <-chan Event, in *Integrator, logger *logx.Logger) {
	defer close(s.done)
	defer close(s.updates)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sample, err := in.Apply(ev)
			if err != nil {
				if logger != nil {
					logger.Debug("dropping sensor event", "kind", string(ev.Kind), "error", err)
				}
				continue
			}
			s.offer(sample)
		}
	}
}

// offer keeps only the newest sample when the reader lags
func (s *EventStream) offer(sample pkg.MotionSample) {
	select {
	case s.updates <- sample:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- sample:
	default:
	}
}

// Updates implements MotionStream
func (s *EventStream) Updates() <-chan pkg.MotionSample {
	return s.updates
}

// Close implements MotionStream. It stops integration and waits for the
// worker to exit, so no sample is delivered after Close returns.
func (s *EventStream) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		if s.closer != nil {
			s.err = s.closer()
		}
	})
	return s.err
}

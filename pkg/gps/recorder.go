package gps

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
)

// traceRecord is one queued write; exactly one field is set
type traceRecord struct {
	position *pkg.PositionSample
	motion   *pkg.MotionSample
}

// Recorder tees position and motion streams into a TraceStore. Writes are
// queued and performed by a single writer goroutine; when the queue is full
// records are dropped rather than stalling the producers.
type Recorder struct {
	store     *TraceStore
	sessionID string
	logger    *logx.Logger

	queue   chan traceRecord
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
	written atomic.Uint64
}

// NewRecorder starts a recorder for a session already registered with BeginSession
func NewRecorder(store *TraceStore, sessionID string, queueSize int, logger *logx.Logger) *Recorder {
	if queueSize <= 0 {
		queueSize = 1024
	}
	r := &Recorder{
		store:     store,
		sessionID: sessionID,
		logger:    logger,
		queue:     make(chan traceRecord, queueSize),
		done:      make(chan struct{}),
	}
	go r.writer()
	return r
}

func (r *Recorder) writer() {
	defer close(r.done)
	for rec := range r.queue {
		var err error
		if rec.position != nil {
			err = r.store.RecordPosition(r.sessionID, rec.position)
		} else if rec.motion != nil {
			err = r.store.RecordMotion(r.sessionID, *rec.motion)
		}
		if err != nil {
			r.logger.Warn("trace_write_failed", "error", err)
			continue
		}
		r.written.Add(1)
	}
}

func (r *Recorder) enqueue(rec traceRecord) {
	select {
	case r.queue <- rec:
	default:
		if r.dropped.Add(1)%100 == 1 {
			r.logger.Warn("trace_queue_full", "dropped", r.dropped.Load())
		}
	}
}

// Dropped returns how many records were dropped because the queue was full
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

// Written returns how many records reached the store
func (r *Recorder) Written() uint64 {
	return r.written.Load()
}

// Close drains the queue. Wrapped streams must be closed first.
func (r *Recorder) Close() {
	r.once.Do(func() {
		close(r.queue)
		<-r.done
		r.logger.Info("trace_recorder_closed", "session_id", r.sessionID, "written", r.written.Load(), "dropped", r.dropped.Load())
	})
}

// WrapPosition returns a PositionSource that records every sample of src
func (r *Recorder) WrapPosition(src PositionSource) PositionSource {
	return &recordingPositionSource{inner: src, rec: r}
}

// WrapMotion returns a MotionSource that records every sample of src
func (r *Recorder) WrapMotion(src sensors.MotionSource) sensors.MotionSource {
	return &recordingMotionSource{inner: src, rec: r}
}

type recordingPositionSource struct {
	inner PositionSource
	rec   *Recorder
}

func (s *recordingPositionSource) Name() string {
	return s.inner.Name()
}

func (s *recordingPositionSource) SubscribePosition(ctx context.Context, mode pkg.TrackingMode) (PositionStream, error) {
	inner, err := s.inner.SubscribePosition(ctx, mode)
	if err != nil {
		return nil, err
	}
	out, ctx := newStream(ctx, cap(inner.Updates()), inner.Close)
	go func() {
		defer out.finish()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-inner.Updates():
				if !ok {
					return
				}
				if u.Sample != nil {
					cp := *u.Sample
					s.rec.enqueue(traceRecord{position: &cp})
				}
				if !out.send(ctx, u) {
					return
				}
			}
		}
	}()
	return out, nil
}

type recordingMotionSource struct {
	inner sensors.MotionSource
	rec   *Recorder
}

func (s *recordingMotionSource) SubscribeMotion(ctx context.Context) (sensors.MotionStream, error) {
	inner, err := s.inner.SubscribeMotion(ctx)
	if err != nil {
		return nil, err
	}
	return newMotionTee(ctx, inner, func(m pkg.MotionSample) {
		s.rec.enqueue(traceRecord{motion: &m})
	}), nil
}

// motionTee forwards a motion stream, calling observe for every sample
type motionTee struct {
	updates chan pkg.MotionSample
	inner   sensors.MotionStream
	cancel  context.CancelFunc
	done    chan struct{}
	once    sync.Once
	err     error
}

func newMotionTee(ctx context.Context, inner sensors.MotionStream, observe func(pkg.MotionSample)) *motionTee {
	ctx, cancel := context.WithCancel(ctx)
	t := &motionTee{
		updates: make(chan pkg.MotionSample, 1),
		inner:   inner,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		defer close(t.updates)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-inner.Updates():
				if !ok {
					return
				}
				observe(m)
				select {
				case t.updates <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return t
}

func (t *motionTee) Updates() <-chan pkg.MotionSample {
	return t.updates
}

func (t *motionTee) Close() error {
	t.once.Do(func() {
		t.cancel()
		t.err = t.inner.Close()
		<-t.done
	})
	return t.err
}

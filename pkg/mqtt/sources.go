package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/gps"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
)

// FixMessage is the JSON payload of a relayed position fix. Timestamp is
// optional; when missing the receive time is used.
type FixMessage struct {
	Latitude   float64    `json:"latitude"`
	Longitude  float64    `json:"longitude"`
	Accuracy   float32    `json:"accuracy"`
	Altitude   *float64   `json:"altitude,omitempty"`
	Bearing    *float32   `json:"bearing,omitempty"`
	Speed      *float32   `json:"speed,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty"`
	Source     string     `json:"source,omitempty"`
	Provider   string     `json:"provider,omitempty"`
	Satellites *int       `json:"satellites,omitempty"`
}

// FixSource is a PositionSource fed by fixes published to
// <prefix>/fixes/<source>, typically relayed from a phone's fused provider.
// The source class comes from the payload, then the topic suffix, and
// defaults to the fused provider.
type FixSource struct {
	client *Client
	logger *logx.Logger
	now    func() time.Time
}

// NewFixSource creates a fix source over client
func NewFixSource(client *Client, logger *logx.Logger) *FixSource {
	return &FixSource{client: client, logger: logger, now: time.Now}
}

// Name implements gps.PositionSource
func (s *FixSource) Name() string {
	return "mqtt"
}

func (s *FixSource) topic() string {
	return s.client.config.Topic("fixes/#")
}

// SubscribePosition implements gps.PositionSource
func (s *FixSource) SubscribePosition(ctx context.Context, _ pkg.TrackingMode) (gps.PositionStream, error) {
	st := &fixStream{updates: make(chan gps.PositionUpdate, 16)}
	st.unsubscribe = func() error { return s.client.Unsubscribe(s.topic()) }

	handler := func(_ MQTT.Client, msg MQTT.Message) {
		sample, err := s.decode(msg.Topic(), msg.Payload())
		if err != nil {
			s.logger.Debug("mqtt_fix_rejected", "topic", msg.Topic(), "error", err)
			return
		}
		if !st.offer(gps.PositionUpdate{Sample: sample}) {
			if st.dropped.Add(1)%100 == 1 {
				s.logger.Warn("mqtt_fix_queue_full", "dropped", st.dropped.Load())
			}
		}
	}
	if err := s.client.Subscribe(s.topic(), handler); err != nil {
		return nil, err
	}

	go func() {
		<-ctx.Done()
		st.Close()
	}()
	return st, nil
}

// decode parses one fix message
func (s *FixSource) decode(topic string, payload []byte) (*pkg.PositionSample, error) {
	var msg FixMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode fix: %w", err)
	}

	name := msg.Source
	if name == "" {
		if i := strings.LastIndex(topic, "/"); i >= 0 && i < len(topic)-1 {
			name = topic[i+1:]
		}
	}
	src := pkg.SourceFusedProvider
	if name != "" {
		parsed, err := pkg.ParseSource(name)
		if err == nil {
			src = parsed
		}
	}

	ts := s.now()
	if msg.Timestamp != nil && !msg.Timestamp.IsZero() {
		ts = *msg.Timestamp
	}
	provider := msg.Provider
	if provider == "" {
		provider = "mqtt"
	}

	sample := &pkg.PositionSample{
		Latitude:           msg.Latitude,
		Longitude:          msg.Longitude,
		Altitude:           msg.Altitude,
		HorizontalAccuracy: msg.Accuracy,
		Bearing:            msg.Bearing,
		Speed:              msg.Speed,
		Timestamp:          ts,
		Source:             src,
		Satellites:         msg.Satellites,
		Provider:           provider,
	}
	if !sample.Valid() {
		return nil, fmt.Errorf("invalid fix %.6f,%.6f accuracy %.1f", msg.Latitude, msg.Longitude, msg.Accuracy)
	}
	return sample, nil
}

// fixStream is fed from paho callbacks, which must never block
type fixStream struct {
	mu          sync.Mutex
	closed      bool
	updates     chan gps.PositionUpdate
	unsubscribe func() error
	once        sync.Once
	err         error
	dropped     atomic.Uint64
}

func (st *fixStream) offer(u gps.PositionUpdate) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return true
	}
	select {
	case st.updates <- u:
		return true
	default:
		return false
	}
}

func (st *fixStream) Updates() <-chan gps.PositionUpdate {
	return st.updates
}

func (st *fixStream) Close() error {
	st.once.Do(func() {
		st.err = st.unsubscribe()
		st.mu.Lock()
		st.closed = true
		close(st.updates)
		st.mu.Unlock()
	})
	return st.err
}

// MotionSource is a sensors.MotionSource fed by raw sensor events published
// as JSON sensors.Event objects to <prefix>/motion
type MotionSource struct {
	client *Client
	config *sensors.Config
	logger *logx.Logger
}

// NewMotionSource creates a motion source over client
func NewMotionSource(client *Client, config *sensors.Config, logger *logx.Logger) *MotionSource {
	return &MotionSource{client: client, config: config, logger: logger}
}

// SubscribeMotion implements sensors.MotionSource
func (s *MotionSource) SubscribeMotion(ctx context.Context) (sensors.MotionStream, error) {
	topic := s.client.config.Topic("motion")
	events := make(chan sensors.Event, 64)

	handler := func(_ MQTT.Client, msg MQTT.Message) {
		var batch []sensors.Event
		payload := msg.Payload()
		if len(payload) > 0 && payload[0] == '[' {
			if err := json.Unmarshal(payload, &batch); err != nil {
				s.logger.Debug("mqtt_motion_rejected", "error", err)
				return
			}
		} else {
			var ev sensors.Event
			if err := json.Unmarshal(payload, &ev); err != nil {
				s.logger.Debug("mqtt_motion_rejected", "error", err)
				return
			}
			batch = append(batch, ev)
		}
		for _, ev := range batch {
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now()
			}
			select {
			case events <- ev:
			default:
			}
		}
	}
	if err := s.client.Subscribe(topic, handler); err != nil {
		return nil, err
	}

	closer := func() error { return s.client.Unsubscribe(topic) }
	return sensors.NewEventStream(ctx, events, closer, s.config, s.logger), nil
}

package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
	"github.com/markus-lassfolk/precision-location/pkg/sensors"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic   string
	retain  bool
	payload []byte
}

// fakeBroker records publishes and routes them to matching subscriptions
type fakeBroker struct {
	mu         sync.Mutex
	published  []published
	handlers   map[string]MQTT.MessageHandler
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]MQTT.MessageHandler)}
}

func (b *fakeBroker) IsConnected() bool { return true }
func (b *fakeBroker) Disconnect(uint)   {}

func (b *fakeBroker) Publish(topic string, _ byte, retained bool, payload interface{}) MQTT.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return doneToken{err: b.publishErr}
	}
	b.published = append(b.published, published{topic: topic, retain: retained, payload: payload.([]byte)})
	return doneToken{}
}

func (b *fakeBroker) Subscribe(topic string, _ byte, cb MQTT.MessageHandler) MQTT.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = cb
	return doneToken{}
}

func (b *fakeBroker) Unsubscribe(topics ...string) MQTT.Token {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range topics {
		delete(b.handlers, t)
	}
	return doneToken{}
}

func (b *fakeBroker) deliver(filter, topic string, payload []byte) bool {
	b.mu.Lock()
	cb, ok := b.handlers[filter]
	b.mu.Unlock()
	if ok {
		cb(nil, &fakeMessage{topic: topic, payload: payload})
	}
	return ok
}

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 0 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 0 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

func enabledConfig() *Config {
	cfg := DefaultConfig()
	cfg.Enabled = true
	cfg.TopicPrefix = "car"
	return cfg
}

func TestPublishLocation(t *testing.T) {
	b := newFakeBroker()
	c := newClientWithBroker(enabledConfig(), b, logx.Discard())

	loc := pkg.PrecisionLocation{Latitude: 12.9716, Longitude: 77.5946, Accuracy: 4, Confidence: 0.9}
	require.NoError(t, c.PublishLocation(loc))

	require.Len(t, b.published, 1)
	assert.Equal(t, "car/location", b.published[0].topic)
	var got pkg.PrecisionLocation
	require.NoError(t, json.Unmarshal(b.published[0].payload, &got))
	assert.Equal(t, loc.Latitude, got.Latitude)
	assert.False(t, c.GetLastPublish().IsZero())
}

func TestPublishLocationRateCap(t *testing.T) {
	b := newFakeBroker()
	c := newClientWithBroker(enabledConfig(), b, logx.Discard())
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	c.limiter.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		require.NoError(t, c.PublishLocation(pkg.PrecisionLocation{}))
	}
	assert.Len(t, b.published, 2)
	assert.Equal(t, uint64(3), c.Skipped())

	now = now.Add(time.Second)
	require.NoError(t, c.PublishLocation(pkg.PrecisionLocation{}))
	assert.Len(t, b.published, 3)
}

func TestPublishStatusIsRetained(t *testing.T) {
	b := newFakeBroker()
	c := newClientWithBroker(enabledConfig(), b, logx.Discard())

	require.NoError(t, c.PublishStatus(map[string]interface{}{"state": "tracking"}))
	require.Len(t, b.published, 1)
	assert.Equal(t, "car/status", b.published[0].topic)
	assert.True(t, b.published[0].retain)
}

func TestPublishErrorIsWrapped(t *testing.T) {
	b := newFakeBroker()
	b.publishErr = errors.New("broker gone")
	cfg := enabledConfig()
	cfg.MaxLocationRate = 0
	c := newClientWithBroker(cfg, b, logx.Discard())

	err := c.PublishLocation(pkg.PrecisionLocation{})
	assert.ErrorContains(t, err, "car/location")
}

func TestDisabledClientIsSilent(t *testing.T) {
	c := NewClient(nil, logx.Discard())
	assert.NoError(t, c.Connect())
	assert.NoError(t, c.PublishLocation(pkg.PrecisionLocation{}))
	assert.NoError(t, c.PublishStatus(nil))
	assert.False(t, c.IsConnected())

	err := c.Subscribe("x", nil)
	assert.True(t, errors.Is(err, pkg.ErrProviderUnavailable))
}

func TestFixSourceDeliversSamples(t *testing.T) {
	b := newFakeBroker()
	c := newClientWithBroker(enabledConfig(), b, logx.Discard())
	src := NewFixSource(c, logx.Discard())
	received := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	src.now = func() time.Time { return received }

	stream, err := src.SubscribePosition(context.Background(), pkg.ModeBalanced)
	require.NoError(t, err)

	require.True(t, b.deliver("car/fixes/#", "car/fixes/fused", []byte(`{"latitude":12.97,"longitude":77.59,"accuracy":8}`)))
	ts := received.Add(-time.Second)
	payload, _ := json.Marshal(FixMessage{Latitude: 12.98, Longitude: 77.6, Accuracy: 30, Timestamp: &ts, Source: "network"})
	b.deliver("car/fixes/#", "car/fixes/phone", payload)
	b.deliver("car/fixes/#", "car/fixes/fused", []byte(`not json`))
	b.deliver("car/fixes/#", "car/fixes/fused", []byte(`{"latitude":123,"longitude":0,"accuracy":8}`))

	u := <-stream.Updates()
	require.NotNil(t, u.Sample)
	assert.Equal(t, pkg.SourceFusedProvider, u.Sample.Source)
	assert.Equal(t, received, u.Sample.Timestamp)
	assert.Equal(t, "mqtt", u.Sample.Provider)

	u = <-stream.Updates()
	require.NotNil(t, u.Sample)
	assert.Equal(t, pkg.SourceNetwork, u.Sample.Source)
	assert.Equal(t, ts, u.Sample.Timestamp)

	select {
	case u := <-stream.Updates():
		t.Fatalf("unexpected update %+v", u)
	default:
	}

	require.NoError(t, stream.Close())
	assert.False(t, b.deliver("car/fixes/#", "car/fixes/fused", []byte(`{}`)), "unsubscribed on close")
	_, open := <-stream.Updates()
	assert.False(t, open)
}

func TestFixSourceClosesWithContext(t *testing.T) {
	b := newFakeBroker()
	c := newClientWithBroker(enabledConfig(), b, logx.Discard())
	ctx, cancel := context.WithCancel(context.Background())

	stream, err := NewFixSource(c, logx.Discard()).SubscribePosition(ctx, pkg.ModeBalanced)
	require.NoError(t, err)
	cancel()

	select {
	case _, open := <-stream.Updates():
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream not closed on cancel")
	}
}

func TestFixSourceUnavailableWhenDisconnected(t *testing.T) {
	c := NewClient(enabledConfig(), logx.Discard())
	_, err := NewFixSource(c, logx.Discard()).SubscribePosition(context.Background(), pkg.ModeBalanced)
	assert.True(t, errors.Is(err, pkg.ErrProviderUnavailable))
}

func TestMotionSourceIntegratesEvents(t *testing.T) {
	b := newFakeBroker()
	c := newClientWithBroker(enabledConfig(), b, logx.Discard())
	src := NewMotionSource(c, nil, logx.Discard())

	stream, err := src.SubscribeMotion(context.Background())
	require.NoError(t, err)

	events := []sensors.Event{
		{Kind: sensors.KindLinearAcceleration, Values: []float64{0, 1.5, 0}, Timestamp: time.Now()},
	}
	payload, _ := json.Marshal(events)
	require.True(t, b.deliver("car/motion", "car/motion", payload))

	select {
	case m := <-stream.Updates():
		assert.InDelta(t, 1.5, m.LinearAcceleration.Y, 1e-9)
	case <-time.After(time.Second):
		t.Fatal("no motion sample")
	}

	require.NoError(t, stream.Close())
	assert.False(t, b.deliver("car/motion", "car/motion", payload))
}

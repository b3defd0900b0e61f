package mqtt

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	MQTT "github.com/eclipse/paho.mqtt.golang"

	"github.com/markus-lassfolk/precision-location/pkg"
	"github.com/markus-lassfolk/precision-location/pkg/logx"
)

// broker is the part of the paho client this package uses
type broker interface {
	IsConnected() bool
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) MQTT.Token
	Subscribe(topic string, qos byte, callback MQTT.MessageHandler) MQTT.Token
	Unsubscribe(topics ...string) MQTT.Token
}

// Client publishes estimates and session status, and carries the
// subscriptions of the MQTT fix and motion sources
type Client struct {
	client      broker
	logger      *logx.Logger
	config      *Config
	connected   atomic.Bool
	lastPublish atomic.Int64

	// subscriptions are replayed after a reconnect
	subsMu        sync.Mutex
	subscriptions map[string]MQTT.MessageHandler

	// location publishes are capped so a 10 Hz loop cannot flood the broker
	limiter *RateLimiter
	skipped atomic.Uint64
}

// Config holds MQTT configuration
type Config struct {
	Broker      string `json:"broker"`
	Port        int    `json:"port"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
	QoS         int    `json:"qos"`
	Retain      bool   `json:"retain"`
	Enabled     bool   `json:"enabled"`
	// Upper bound on location publishes per second; 0 disables the cap
	MaxLocationRate int `json:"max_location_rate"`
}

// DefaultConfig returns default MQTT configuration
func DefaultConfig() *Config {
	return &Config{
		Broker:          "localhost",
		Port:            1883,
		ClientID:        "precisiond",
		TopicPrefix:     "precision",
		QoS:             0,
		Retain:          false,
		Enabled:         false,
		MaxLocationRate: 2,
	}
}

// Topic joins suffix onto the configured prefix
func (c *Config) Topic(suffix string) string {
	return fmt.Sprintf("%s/%s", c.TopicPrefix, suffix)
}

// NewClient creates a new MQTT client. Connect must be called before
// publishing.
func NewClient(config *Config, logger *logx.Logger) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	c := &Client{
		logger:        logger,
		config:        config,
		subscriptions: make(map[string]MQTT.MessageHandler),
	}
	if config.MaxLocationRate > 0 {
		c.limiter = &RateLimiter{
			maxMessages: config.MaxLocationRate,
			windowSize:  time.Second,
		}
	}
	return c
}

// newClientWithBroker wires an already connected broker, for tests
func newClientWithBroker(config *Config, b broker, logger *logx.Logger) *Client {
	c := NewClient(config, logger)
	c.client = b
	c.connected.Store(b.IsConnected())
	return c
}

// Connect establishes connection to MQTT broker
func (c *Client) Connect() error {
	if !c.config.Enabled {
		c.logger.Debug("MQTT client disabled")
		return nil
	}

	opts := MQTT.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", c.config.Broker, c.config.Port))
	opts.SetClientID(c.config.ClientID)

	if c.config.Username != "" {
		opts.SetUsername(c.config.Username)
		opts.SetPassword(c.config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetWill(c.config.Topic("status"), `{"online":false}`, byte(c.config.QoS), true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetDefaultPublishHandler(c.onMessageReceived)

	client := MQTT.NewClient(opts)
	c.client = client

	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	c.logger.Info("MQTT client connected", map[string]interface{}{
		"broker": c.config.Broker,
		"port":   c.config.Port,
	})

	return nil
}

// Disconnect disconnects from MQTT broker
func (c *Client) Disconnect() error {
	if c.client != nil && c.connected.Swap(false) {
		c.client.Disconnect(250)
		c.logger.Info("MQTT client disconnected", "skipped_locations", c.skipped.Load())
	}
	return nil
}

// onConnect marks the client connected and restores subscriptions
func (c *Client) onConnect(client MQTT.Client) {
	c.connected.Store(true)
	c.logger.Info("MQTT connection established")

	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for topic, handler := range c.subscriptions {
		// must not wait on the token inside the connect handler
		client.Subscribe(topic, byte(c.config.QoS), handler)
	}
}

// onConnectionLost handles MQTT disconnection events
func (c *Client) onConnectionLost(client MQTT.Client, err error) {
	c.connected.Store(false)
	c.logger.Error("MQTT connection lost", map[string]interface{}{
		"error": err.Error(),
	})
}

// onMessageReceived handles messages no subscription claimed
func (c *Client) onMessageReceived(client MQTT.Client, msg MQTT.Message) {
	c.logger.Debug("MQTT message received", map[string]interface{}{
		"topic": msg.Topic(),
		"size":  len(msg.Payload()),
	})
}

// PublishLocation publishes an estimate to <prefix>/location. Publishes
// beyond the configured rate are skipped and counted.
func (c *Client) PublishLocation(loc pkg.PrecisionLocation) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}
	if c.limiter != nil && !c.limiter.Allow() {
		c.skipped.Add(1)
		return nil
	}
	return c.publishJSON(c.config.Topic("location"), loc, c.config.Retain)
}

// PublishStatus publishes session status to <prefix>/status, retained
func (c *Client) PublishStatus(status interface{}) error {
	if !c.config.Enabled || !c.connected.Load() {
		return nil
	}

	payload := map[string]interface{}{
		"online":    true,
		"timestamp": time.Now().UTC(),
		"status":    status,
	}

	return c.publishJSON(c.config.Topic("status"), payload, true)
}

// publishJSON publishes JSON payload to MQTT topic
func (c *Client) publishJSON(topic string, payload interface{}, retain bool) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	token := c.client.Publish(topic, byte(c.config.QoS), retain, data)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", topic, token.Error())
	}

	c.lastPublish.Store(time.Now().UnixNano())
	c.logger.Debug("MQTT message published", map[string]interface{}{
		"topic": topic,
		"size":  len(data),
	})

	return nil
}

// IsConnected returns whether the MQTT client is connected
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.client != nil && c.client.IsConnected()
}

// GetLastPublish returns the timestamp of the last publish
func (c *Client) GetLastPublish() time.Time {
	ns := c.lastPublish.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Skipped returns how many location publishes the rate cap dropped
func (c *Client) Skipped() uint64 {
	return c.skipped.Load()
}

// Subscribe subscribes to an MQTT topic. The subscription is restored
// after reconnects.
func (c *Client) Subscribe(topic string, handler MQTT.MessageHandler) error {
	if !c.config.Enabled || c.client == nil {
		return fmt.Errorf("MQTT client not enabled: %w", pkg.ErrProviderUnavailable)
	}
	if !c.connected.Load() {
		return fmt.Errorf("MQTT client not connected: %w", pkg.ErrProviderUnavailable)
	}

	token := c.client.Subscribe(topic, byte(c.config.QoS), handler)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %v: %w", topic, token.Error(), pkg.ErrProviderUnavailable)
	}

	c.subsMu.Lock()
	c.subscriptions[topic] = handler
	c.subsMu.Unlock()

	c.logger.Info("MQTT subscription created", map[string]interface{}{
		"topic": topic,
	})

	return nil
}

// Unsubscribe unsubscribes from an MQTT topic
func (c *Client) Unsubscribe(topic string) error {
	c.subsMu.Lock()
	delete(c.subscriptions, topic)
	c.subsMu.Unlock()

	if !c.config.Enabled || c.client == nil || !c.connected.Load() {
		return nil
	}

	token := c.client.Unsubscribe(topic)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to unsubscribe from topic %s: %w", topic, token.Error())
	}

	c.logger.Info("MQTT subscription removed", map[string]interface{}{
		"topic": topic,
	})

	return nil
}

// RateLimiter is a fixed-window limiter
type RateLimiter struct {
	mu           sync.Mutex
	lastCheck    time.Time
	messageCount int
	maxMessages  int
	windowSize   time.Duration
	now          func() time.Time
}

// Allow checks if a rate limit allows publishing
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if rl.now != nil {
		now = rl.now()
	}

	// Reset counter if window has passed
	if now.Sub(rl.lastCheck) >= rl.windowSize {
		rl.messageCount = 0
		rl.lastCheck = now
	}

	if rl.messageCount < rl.maxMessages {
		rl.messageCount++
		return true
	}

	return false
}

// Package transport connects the engine to the MQTT broker.
package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"laundry-sync-backend/config"
	"laundry-sync-backend/internal/metrics"
)

// ErrNotConnected is returned by Publish while the broker link is down.
var ErrNotConnected = errors.New("mqtt client not connected")

// Message is one inbound publication.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Client wraps a paho client. Inbound messages are delivered on Messages in the
// order paho hands them over.
type Client struct {
	cfg    config.MQTTConfig
	client mqtt.Client
	log    *zap.Logger
	now    func() time.Time

	messages chan Message
	done     chan struct{}
	mu       sync.RWMutex
	closed   bool
	once     sync.Once
}

// NewClient builds the paho options from cfg. Nothing is dialed until Connect.
func NewClient(cfg config.MQTTConfig, logger *zap.Logger) *Client {
	c := &Client{
		cfg:      cfg,
		log:      logger.Named("mqtt"),
		now:      func() time.Time { return time.Now().UTC() },
		messages: make(chan Message, cfg.BufferSize),
		done:     make(chan struct{}),
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(c.onConnectionLost)
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.log.Info("reconnecting to MQTT broker", zap.String("broker", cfg.Broker))
	})

	c.client = mqtt.NewClient(opts)
	return c
}

// Connect starts the session. If the broker is unreachable within the connect
// timeout the client keeps retrying in the background and Connect returns nil.
func (c *Client) Connect(ctx context.Context) error {
	c.log.Info("connecting to MQTT broker", zap.String("broker", c.cfg.Broker), zap.String("client_id", c.cfg.ClientID))
	token := c.client.Connect()

	timer := time.NewTimer(c.cfg.ConnectTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", c.cfg.Broker, err)
		}
		return nil
	case <-timer.C:
		c.log.Warn("MQTT broker not reachable yet, retrying in background", zap.String("broker", c.cfg.Broker))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages returns the inbound stream. It is closed by Close.
func (c *Client) Messages() <-chan Message {
	return c.messages
}

// Publish hands payload to paho. Delivery failures are only logged.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.cfg.QoS, false, payload)
	go func() {
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
			c.log.Warn("publish failed", zap.String("topic", topic), zap.Error(token.Error()))
		}
	}()
	return nil
}

// IsConnected reports the current link state.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Close disconnects and closes the inbound stream.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.client.Disconnect(250)
		metrics.MQTTUp.Set(0)

		c.mu.Lock()
		c.closed = true
		close(c.messages)
		c.mu.Unlock()
		c.log.Info("MQTT client closed")
	})
}

func (c *Client) subscriptions() map[string]byte {
	return map[string]byte{
		c.cfg.StatusTopic(): c.cfg.QoS,
		c.cfg.ErrorsTopic(): c.cfg.QoS,
		c.cfg.EventsTopic(): c.cfg.QoS,
	}
}

// onConnect subscribes on every (re)connect since the session may be clean.
func (c *Client) onConnect(client mqtt.Client) {
	metrics.MQTTUp.Set(1)
	c.log.Info("connected to MQTT broker")

	filters := c.subscriptions()
	token := client.SubscribeMultiple(filters, c.onMessage)
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		c.log.Error("subscribe timed out")
		return
	}
	if err := token.Error(); err != nil {
		c.log.Error("subscribe failed", zap.Error(err))
		return
	}
	for topic := range filters {
		c.log.Info("MQTT subscribed", zap.String("topic", topic))
	}
}

func (c *Client) onConnectionLost(_ mqtt.Client, err error) {
	metrics.MQTTUp.Set(0)
	c.log.Warn("connection lost", zap.Error(err))
}

func (c *Client) onMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := make([]byte, len(msg.Payload()))
	copy(payload, msg.Payload())
	m := Message{Topic: msg.Topic(), Payload: payload, ReceivedAt: c.now()}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.messages <- m:
	case <-c.done:
	}
}

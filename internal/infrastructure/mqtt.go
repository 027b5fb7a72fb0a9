package infrastructure

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// UplinkHandler processes one inbound device message. iccid is the SIM
// identifier carried in the topic, payload the base64 frame body.
type UplinkHandler func(ctx context.Context, iccid string, payload []byte) error

// MQTTConfig holds MQTT connection settings.
type MQTTConfig struct {
	BrokerURL         string
	ClientID          string
	Username          string
	Password          string
	QoS               byte
	CleanSession      bool
	UplinkTopic       string // e.g. "dev/+/up", second segment is the ICCID
	KeepAlive         time.Duration
	ConnectTimeout    time.Duration
	MaxReconnectDelay time.Duration
	TLSConfig         *tls.Config
}

// MQTTBroker handles the uplink subscription and outbound command publish.
type MQTTBroker struct {
	config    MQTTConfig
	client    mqtt.Client
	logger    *logrus.Logger
	handler   UplinkHandler
	mu        sync.RWMutex
	connected bool
	wg        sync.WaitGroup
}

// NewMQTTBroker creates a broker connection manager.
func NewMQTTBroker(config MQTTConfig, logger *logrus.Logger) (*MQTTBroker, error) {
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("MQTT broker URL is required")
	}
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("monosecom-telemetry-%d", time.Now().UnixNano())
	}
	if config.UplinkTopic == "" {
		config.UplinkTopic = "dev/+/up"
	}

	return &MQTTBroker{
		config: config,
		logger: logger,
	}, nil
}

// SetUplinkHandler registers the handler invoked per inbound message.
func (b *MQTTBroker) SetUplinkHandler(handler UplinkHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Start connects to the broker and subscribes to the uplink topic.
func (b *MQTTBroker) Start() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(b.config.BrokerURL)
	opts.SetClientID(b.config.ClientID)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
	}
	if b.config.Password != "" {
		opts.SetPassword(b.config.Password)
	}

	opts.SetCleanSession(b.config.CleanSession)
	opts.SetKeepAlive(b.config.KeepAlive)
	opts.SetConnectTimeout(b.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(b.config.MaxReconnectDelay)

	if b.config.TLSConfig != nil {
		opts.SetTLSConfig(b.config.TLSConfig)
	}

	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)

	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	b.logger.Info("MQTT broker connection started")
	return nil
}

// Stop gracefully shuts down the broker connection.
func (b *MQTTBroker) Stop() {
	b.logger.Info("Stopping MQTT broker connection...")

	if b.client != nil && b.client.IsConnected() {
		if token := b.client.Unsubscribe(b.config.UplinkTopic); token.Wait() && token.Error() != nil {
			b.logger.WithError(token.Error()).WithField("topic", b.config.UplinkTopic).
				Error("Failed to unsubscribe from uplink topic")
		}
		b.client.Disconnect(250)
	}

	b.wg.Wait()
	b.logger.Info("MQTT broker connection stopped")
}

// IsConnected returns the connection status.
func (b *MQTTBroker) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.connected
}

func (b *MQTTBroker) onConnect(client mqtt.Client) {
	b.mu.Lock()
	b.connected = true
	b.mu.Unlock()

	b.logger.Info("Connected to MQTT broker")

	token := client.Subscribe(b.config.UplinkTopic, b.config.QoS, b.uplinkHandler)
	if token.Wait() && token.Error() != nil {
		b.logger.WithError(token.Error()).WithField("topic", b.config.UplinkTopic).
			Error("Failed to subscribe to uplink topic")
	} else {
		b.logger.WithField("topic", b.config.UplinkTopic).Info("Subscribed to uplink topic")
	}
}

func (b *MQTTBroker) onConnectionLost(client mqtt.Client, err error) {
	b.mu.Lock()
	b.connected = false
	b.mu.Unlock()

	b.logger.WithError(err).Warn("Lost connection to MQTT broker")
}

func (b *MQTTBroker) uplinkHandler(client mqtt.Client, msg mqtt.Message) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.processUplink(msg)
	}()
}

func (b *MQTTBroker) processUplink(msg mqtt.Message) {
	topic := msg.Topic()
	iccid := iccidFromTopic(topic)

	b.logger.WithFields(logrus.Fields{
		"topic": topic,
		"iccid": iccid,
		"size":  len(msg.Payload()),
	}).Debug("Received uplink message")

	b.mu.RLock()
	handler := b.handler
	b.mu.RUnlock()

	if handler == nil {
		b.logger.WithField("topic", topic).Warn("No uplink handler registered")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := handler(ctx, iccid, msg.Payload()); err != nil {
		b.logger.WithError(err).WithFields(logrus.Fields{
			"topic": topic,
			"iccid": iccid,
		}).Error("Failed to process uplink message")
	}
}

// PublishCommand publishes an encoded control command on the device's
// command topic. QoS is at most once and the message is not retained.
func (b *MQTTBroker) PublishCommand(iccid string, payload []byte) error {
	if !b.IsConnected() {
		return fmt.Errorf("MQTT client not connected")
	}

	topic := "cmd/" + iccid
	token := b.client.Publish(topic, 0, false, payload)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to publish command: %w", token.Error())
	}

	return nil
}

// iccidFromTopic extracts the SIM identifier from a "dev/<iccid>/up" topic.
func iccidFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

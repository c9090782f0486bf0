package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	mqttConnectTimeout    = 10 * time.Second
	mqttPublishTimeout    = 5 * time.Second
	mqttSubscribeTimeout  = 5 * time.Second
	mqttDisconnectQuiesce = 250 // ms
	mqttKeepAlive         = 60 * time.Second
	mqttMaxReconnect      = 30 * time.Second
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached
	ErrConnectionFailed = errors.New("bus: mqtt connection failed")

	// ErrPublishFailed is returned when a publish is not acknowledged
	ErrPublishFailed = errors.New("bus: mqtt publish failed")

	// ErrSubscribeFailed is returned when a subscription is rejected
	ErrSubscribeFailed = errors.New("bus: mqtt subscribe failed")
)

// MQTTConfig holds the broker connection parameters
type MQTTConfig struct {
	Broker   string `koanf:"broker" yaml:"broker"`
	ClientID string `koanf:"client_id" yaml:"client_id"`
	Username string `koanf:"username" yaml:"username"`
	Password string `koanf:"password" yaml:"password"`
	QoS      byte   `koanf:"qos" yaml:"qos"`
}

// MQTT is a Transport backed by an MQTT broker.  Subscriptions are restored
// when the client reconnects.
type MQTT struct {
	client pahomqtt.Client
	qos    byte

	mu   sync.RWMutex
	subs map[string]MessageHandler
}

// DialMQTT connects to the broker and returns a Transport
func DialMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.ClientID == "" {
		cfg.ClientID = "lvmscp-" + uuid.NewString()[:8]
	}
	if cfg.QoS > 2 {
		cfg.QoS = 2
	}
	m := &MQTT{qos: cfg.QoS, subs: make(map[string]MessageHandler)}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetMaxReconnectInterval(mqttMaxReconnect)
	opts.SetConnectTimeout(mqttConnectTimeout)
	opts.SetKeepAlive(mqttKeepAlive)
	opts.SetOrderMatters(true)
	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		m.restore()
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Printf("bus: lost connection to %s: %v\n", cfg.Broker, err)
	})

	m.client = pahomqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, mqttConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}
	return m, nil
}

func (m *MQTT) restore() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for topic, h := range m.subs {
		m.client.Subscribe(topic, m.qos, wrap(h))
	}
}

func wrap(h MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		deliver(h, message{topic: msg.Topic(), payload: msg.Payload()})
	}
}

// Publish sends payload to topic and waits for the broker to acknowledge it
func (m *MQTT) Publish(topic string, payload []byte) error {
	token := m.client.Publish(topic, m.qos, false, payload)
	if !token.WaitTimeout(mqttPublishTimeout) {
		return fmt.Errorf("%w: %s: timeout", ErrPublishFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, err)
	}
	return nil
}

// Subscribe registers handler for a topic filter
func (m *MQTT) Subscribe(topic string, handler MessageHandler) error {
	m.mu.Lock()
	m.subs[topic] = handler
	m.mu.Unlock()
	token := m.client.Subscribe(topic, m.qos, wrap(handler))
	if !token.WaitTimeout(mqttSubscribeTimeout) {
		return fmt.Errorf("%w: %s: timeout", ErrSubscribeFailed, topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Close disconnects from the broker
func (m *MQTT) Close() error {
	if m.client != nil {
		m.client.Disconnect(mqttDisconnectQuiesce)
	}
	return nil
}

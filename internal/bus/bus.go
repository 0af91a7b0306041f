// Package bus wraps the MQTT connection to the broker: connect with
// jittered backoff, re-subscribe after reconnects, ordered per-topic
// publish confirmed at the requested QoS.
package bus

import (
	"context"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/lab-platform/labhub/pkg/retry"
)

const (
	maxReconnectInterval = 30 * time.Second
	disconnectQuiesceMs  = 250
)

// Handler receives one inbound message. Handlers run on the subscriber's
// dispatch goroutines, not on the MQTT network loop.
type Handler func(ctx context.Context, topic string, payload []byte)

// Client is the transport contract the rest of the orchestrator depends on.
type Client interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Subscribe(topic string, qos byte, handler Handler) error
	Connected() bool
	Close()
}

// Metrics is implemented by the instrumentation package; a nil Metrics
// disables counting.
type Metrics interface {
	InboundMessage(topic string, size int)
	OutboundMessage(topic string, size int)
	PublishDuration(d time.Duration)
	ConnectionState(connected bool)
}

type subscription struct {
	qos     byte
	handler Handler
}

type MQTT struct {
	log     logrus.FieldLogger
	ctx     context.Context
	client  mqtt.Client
	metrics Metrics

	mu   sync.Mutex
	subs map[string]subscription
}

var _ Client = (*MQTT)(nil)

// NewMQTT connects to the broker, retrying with the bus policy. The
// returned client auto-reconnects with backoff capped at 30s and restores
// all subscriptions on each successful connect.
func NewMQTT(ctx context.Context, log logrus.FieldLogger, brokerURL, clientID, username, password string, metrics Metrics) (*MQTT, error) {
	m := &MQTT{
		log:     log,
		ctx:     ctx,
		metrics: metrics,
		subs:    make(map[string]subscription),
	}

	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(maxReconnectInterval).
		SetOrderMatters(true).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(m.onConnectionLost)
	if username != "" {
		opts.SetUsername(username).SetPassword(password)
	}

	m.client = mqtt.NewClient(opts)

	err := retry.Do(ctx, retry.Bus(), log, "mqtt connect", func(ctx context.Context) error {
		return m.waitToken(ctx, m.client.Connect())
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *MQTT) onConnect(_ mqtt.Client) {
	m.log.Infof("connected to MQTT broker")
	if m.metrics != nil {
		m.metrics.ConnectionState(true)
	}

	m.mu.Lock()
	subs := make(map[string]subscription, len(m.subs))
	for topic, sub := range m.subs {
		subs[topic] = sub
	}
	m.mu.Unlock()

	for topic, sub := range subs {
		if token := m.client.Subscribe(topic, sub.qos, m.callback(sub.handler)); token.Wait() && token.Error() != nil {
			m.log.Errorf("re-subscribe to %s failed: %v", topic, token.Error())
		}
	}
}

func (m *MQTT) onConnectionLost(_ mqtt.Client, err error) {
	m.log.Warnf("MQTT connection lost: %v", err)
	if m.metrics != nil {
		m.metrics.ConnectionState(false)
	}
}

func (m *MQTT) callback(handler Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		if m.metrics != nil {
			m.metrics.InboundMessage(msg.Topic(), len(msg.Payload()))
		}
		handler(m.ctx, msg.Topic(), msg.Payload())
	}
}

// Publish sends payload and returns once the broker accepted the message
// at the requested QoS, or the context expires.
func (m *MQTT) Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	start := time.Now()
	token := m.client.Publish(topic, qos, retain, payload)
	if err := m.waitToken(ctx, token); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.OutboundMessage(topic, len(payload))
		m.metrics.PublishDuration(time.Since(start))
	}
	return nil
}

// Subscribe registers a handler for a topic pattern. The subscription is
// remembered and restored after reconnects.
func (m *MQTT) Subscribe(topic string, qos byte, handler Handler) error {
	m.mu.Lock()
	m.subs[topic] = subscription{qos: qos, handler: handler}
	m.mu.Unlock()

	token := m.client.Subscribe(topic, qos, m.callback(handler))
	return m.waitToken(m.ctx, token)
}

func (m *MQTT) Connected() bool {
	return m.client.IsConnectionOpen()
}

func (m *MQTT) Close() {
	m.client.Disconnect(disconnectQuiesceMs)
	if m.metrics != nil {
		m.metrics.ConnectionState(false)
	}
}

func (m *MQTT) waitToken(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

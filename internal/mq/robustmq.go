package mq

import (
	"fmt"
	"time"

	"chat-loadtest/internal/logger"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type RobustMQ struct {
	client mqtt.Client
	qos    byte
}

type RobustMQConfig struct {
	Broker   string
	ClientID string
	Username string
	Password string
	QoS      byte
}

// NewRobustMQOptions builds the paho client options for cfg.
func NewRobustMQOptions(cfg *RobustMQConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetUsername(cfg.Username)
	opts.SetPassword(cfg.Password)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info(logger.TagSink, "✅ Connected to MQTT broker %s", cfg.Broker)
	})

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warn(logger.TagSink, "⚠️ MQTT connection lost: %v", err)
	})
	return opts
}

// NewRobustMQ connects to the broker; unlike a service it returns the error
// so the load test can run without the sink.
func NewRobustMQ(cfg *RobustMQConfig) (*RobustMQ, error) {
	client := mqtt.NewClient(NewRobustMQOptions(cfg))
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect mqtt broker %s: %w", cfg.Broker, token.Error())
	}
	return &RobustMQ{client: client, qos: cfg.QoS}, nil
}

// Publish sends data to a MQTT topic
func (r *RobustMQ) Publish(topic string, payload []byte) error {
	token := r.client.Publish(topic, r.qos, false, payload)
	token.Wait()
	if token.Error() != nil {
		return fmt.Errorf("mqtt publish error: %w", token.Error())
	}
	return nil
}

// Subscribe forwards a topic to the returned channel. Messages arriving
// while the channel is full are dropped so the paho router never blocks.
func (r *RobustMQ) Subscribe(topic string) (<-chan *Message, error) {
	msgChan := make(chan *Message, 100)

	token := r.client.Subscribe(topic, r.qos, func(client mqtt.Client, msg mqtt.Message) {
		select {
		case msgChan <- &Message{Topic: msg.Topic(), Payload: msg.Payload()}:
		default:
			logger.Warn(logger.TagSink, "mqtt %s: consumer full, dropping message", msg.Topic())
		}
	})

	token.Wait()
	if token.Error() != nil {
		return nil, fmt.Errorf("mqtt subscribe error: %w", token.Error())
	}

	return msgChan, nil
}

func (r *RobustMQ) Close() error {
	r.client.Disconnect(250)
	return nil
}

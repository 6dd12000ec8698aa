// Package mq carries payloads over redis pub/sub or MQTT. The load test
// publishes metric events through it; the chat server uses both halves as
// its cross-instance relay.
package mq

// Message is one payload received on a topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Producer publishes to a topic. Implementations are safe for concurrent use.
type Producer interface {
	Publish(topic string, payload []byte) error
}

// Consumer delivers the payloads of a topic on a channel until Close.
type Consumer interface {
	Subscribe(topic string) (<-chan *Message, error)
	Close() error
}

package mq

import (
	"errors"
	"sync"
	"testing"
	"time"

	"chat-loadtest/internal/eventlog"
	"chat-loadtest/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ Producer = (*RedisMQ)(nil)
	_ Consumer = (*RedisMQ)(nil)
	_ Producer = (*RobustMQ)(nil)
	_ Consumer = (*RobustMQ)(nil)
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisMQRoundTrip(t *testing.T) {
	mq := NewRedisMQ(newRedis(t))
	defer mq.Close()

	ch, err := mq.Subscribe("loadtest:metrics")
	require.NoError(t, err)

	require.NoError(t, mq.Publish("loadtest:metrics", []byte("hello")))

	select {
	case msg := <-ch:
		assert.Equal(t, "loadtest:metrics", msg.Topic)
		assert.Equal(t, []byte("hello"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []Message
	err      error
}

func (p *fakeProducer) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, Message{Topic: topic, Payload: payload})
	return nil
}

func TestMetricSinkPublishesEncodedEvents(t *testing.T) {
	p := &fakeProducer{}
	sink := NewMetricSink(p, "metrics", "run-9")

	sink.Record(model.NewSuccess(3, time.Now(), 15))

	require.Len(t, p.messages, 1)
	assert.Equal(t, "metrics", p.messages[0].Topic)
	s, err := eventlog.Decode(p.messages[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "run-9", s.GetFields()["run_id"].GetStringValue())
	assert.Equal(t, 15.0, s.GetFields()["response_length"].GetNumberValue())
	assert.Zero(t, sink.Dropped())
}

func TestMetricSinkCountsDrops(t *testing.T) {
	sink := NewMetricSink(&fakeProducer{err: errors.New("down")}, "metrics", "run")
	sink.Record(model.NewSuccess(1, time.Now(), 1))
	sink.Record(model.NewSuccess(1, time.Now(), 1))
	assert.Equal(t, uint64(2), sink.Dropped())
}

func TestMetricSinkOverRedis(t *testing.T) {
	mq := NewRedisMQ(newRedis(t))
	defer mq.Close()
	ch, err := mq.Subscribe("metrics")
	require.NoError(t, err)

	NewMetricSink(mq, "metrics", "run-r").Record(model.NewSuccess(1, time.Now(), 8))

	select {
	case msg := <-ch:
		s, err := eventlog.Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, 8.0, s.GetFields()["response_length"].GetNumberValue())
	case <-time.After(2 * time.Second):
		t.Fatal("metric not delivered")
	}
}

func TestRobustMQOptions(t *testing.T) {
	opts := NewRobustMQOptions(&RobustMQConfig{
		Broker:   "tcp://127.0.0.1:1883",
		ClientID: "loadtest-1",
		Username: "u",
		Password: "p",
	})
	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "127.0.0.1:1883", opts.Servers[0].Host)
	assert.Equal(t, "loadtest-1", opts.ClientID)
	assert.Equal(t, "u", opts.Username)
	assert.True(t, opts.AutoReconnect)
}

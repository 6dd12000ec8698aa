package main

import (
	"context"
	"testing"
	"time"

	"chat-loadtest/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildWithRedisPresence(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Server{HandshakeTimeout: time.Second, PresenceTTL: time.Minute}
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	cfg.Redis.Addr = mr.Addr()

	srv, cleanup, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()
	assert.NotEqual(t, uuid.Nil, srv.InstanceID())
}

func TestBuildRelaysOverRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := &config.Server{HandshakeTimeout: time.Second, PresenceTTL: time.Minute, PingInterval: time.Second}
	cfg.Server.Host = "127.0.0.1"
	cfg.Redis.Addr = mr.Addr()
	cfg.Bus.Topic = "chat.bus"

	srv, cleanup, err := build(context.Background(), cfg)
	require.NoError(t, err)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, srv.Start(ctx))
	assert.Eventually(t, func() bool {
		return len(mr.PubSubChannels("chat.bus")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBuildMQTTBusUnavailable(t *testing.T) {
	cfg := &config.Server{}
	cfg.Bus.MQTT.Broker = "tcp://127.0.0.1:1"
	_, _, err := build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBuildRedisUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	cfg := &config.Server{}
	cfg.Redis.Addr = addr
	_, _, err := build(context.Background(), cfg)
	assert.Error(t, err)
}

func TestBuildInvalidDSN(t *testing.T) {
	cfg := &config.Server{}
	cfg.Database.DSN = "postgres://%zz"
	_, _, err := build(context.Background(), cfg)
	assert.Error(t, err)
}

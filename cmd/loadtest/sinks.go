package main

import (
	"context"
	"fmt"

	"chat-loadtest/internal/config"
	"chat-loadtest/internal/eventlog"
	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/mq"
	"chat-loadtest/internal/scenario"
	"chat-loadtest/internal/tally"

	redisv8 "github.com/go-redis/redis/v8"
	"github.com/redis/go-redis/v9"
)

// sinks 可选的结果输出端，按配置开启
type sinks struct {
	reporters []scenario.Reporter
	closers   []func() error

	tally     *tally.Counter
	published []*mq.MetricSink
}

func openSinks(ctx context.Context, cfg *config.LoadTest, runID string) (*sinks, error) {
	s := &sinks{}

	if cfg.Events != "" {
		w, err := eventlog.Create(runID, cfg.Events)
		if err != nil {
			return nil, err
		}
		s.add(w, w.Close)
		logger.Info(logger.TagSink, "📝 Writing events to %s", cfg.Events)
	}

	if rc := cfg.Sinks.Redis; rc.Addr != "" {
		client := redisv8.NewClient(&redisv8.Options{Addr: rc.Addr, Password: rc.Password})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			s.Close()
			return nil, fmt.Errorf("redis sink %s: %w", rc.Addr, err)
		}
		producer := mq.NewRedisMQ(client)
		sink := mq.NewMetricSink(producer, rc.Topic, runID)
		s.published = append(s.published, sink)
		s.add(sink, func() error {
			producer.Close()
			return client.Close()
		})
		logger.Info(logger.TagSink, "📡 Publishing metrics to redis %s channel %s", rc.Addr, rc.Topic)
	}

	if mc := cfg.Sinks.MQTT; mc.Broker != "" {
		clientID := mc.ClientID
		if clientID == "" {
			clientID = "loadtest-" + runID
		}
		producer, err := mq.NewRobustMQ(&mq.RobustMQConfig{
			Broker:   mc.Broker,
			ClientID: clientID,
			Username: mc.Username,
			Password: mc.Password,
			QoS:      mc.QoS,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		sink := mq.NewMetricSink(producer, mc.Topic, runID)
		s.published = append(s.published, sink)
		s.add(sink, producer.Close)
		logger.Info(logger.TagSink, "📡 Publishing metrics to mqtt %s topic %s", mc.Broker, mc.Topic)
	}

	if tc := cfg.Sinks.Tally; tc.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: tc.Addr, Password: tc.Password})
		counter := tally.NewCounter(rdb, runID)
		if err := counter.Reset(ctx); err != nil {
			rdb.Close()
			s.Close()
			return nil, err
		}
		s.tally = counter
		s.add(counter, rdb.Close)
		logger.Info(logger.TagSink, "🧮 Counting outcomes in redis %s key %s", tc.Addr, tally.Key(runID))
	}

	return s, nil
}

func (s *sinks) add(r scenario.Reporter, closer func() error) {
	s.reporters = append(s.reporters, r)
	s.closers = append(s.closers, closer)
}

// Close 逆序关闭，返回第一个错误
func (s *sinks) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	s.closers = nil
	return first
}

// dropped 发布失败的事件总数
func (s *sinks) dropped() uint64 {
	var n uint64
	for _, p := range s.published {
		n += p.Dropped()
	}
	return n
}

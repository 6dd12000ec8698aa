package mq

import (
	"sync/atomic"

	"chat-loadtest/internal/eventlog"
	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/model"
)

// MetricSink publishes every metric to a topic. Publish errors are logged
// and counted, never propagated to the iteration.
type MetricSink struct {
	producer Producer
	topic    string
	runID    string
	dropped  atomic.Uint64
}

func NewMetricSink(p Producer, topic, runID string) *MetricSink {
	return &MetricSink{producer: p, topic: topic, runID: runID}
}

// Record implements scenario.Reporter.
func (s *MetricSink) Record(m model.RequestMetric) {
	payload, err := eventlog.Encode(s.runID, m)
	if err == nil {
		err = s.producer.Publish(s.topic, payload)
	}
	if err != nil {
		if s.dropped.Add(1) == 1 {
			logger.Warn(logger.TagSink, "publish to %s failed: %v", s.topic, err)
		}
	}
}

// Dropped returns the number of metrics that could not be published.
func (s *MetricSink) Dropped() uint64 { return s.dropped.Load() }

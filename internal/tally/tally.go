// Package tally keeps per-run outcome counters in a Redis hash so several
// load generator processes can be checked against one total.
package tally

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/model"
	"chat-loadtest/internal/scenario"

	"github.com/redis/go-redis/v9"
)

const (
	FieldSuccess = "success"
	FieldFailure = "failure"
	FieldBytes   = "bytes"
)

// Counter increments stress:<runID> fields for every metric.
type Counter struct {
	rdb     *redis.Client
	key     string
	timeout time.Duration
}

func Key(runID string) string { return "stress:" + runID }

func NewCounter(rdb *redis.Client, runID string) *Counter {
	return &Counter{rdb: rdb, key: Key(runID), timeout: 2 * time.Second}
}

// Reset clears any counters left from an earlier run with the same ID.
func (c *Counter) Reset(ctx context.Context) error {
	if err := c.rdb.Del(ctx, c.key).Err(); err != nil {
		return fmt.Errorf("reset %s: %w", c.key, err)
	}
	return nil
}

// Record implements scenario.Reporter.
func (c *Counter) Record(m model.RequestMetric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	pipe := c.rdb.TxPipeline()
	if m.Success() {
		pipe.HIncrBy(ctx, c.key, FieldSuccess, 1)
		pipe.HIncrBy(ctx, c.key, FieldBytes, int64(m.ResponseLength))
	} else {
		pipe.HIncrBy(ctx, c.key, FieldFailure, 1)
		kind := "Other"
		if k, ok := scenario.KindOf(m.Exception); ok {
			kind = k.String()
		}
		pipe.HIncrBy(ctx, c.key, FieldFailure+":"+kind, 1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn(logger.TagSink, "tally %s: %v", c.key, err)
	}
}

// Read returns all counters of the run.
func (c *Counter) Read(ctx context.Context) (map[string]int64, error) {
	raw, err := c.rdb.HGetAll(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.key, err)
	}
	out := make(map[string]int64, len(raw))
	for k, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

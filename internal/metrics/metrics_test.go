package metrics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"chat-loadtest/internal/model"

	"github.com/stretchr/testify/assert"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRecord(t *testing.T) {
	var m Metrics
	m.Record(model.RequestMetric{ResponseLength: 15, ResponseTime: 3})
	m.Record(model.RequestMetric{ResponseTime: 1500, Exception: errors.New("x")})

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.Iterations)
	assert.Equal(t, uint64(1), s.Successes)
	assert.Equal(t, uint64(1), s.Failures)
	assert.Equal(t, uint64(15), s.BytesRecv)
	assert.Equal(t, uint64(1), s.SlowIterations)
}

func TestUserCounters(t *testing.T) {
	var m Metrics
	m.UserStarted()
	m.UserStarted()
	m.UserStopped()
	m.IncrementPanics()

	s := m.Snapshot()
	assert.Equal(t, uint64(2), s.UsersSpawned)
	assert.Equal(t, uint64(1), s.UsersActive)
	assert.Equal(t, uint64(1), s.PanicsFixed)
	assert.Equal(t, "users=1/2 iterations=0 ok=0 fail=0 slow=0", m.String())
}

func TestPeriodicReport(t *testing.T) {
	var m Metrics
	var out syncBuffer
	ctx, cancel := context.WithCancel(context.Background())
	m.StartPeriodicReport(ctx, &out, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return strings.Contains(out.String(), "iterations=0")
	}, time.Second, 5*time.Millisecond)
	cancel()
}

package statistics

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"chat-loadtest/internal/model"
	"chat-loadtest/internal/scenario"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func success(rt int64, length int) model.RequestMetric {
	return model.RequestMetric{
		RequestType:    model.RequestTypeWS,
		Name:           model.NameConnect,
		ResponseTime:   rt,
		ResponseLength: length,
	}
}

func failure(rt int64, err error) model.RequestMetric {
	return model.RequestMetric{
		RequestType:  model.RequestTypeWS,
		Name:         model.NameConnect,
		ResponseTime: rt,
		Exception:    err,
	}
}

func TestCollectAndSummarize(t *testing.T) {
	s := NewStatistics(2)
	s.Start()
	for i := int64(1); i <= 10; i++ {
		s.Record(success(i*10, 15))
	}
	s.Record(failure(10000, &scenario.Failure{Kind: scenario.KindTimeout, Msg: "connect"}))
	s.Record(failure(2, &scenario.Failure{Kind: scenario.KindProtocol, Msg: "hello", Err: scenario.ErrUnexpectedHello}))
	s.Record(failure(1, errors.New("plain")))
	s.Stop()

	sum := s.Summary()
	assert.Equal(t, uint64(13), sum.Requests)
	assert.Equal(t, uint64(10), sum.Successes)
	assert.Equal(t, uint64(3), sum.Failures)
	assert.Equal(t, uint64(150), sum.BytesReceived)
	assert.InDelta(t, 76.92, sum.SuccessRate, 0.01)

	assert.Equal(t, int64(10), sum.LatencyMS.Min)
	assert.Equal(t, int64(100), sum.LatencyMS.Max)
	assert.InDelta(t, 55.0, sum.LatencyMS.Avg, 0.001)
	assert.Equal(t, int64(50), sum.LatencyMS.P50)
	assert.Equal(t, int64(90), sum.LatencyMS.P90)
	assert.Equal(t, int64(100), sum.LatencyMS.P99)

	assert.Equal(t, map[string]uint64{
		"TimeoutError":           1,
		"ProtocolAssertionError": 1,
		"Other":                  1,
	}, sum.FailureKinds)
	assert.Len(t, sum.Errors, 3)
	assert.Zero(t, sum.Violations)
}

func TestErrorsAreCapped(t *testing.T) {
	s := NewStatistics(1)
	s.Start()
	for i := 0; i < maxErrors+5; i++ {
		s.Record(failure(1, errors.New("refused")))
	}
	s.Stop()

	sum := s.Summary()
	assert.Equal(t, uint64(maxErrors+5), sum.Failures)
	assert.Len(t, sum.Errors, maxErrors)
	assert.Zero(t, sum.LatencyMS)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(success(0, 15)))
	assert.NoError(t, Validate(failure(5, errors.New("x"))))

	bad := failure(5, errors.New("x"))
	bad.ResponseLength = 3
	assert.Error(t, Validate(bad))

	assert.Error(t, Validate(success(-1, 0)))

	other := success(1, 1)
	other.Name = "/other"
	assert.Error(t, Validate(other))
}

func TestViolationsCounted(t *testing.T) {
	s := NewStatistics(1)
	s.Start()
	bad := failure(5, errors.New("x"))
	bad.ResponseLength = 3
	s.Record(bad)
	s.Stop()
	assert.Equal(t, uint64(1), s.Summary().Violations)
}

func TestPercentile(t *testing.T) {
	assert.Zero(t, percentile(nil, 50))
	assert.Equal(t, int64(7), percentile([]int64{7}, 99))
	assert.Equal(t, int64(1), percentile([]int64{1, 2}, 50))
	assert.Equal(t, int64(2), percentile([]int64{1, 2}, 51))
}

func TestPrintReport(t *testing.T) {
	s := NewStatistics(1)
	s.Start()
	s.Record(success(12, 15))
	s.Record(failure(3, &scenario.Failure{Kind: scenario.KindConnection, Msg: "connect"}))
	s.Stop()

	var buf bytes.Buffer
	s.PrintReport(&buf)
	out := buf.String()
	assert.Contains(t, out, "总请求数:        2")
	assert.Contains(t, out, "ConnectionError:")
	assert.Contains(t, out, "最小延迟:        12ms")
	assert.Contains(t, out, "1. ConnectionError: connect")
}

func TestWriteYAML(t *testing.T) {
	s := NewStatistics(3)
	s.Start()
	s.Record(success(20, 15))
	s.Stop()

	path := filepath.Join(t.TempDir(), "report.yaml")
	require.NoError(t, s.WriteYAML(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got Summary
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, uint64(3), got.Users)
	assert.Equal(t, uint64(1), got.Successes)
	assert.Equal(t, int64(20), got.LatencyMS.P99)
	assert.GreaterOrEqual(t, got.DurationSec, 0.0)
	assert.WithinDuration(t, time.Now(), s.endTime, time.Minute)
}

func TestBufferSizeCapped(t *testing.T) {
	tests := []struct {
		users uint64
		want  int
	}{
		{users: 0, want: 10},
		{users: 1, want: 10},
		{users: 100, want: 1000},
		{users: 409, want: 4090},
		{users: 410, want: maxBuffer},
		{users: 1_000_000, want: maxBuffer},
		{users: math.MaxUint64/10 + 1, want: maxBuffer},
		{users: math.MaxUint64, want: maxBuffer},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bufferSize(tt.users), "users=%d", tt.users)
	}

	s := NewStatistics(math.MaxUint64)
	assert.Equal(t, maxBuffer, cap(s.resultChan))
}

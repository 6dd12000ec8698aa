package metrics

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"chat-loadtest/internal/model"
)

// Metrics 压测过程中的实时计数器
type Metrics struct {
	// 用户统计
	UsersSpawned uint64
	UsersActive  uint64

	// 迭代统计
	Iterations  uint64
	Successes   uint64
	Failures    uint64
	BytesRecv   uint64
	PanicsFixed uint64

	// 性能统计
	SlowIterations uint64 // 耗时 > SlowThreshold 的迭代数
}

// SlowThreshold 慢迭代阈值
const SlowThreshold = time.Second

// Record 实现 scenario.Reporter
func (m *Metrics) Record(metric model.RequestMetric) {
	atomic.AddUint64(&m.Iterations, 1)
	if metric.Success() {
		atomic.AddUint64(&m.Successes, 1)
		atomic.AddUint64(&m.BytesRecv, uint64(metric.ResponseLength))
	} else {
		atomic.AddUint64(&m.Failures, 1)
	}
	if time.Duration(metric.ResponseTime)*time.Millisecond > SlowThreshold {
		atomic.AddUint64(&m.SlowIterations, 1)
	}
}

// UserStarted 增加活跃用户数
func (m *Metrics) UserStarted() {
	atomic.AddUint64(&m.UsersSpawned, 1)
	atomic.AddUint64(&m.UsersActive, 1)
}

// UserStopped 减少活跃用户数
func (m *Metrics) UserStopped() {
	atomic.AddUint64(&m.UsersActive, ^uint64(0)) // -1
}

// IncrementPanics 增加被恢复的 panic 数
func (m *Metrics) IncrementPanics() {
	atomic.AddUint64(&m.PanicsFixed, 1)
}

// Snapshot 返回当前计数的拷贝
func (m *Metrics) Snapshot() Metrics {
	return Metrics{
		UsersSpawned:   atomic.LoadUint64(&m.UsersSpawned),
		UsersActive:    atomic.LoadUint64(&m.UsersActive),
		Iterations:     atomic.LoadUint64(&m.Iterations),
		Successes:      atomic.LoadUint64(&m.Successes),
		Failures:       atomic.LoadUint64(&m.Failures),
		BytesRecv:      atomic.LoadUint64(&m.BytesRecv),
		PanicsFixed:    atomic.LoadUint64(&m.PanicsFixed),
		SlowIterations: atomic.LoadUint64(&m.SlowIterations),
	}
}

// String 单行进度
func (m *Metrics) String() string {
	s := m.Snapshot()
	return fmt.Sprintf("users=%d/%d iterations=%d ok=%d fail=%d slow=%d",
		s.UsersActive, s.UsersSpawned, s.Iterations, s.Successes, s.Failures, s.SlowIterations)
}

// StartPeriodicReport 启动定期进度输出，ctx 结束时停止
func (m *Metrics) StartPeriodicReport(ctx context.Context, w io.Writer, interval time.Duration) {
	ticker := time.NewTicker(interval)
	start := time.Now()
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				fmt.Fprintf(w, "[%s] %s\n", time.Since(start).Round(time.Second), m)
			case <-ctx.Done():
				return
			}
		}
	}()
}

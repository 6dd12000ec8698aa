package statistics

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/model"
	"chat-loadtest/internal/scenario"

	"gopkg.in/yaml.v3"
)

// maxErrors 报告中保留的失败详情条数
const maxErrors = 10

// Statistics 统计信息收集器
type Statistics struct {
	users      uint64    // 并发用户数
	startTime  time.Time // 开始时间
	endTime    time.Time // 结束时间
	resultChan chan model.RequestMetric
	wg         sync.WaitGroup

	mu           sync.Mutex
	successCount uint64
	failureCount uint64
	totalBytes   uint64
	totalLatency int64   // 总延迟(毫秒)
	minLatency   int64   // 最小延迟(毫秒)
	maxLatency   int64   // 最大延迟(毫秒)
	latencies    []int64 // 全部样本，用于分位数
	failures     map[string]uint64
	errors       []string
	violations   uint64
}

// Summary 汇总结果，可导出为 YAML
type Summary struct {
	Users         uint64            `yaml:"users"`
	Requests      uint64            `yaml:"requests"`
	Successes     uint64            `yaml:"successes"`
	Failures      uint64            `yaml:"failures"`
	SuccessRate   float64           `yaml:"success_rate"`
	DurationSec   float64           `yaml:"duration_seconds"`
	Throughput    float64           `yaml:"throughput_rps"`
	BytesReceived uint64            `yaml:"bytes_received"`
	LatencyMS     LatencySummary    `yaml:"latency_ms"`
	FailureKinds  map[string]uint64 `yaml:"failure_kinds,omitempty"`
	Errors        []string          `yaml:"errors,omitempty"`
	Violations    uint64            `yaml:"invalid_metrics"`
}

// LatencySummary 成功请求的延迟分布（毫秒）
type LatencySummary struct {
	Min int64   `yaml:"min"`
	Avg float64 `yaml:"avg"`
	Max int64   `yaml:"max"`
	P50 int64   `yaml:"p50"`
	P90 int64   `yaml:"p90"`
	P99 int64   `yaml:"p99"`
}

// NewStatistics 创建新的统计收集器
func NewStatistics(users uint64) *Statistics {
	return &Statistics{
		users:      users,
		resultChan: make(chan model.RequestMetric, bufferSize(users)),
		minLatency: -1,
		failures:   make(map[string]uint64),
	}
}

// maxBuffer 结果通道容量上限
const maxBuffer = 4096

// bufferSize 每个用户 10 个槽位，至少 10，至多 maxBuffer
func bufferSize(users uint64) int {
	switch {
	case users == 0:
		return 10
	case users > maxBuffer/10:
		return maxBuffer
	default:
		return int(users * 10)
	}
}

// Start 开始统计
func (s *Statistics) Start() {
	s.startTime = time.Now()
	s.wg.Add(1)
	go s.collect()
}

// Record 实现 scenario.Reporter；Stop 之后不得再调用
func (s *Statistics) Record(m model.RequestMetric) {
	s.resultChan <- m
}

// Stop 停止统计，等待已提交的结果全部处理完
func (s *Statistics) Stop() {
	close(s.resultChan)
	s.wg.Wait()
	s.endTime = time.Now()
}

// collect 收集结果
func (s *Statistics) collect() {
	defer s.wg.Done()
	for m := range s.resultChan {
		s.add(m)
	}
}

func (s *Statistics) add(m model.RequestMetric) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := Validate(m); err != nil {
		s.violations++
		logger.Warn(logger.TagStats, "invalid metric from user %d: %v", m.UserID, err)
	}

	if m.Success() {
		s.successCount++
		s.totalBytes += uint64(m.ResponseLength)
		s.totalLatency += m.ResponseTime
		if s.minLatency < 0 || m.ResponseTime < s.minLatency {
			s.minLatency = m.ResponseTime
		}
		if m.ResponseTime > s.maxLatency {
			s.maxLatency = m.ResponseTime
		}
		s.latencies = append(s.latencies, m.ResponseTime)
		return
	}

	s.failureCount++
	s.failures[failureKind(m.Exception)]++
	if len(s.errors) < maxErrors {
		s.errors = append(s.errors, m.Exception.Error())
	}
}

func failureKind(err error) string {
	if kind, ok := scenario.KindOf(err); ok {
		return kind.String()
	}
	return "Other"
}

// Validate 检查单条指标是否满足上报约束
func Validate(m model.RequestMetric) error {
	if m.ResponseTime < 0 {
		return fmt.Errorf("negative response time %d", m.ResponseTime)
	}
	if m.RequestType != model.RequestTypeWS || m.Name != model.NameConnect {
		return fmt.Errorf("unexpected request %s %s", m.RequestType, m.Name)
	}
	if !m.Success() && m.ResponseLength != 0 {
		return errors.New("failed request with non-zero response length")
	}
	return nil
}

// Summary 返回当前汇总
func (s *Statistics) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	duration := end.Sub(s.startTime).Seconds()

	sum := Summary{
		Users:         s.users,
		Requests:      s.successCount + s.failureCount,
		Successes:     s.successCount,
		Failures:      s.failureCount,
		DurationSec:   duration,
		BytesReceived: s.totalBytes,
		Errors:        append([]string(nil), s.errors...),
		Violations:    s.violations,
	}
	if sum.Requests > 0 {
		sum.SuccessRate = float64(s.successCount) * 100 / float64(sum.Requests)
	}
	if duration > 0 {
		sum.Throughput = float64(s.successCount) / duration
	}
	if len(s.failures) > 0 {
		sum.FailureKinds = make(map[string]uint64, len(s.failures))
		for k, v := range s.failures {
			sum.FailureKinds[k] = v
		}
	}
	if s.successCount > 0 {
		sorted := append([]int64(nil), s.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		sum.LatencyMS = LatencySummary{
			Min: s.minLatency,
			Avg: float64(s.totalLatency) / float64(s.successCount),
			Max: s.maxLatency,
			P50: percentile(sorted, 50),
			P90: percentile(sorted, 90),
			P99: percentile(sorted, 99),
		}
	}
	return sum
}

// percentile 最近秩法，sorted 必须已升序
func percentile(sorted []int64, p int) int64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// PrintReport 打印报告
func (s *Statistics) PrintReport(w io.Writer) {
	sum := s.Summary()

	fmt.Fprintln(w)
	fmt.Fprintln(w, "========================================")
	fmt.Fprintln(w, "         压力测试结果汇总")
	fmt.Fprintln(w, "========================================")
	fmt.Fprintf(w, "模拟用户数:      %d\n", sum.Users)
	fmt.Fprintf(w, "总请求数:        %d\n", sum.Requests)
	fmt.Fprintln(w, "----------------------------------------")
	fmt.Fprintf(w, "成功:            %d (%.2f%%)\n", sum.Successes, sum.SuccessRate)
	fmt.Fprintf(w, "失败:            %d\n", sum.Failures)
	for kind, n := range sum.FailureKinds {
		fmt.Fprintf(w, "  %-22s %d\n", kind+":", n)
	}
	fmt.Fprintln(w, "----------------------------------------")
	fmt.Fprintf(w, "测试时长:        %.2f 秒\n", sum.DurationSec)
	fmt.Fprintf(w, "吞吐量:          %.2f 请求/秒\n", sum.Throughput)
	fmt.Fprintf(w, "接收字节:        %d\n", sum.BytesReceived)
	fmt.Fprintln(w, "----------------------------------------")

	if sum.Successes > 0 {
		fmt.Fprintf(w, "平均延迟:        %.1fms\n", sum.LatencyMS.Avg)
		fmt.Fprintf(w, "最小延迟:        %dms\n", sum.LatencyMS.Min)
		fmt.Fprintf(w, "最大延迟:        %dms\n", sum.LatencyMS.Max)
		fmt.Fprintf(w, "P50/P90/P99:     %d/%d/%dms\n", sum.LatencyMS.P50, sum.LatencyMS.P90, sum.LatencyMS.P99)
		fmt.Fprintln(w, "----------------------------------------")
	}

	if sum.Failures > 0 {
		fmt.Fprintf(w, "\n❌ 失败详情 (显示前%d个):\n", maxErrors)
		for i, e := range sum.Errors {
			fmt.Fprintf(w, "   %d. %s\n", i+1, e)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "========================================")

	if sum.Failures == 0 {
		logger.Info(logger.TagStats, "✅ 测试通过！所有请求成功完成")
	} else {
		logger.Warn(logger.TagStats, "⚠️  测试完成，但有 %d 个请求失败", sum.Failures)
	}
}

// WriteYAML 将汇总写入 YAML 文件
func (s *Statistics) WriteYAML(path string) error {
	data, err := yaml.Marshal(s.Summary())
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary %s: %w", path, err)
	}
	return nil
}

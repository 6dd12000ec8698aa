package runner

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/metrics"
	"chat-loadtest/internal/model"
	"chat-loadtest/internal/scenario"
)

var ErrNilScenario = errors.New("scenario is required")

// Scenario 每个模拟用户反复执行的任务
type Scenario interface {
	Run(ctx context.Context, userID int32) model.RequestMetric
}

// Runner 调度模拟用户：爬坡启动、迭代间随机等待、时长/次数限制
type Runner struct {
	req      *model.Request
	scenario Scenario
	reporter scenario.Reporter
	metrics  *metrics.Metrics

	randMu sync.Mutex
	rand   *rand.Rand
}

// Option 配置 Runner
type Option func(*Runner)

// WithMetrics 使用外部的实时计数器
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithSeed 固定等待时间的随机种子
func WithSeed(seed uint64) Option {
	return func(r *Runner) { r.rand = rand.New(rand.NewPCG(seed, seed)) }
}

// New 创建调度器；reporter 用于上报 panic 转换成的失败指标
func New(req *model.Request, sc Scenario, reporter scenario.Reporter, opts ...Option) *Runner {
	r := &Runner{
		req:      req,
		scenario: sc,
		reporter: reporter,
		metrics:  &metrics.Metrics{},
		rand:     rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	if r.reporter == nil {
		r.reporter = scenario.Reporters()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Metrics 返回实时计数器
func (r *Runner) Metrics() *metrics.Metrics { return r.metrics }

// WaitTime 返回 [WaitMin, WaitMax) 内均匀分布的等待时间
func (r *Runner) WaitTime() time.Duration {
	lo, hi := r.req.WaitMin, r.req.WaitMax
	if hi <= lo {
		return lo
	}
	r.randMu.Lock()
	defer r.randMu.Unlock()
	return lo + time.Duration(r.rand.Int64N(int64(hi-lo)))
}

func (r *Runner) validate() error {
	if r.scenario == nil {
		return ErrNilScenario
	}
	return r.req.Validate()
}

// Run 启动全部模拟用户并等待其结束。
// Duration 到期只停止调度新的迭代，进行中的迭代自然结束；ctx 取消则立即中断。
func (r *Runner) Run(ctx context.Context) error {
	if err := r.validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	stopCtx := ctx
	if r.req.Duration > 0 {
		var cancel context.CancelFunc
		stopCtx, cancel = context.WithTimeout(ctx, r.req.Duration)
		defer cancel()
	}
	if !r.req.Bounded() {
		logger.Warn(logger.TagRunner, "no iteration or duration limit, running until interrupted")
	}

	var wg sync.WaitGroup
	for i := uint64(0); i < r.req.Users; i++ {
		if stopCtx.Err() != nil {
			logger.Info(logger.TagRunner, "stopped spawning after %d users", i)
			break
		}
		userID := r.req.StartUserID + int32(i)
		wg.Add(1)
		go r.runUser(ctx, stopCtx, userID, &wg)

		// 错开连接，避免连接风暴
		if i < r.req.Users-1 && r.req.SpawnInterval > 0 {
			sleep(stopCtx, r.req.SpawnInterval)
		}
	}

	wg.Wait()
	return nil
}

// runUser 单个模拟用户的迭代循环
func (r *Runner) runUser(ctx, stopCtx context.Context, userID int32, wg *sync.WaitGroup) {
	defer wg.Done()
	r.metrics.UserStarted()
	defer r.metrics.UserStopped()

	for i := uint64(0); r.req.Iterations == 0 || i < r.req.Iterations; i++ {
		if stopCtx.Err() != nil {
			return
		}
		r.iterate(ctx, userID)

		if r.req.Iterations != 0 && i == r.req.Iterations-1 {
			break
		}
		if !sleep(stopCtx, r.WaitTime()) {
			return
		}
	}

	if r.req.Debug {
		logger.Debug(logger.TagRunner, "[User %d] ✅ Completed all iterations", userID)
	}
}

// iterate 执行一次场景，panic 转为失败指标
func (r *Runner) iterate(ctx context.Context, userID int32) {
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			logger.Error(logger.TagRunner, "[User %d] Panic recovered: %v", userID, p)
			r.metrics.IncrementPanics()
			r.reporter.Record(model.NewFailure(userID, start, &scenario.Failure{
				Kind: scenario.KindConnection,
				Msg:  "panic",
				Err:  fmt.Errorf("panic: %v", p),
			}))
		}
	}()
	r.scenario.Run(ctx, userID)
}

// sleep 等待 d，ctx 结束时提前返回 false
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

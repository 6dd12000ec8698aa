package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"

	"chat-loadtest/internal/config"
	"chat-loadtest/internal/health"
	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/metrics"
	"chat-loadtest/internal/runner"
	"chat-loadtest/internal/scenario"
	"chat-loadtest/internal/statistics"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

func main() {
	flags := pflag.NewFlagSet(os.Args[0], pflag.ExitOnError)
	config.LoadTestFlags(flags)
	flags.Parse(os.Args[1:])

	cfg, err := config.LoadLoadTest(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	if cfg.Debug {
		level = logger.DEBUG
	}
	disabled, err := logger.ParseTags(cfg.LogDisabledTags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	logger.Init(level, disabled...)

	// 打印配置信息
	printHeader(os.Stdout)

	// 设置 GOMAXPROCS
	runtime.GOMAXPROCS(runtime.NumCPU())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, os.Stdout)
	stop()
	if err != nil {
		logger.Error(logger.TagRunner, "❌ %v", err)
		os.Exit(1)
	}
}

// run 执行一次压测；请求失败只计入统计，返回的错误仅来自配置或前置检查
func run(ctx context.Context, cfg *config.LoadTest, out io.Writer) error {
	if cfg.HealthAddr != "" {
		checkCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		err := health.Check(checkCtx, cfg.HealthAddr, health.ServiceName)
		cancel()
		if err != nil {
			return fmt.Errorf("preflight: %w", err)
		}
		logger.Info(logger.TagConfig, "✅ Target %s is serving", cfg.HealthAddr)
	}

	runID := uuid.NewString()
	request := cfg.Request()

	sinks, err := openSinks(ctx, cfg, runID)
	if err != nil {
		return err
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Error(logger.TagSink, "close sinks: %v", err)
		}
	}()

	stats := statistics.NewStatistics(request.Users)
	live := &metrics.Metrics{}
	reporter := scenario.Reporters(append([]scenario.Reporter{stats, live}, sinks.reporters...)...)

	sc := scenario.New(scenario.ConfigFromRequest(request), reporter)
	r := runner.New(request, sc, reporter, runner.WithMetrics(live))

	// 启动压测
	logger.Info(logger.TagRunner, "🚀 开始压测... (run %s)", runID)
	logger.Info(logger.TagRunner, "   模拟用户: %d", request.Users)
	if request.Iterations > 0 {
		logger.Info(logger.TagRunner, "   每用户迭代: %d (总计 %d)", request.Iterations, request.GetTotalRequests())
	} else {
		logger.Info(logger.TagRunner, "   每用户迭代: 不限")
	}
	if request.Duration > 0 {
		logger.Info(logger.TagRunner, "   时长: %s", request.Duration)
	}
	logger.Info(logger.TagRunner, "   目标: %s", request.URL)
	logger.Info(logger.TagRunner, "   用户ID范围: %d - %d", request.StartUserID, request.StartUserID+int32(request.Users)-1)
	logger.Info(logger.TagRunner, "   启动间隔: %s, 等待: %s - %s", request.SpawnInterval, request.WaitMin, request.WaitMax)

	stats.Start()
	reportCtx, stopReport := context.WithCancel(ctx)
	if cfg.ReportInterval > 0 {
		live.StartPeriodicReport(reportCtx, out, cfg.ReportInterval)
	}

	runErr := r.Run(ctx)
	stopReport()
	stats.Stop()
	if runErr != nil {
		return runErr
	}
	if ctx.Err() != nil {
		logger.Warn(logger.TagRunner, "⚠️  压测被中断，统计结果不完整")
	}

	stats.PrintReport(out)
	fmt.Fprintf(out, "实时计数:        %s\n", live)

	if cfg.Report != "" {
		if err := stats.WriteYAML(cfg.Report); err != nil {
			logger.Error(logger.TagStats, "%v", err)
		} else {
			logger.Info(logger.TagStats, "📄 Summary written to %s", cfg.Report)
		}
	}

	if n := sinks.dropped(); n > 0 {
		logger.Warn(logger.TagSink, "%d events could not be published", n)
	}
	if sinks.tally != nil {
		printTally(ctx, sinks, out)
	}
	return nil
}

func printTally(ctx context.Context, s *sinks, out io.Writer) {
	counts, err := s.tally.Read(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn(logger.TagSink, "tally: %v", err)
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(out, "Redis 计数:")
	for _, k := range keys {
		fmt.Fprintf(out, "  %-32s %d\n", k+":", counts[k])
	}
}

func printHeader(out io.Writer) {
	fmt.Fprintln(out, "========================================")
	fmt.Fprintln(out, "  Chat Connect Load Testing Tool")
	fmt.Fprintln(out, "  WebSocket 建连握手压力测试工具")
	fmt.Fprintln(out, "========================================")
	fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
	fmt.Fprintf(out, "CPU Cores: %d\n", runtime.NumCPU())
	fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintln(out, "========================================")
	fmt.Fprintln(out)
}

package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
)

// LogLevel 定义日志级别
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[string]LogLevel{
	"debug": DEBUG,
	"info":  INFO,
	"warn":  WARN,
	"error": ERROR,
}

// ParseLevel 解析日志级别字符串，大小写不敏感
func ParseLevel(s string) (LogLevel, error) {
	lvl, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

// LogTag 定义日志标签
type LogTag string

const (
	TagScenario LogTag = "SCENARIO" // 单次握手迭代
	TagRunner   LogTag = "RUNNER"   // 模拟用户调度
	TagStats    LogTag = "STATS"    // 统计汇总
	TagSink     LogTag = "SINK"     // 指标外发（Redis/MQTT/文件）
	TagServer   LogTag = "SERVER"   // 参考聊天服务
	TagConfig   LogTag = "CONFIG"   // 配置加载
)

var allTags = []LogTag{TagScenario, TagRunner, TagStats, TagSink, TagServer, TagConfig}

// ParseTags 解析配置中的标签名（如 log_disabled_tags），大小写不敏感
func ParseTags(names []string) ([]LogTag, error) {
	tags := make([]LogTag, 0, len(names))
	for _, name := range names {
		tag := LogTag(strings.ToUpper(strings.TrimSpace(name)))
		if !slices.Contains(allTags, tag) {
			return nil, fmt.Errorf("unknown log tag %q", name)
		}
		tags = append(tags, tag)
	}
	return tags, nil
}

// Logger 可配置的日志记录器
type Logger struct {
	mu          sync.RWMutex
	enabledTags map[LogTag]bool
	minLevel    LogLevel
	logger      *log.Logger
}

var (
	defaultLogger = New(os.Stdout)
	once          sync.Once
)

// New 创建日志记录器，默认启用全部标签，级别 INFO
func New(w io.Writer) *Logger {
	l := &Logger{
		enabledTags: make(map[LogTag]bool),
		minLevel:    INFO,
		logger:      log.New(w, "", log.LstdFlags),
	}
	for _, tag := range allTags {
		l.enabledTags[tag] = true
	}
	return l
}

// Init 初始化全局日志记录器
func Init(level LogLevel, disabled ...LogTag) {
	once.Do(func() {
		defaultLogger.SetLevel(level)
		for _, tag := range disabled {
			defaultLogger.DisableTag(tag)
		}
	})
}

// DisableTag 禁用指定标签的日志
func (l *Logger) DisableTag(tag LogTag) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabledTags[tag] = false
}

// SetLevel 设置最小日志级别
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

func (l *Logger) enabled(tag LogTag, level LogLevel) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.enabledTags[tag] && l.minLevel <= level
}

func (l *Logger) output(prefix string, tag LogTag, format string, v ...interface{}) {
	l.logger.Printf("["+prefix+"][%s] "+format, append([]interface{}{tag}, v...)...)
}

// Debug 输出调试日志
func (l *Logger) Debug(tag LogTag, format string, v ...interface{}) {
	if l.enabled(tag, DEBUG) {
		l.output("DEBUG", tag, format, v...)
	}
}

// Info 输出信息日志
func (l *Logger) Info(tag LogTag, format string, v ...interface{}) {
	if l.enabled(tag, INFO) {
		l.output("INFO", tag, format, v...)
	}
}

// Warn 输出警告日志
func (l *Logger) Warn(tag LogTag, format string, v ...interface{}) {
	if l.enabled(tag, WARN) {
		l.output("WARN", tag, format, v...)
	}
}

// Error 输出错误日志
func (l *Logger) Error(tag LogTag, format string, v ...interface{}) {
	if l.enabled(tag, ERROR) {
		l.output("ERROR", tag, format, v...)
	}
}

// 全局便捷函数
func Debug(tag LogTag, format string, v ...interface{}) { defaultLogger.Debug(tag, format, v...) }
func Info(tag LogTag, format string, v ...interface{})  { defaultLogger.Info(tag, format, v...) }
func Warn(tag LogTag, format string, v ...interface{})  { defaultLogger.Warn(tag, format, v...) }
func Error(tag LogTag, format string, v ...interface{}) { defaultLogger.Error(tag, format, v...) }

package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chat-loadtest/internal/logger"
	"chat-loadtest/internal/model"

	"github.com/gorilla/websocket"
)

const (
	helloMessage  = "HELLO"
	welcomePrefix = "WELCOME"
)

// Config 单次握手场景的参数
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration // 0 表示接收不设超时
	UserName       string
	Debug          bool
}

// ConfigFromRequest 从压测请求中提取场景参数
func ConfigFromRequest(r *model.Request) Config {
	return Config{
		URL:            r.URL,
		ConnectTimeout: r.ConnectTimeout,
		ReadTimeout:    r.ReadTimeout,
		UserName:       r.UserName,
		Debug:          r.Debug,
	}
}

// ChatConnect 建连 + 握手场景：HELLO -> {ID,Name} -> WELCOME
type ChatConnect struct {
	cfg      Config
	dialer   *websocket.Dialer
	reporter Reporter
}

// New 创建场景，reporter 为 nil 时只返回指标不上报
func New(cfg Config, reporter Reporter) *ChatConnect {
	if cfg.URL == "" {
		cfg.URL = model.DefaultURL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = model.DefaultConnectTimeout
	}
	if cfg.UserName == "" {
		cfg.UserName = model.DefaultUserName
	}
	if reporter == nil {
		reporter = Reporters()
	}
	return &ChatConnect{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		reporter: reporter,
	}
}

// Run 执行一次迭代，总是恰好上报一条指标且不返回错误
func (s *ChatConnect) Run(ctx context.Context, userID int32) model.RequestMetric {
	start := time.Now()

	length, err := s.handshake(ctx)

	var m model.RequestMetric
	if err != nil {
		m = model.NewFailure(userID, start, err)
		if s.cfg.Debug {
			logger.Debug(logger.TagScenario, "[User %d] ❌ %v (%dms)", userID, err, m.ResponseTime)
		}
	} else {
		m = model.NewSuccess(userID, start, length)
		if s.cfg.Debug {
			logger.Debug(logger.TagScenario, "[User %d] ✅ handshake ok (%dms, %d bytes)", userID, m.ResponseTime, length)
		}
	}
	s.reporter.Record(m)
	return m
}

// handshake 返回 WELCOME 消息的字节长度
func (s *ChatConnect) handshake(ctx context.Context) (int, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, _, err := s.dialer.DialContext(dialCtx, s.cfg.URL, nil)
	cancel()
	if err != nil {
		return 0, classify("connect", err)
	}
	defer s.close(conn)

	// 压测被取消时关闭连接，打断阻塞中的读写
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	hello, err := s.receive(ctx, conn)
	if err != nil {
		return 0, err
	}
	if hello != helloMessage {
		return 0, protocolFailure(fmt.Sprintf("got %q", truncate(hello)), ErrUnexpectedHello)
	}

	id, err := NewIdentity(s.cfg.UserName)
	if err != nil {
		return 0, &Failure{Kind: KindConnection, Msg: "identity", Err: err}
	}
	payload, err := json.Marshal(id)
	if err != nil {
		return 0, &Failure{Kind: KindConnection, Msg: "marshal identity", Err: err}
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return 0, s.ioFailure(ctx, "send identity", err)
	}

	welcome, err := s.receive(ctx, conn)
	if err != nil {
		return 0, err
	}
	if !strings.HasPrefix(welcome, welcomePrefix) {
		return 0, protocolFailure(fmt.Sprintf("got %q", truncate(welcome)), ErrUnexpectedWelcome)
	}
	return len(welcome), nil
}

func (s *ChatConnect) receive(ctx context.Context, conn *websocket.Conn) (string, error) {
	if s.cfg.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	}
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return "", s.ioFailure(ctx, "receive", err)
	}
	if mt != websocket.TextMessage {
		return "", protocolFailure(fmt.Sprintf("message type %d", mt), ErrNotText)
	}
	return string(data), nil
}

// ioFailure 优先归因于 ctx 的取消或超时
func (s *ChatConnect) ioFailure(ctx context.Context, step string, err error) *Failure {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return classify(step, fmt.Errorf("%w: %v", ctxErr, err))
	}
	return classify(step, err)
}

func (s *ChatConnect) close(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil && s.cfg.Debug {
		logger.Debug(logger.TagScenario, "close frame: %v", err)
	}
	conn.Close()
}

func truncate(s string) string {
	const max = 64
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

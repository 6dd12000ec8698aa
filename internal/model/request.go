package model

import (
	"errors"
	"time"
)

const (
	DefaultURL            = "ws://localhost:3000/connect"
	DefaultConnectTimeout = 10 * time.Second
	DefaultWaitMin        = 500 * time.Millisecond
	DefaultWaitMax        = 2 * time.Second
	DefaultUserName       = "User"
)

// 请求配置校验错误，runner 与 config 共用
var (
	ErrNoUsers   = errors.New("users must be greater than 0")
	ErrWaitRange = errors.New("wait_max must not be less than wait_min")
)

// Request 压测请求配置
type Request struct {
	URL            string        // 目标 WebSocket 地址
	Users          uint64        // 并发模拟用户数
	Iterations     uint64        // 每个用户的迭代次数，0 表示不限
	Duration       time.Duration // 压测时长，0 表示不限
	SpawnInterval  time.Duration // 用户启动间隔（爬坡）
	WaitMin        time.Duration // 两次迭代之间的最小等待
	WaitMax        time.Duration // 两次迭代之间的最大等待
	ConnectTimeout time.Duration // 建连超时
	ReadTimeout    time.Duration // 单次接收超时，0 表示不限
	UserName       string        // 握手时发送的显示名
	StartUserID    int32         // 起始用户ID
	Debug          bool          // 调试模式
}

// NewRequest 返回带默认值的请求配置
func NewRequest() *Request {
	return &Request{
		URL:            DefaultURL,
		Users:          1,
		Iterations:     1,
		WaitMin:        DefaultWaitMin,
		WaitMax:        DefaultWaitMax,
		ConnectTimeout: DefaultConnectTimeout,
		ReadTimeout:    DefaultConnectTimeout,
		UserName:       DefaultUserName,
		StartUserID:    1,
	}
}

// GetTotalRequests 获取总请求数，不限迭代次数时返回 0
func (r *Request) GetTotalRequests() uint64 {
	return r.Users * r.Iterations
}

// Bounded 判断压测是否有终止条件
func (r *Request) Bounded() bool {
	return r.Iterations > 0 || r.Duration > 0
}

// Validate 校验用户数与等待区间
func (r *Request) Validate() error {
	if r.Users == 0 {
		return ErrNoUsers
	}
	if r.WaitMax < r.WaitMin {
		return ErrWaitRange
	}
	return nil
}

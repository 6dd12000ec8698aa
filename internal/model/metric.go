package model

import "time"

const (
	RequestTypeWS = "WS"
	NameConnect   = "/connect"
)

// RequestMetric 单次迭代上报的指标
type RequestMetric struct {
	RequestType    string    // 协议标签，固定为 "WS"
	Name           string    // 端点名，固定为 "/connect"
	ResponseTime   int64     // 耗时（毫秒）
	ResponseLength int       // 响应长度（字节），失败时为 0
	Exception      error     // 失败原因，成功时为 nil
	UserID         int32     // 模拟用户ID
	StartedAt      time.Time // 迭代开始时间
}

// NewSuccess 构造成功指标
func NewSuccess(userID int32, start time.Time, length int) RequestMetric {
	return RequestMetric{
		RequestType:    RequestTypeWS,
		Name:           NameConnect,
		ResponseTime:   ElapsedMillis(start),
		ResponseLength: length,
		UserID:         userID,
		StartedAt:      start,
	}
}

// NewFailure 构造失败指标
func NewFailure(userID int32, start time.Time, err error) RequestMetric {
	return RequestMetric{
		RequestType:  RequestTypeWS,
		Name:         NameConnect,
		ResponseTime: ElapsedMillis(start),
		Exception:    err,
		UserID:       userID,
		StartedAt:    start,
	}
}

// Success 是否成功
func (m RequestMetric) Success() bool {
	return m.Exception == nil
}

// ElapsedMillis 返回从 start 到现在的毫秒数
func ElapsedMillis(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}

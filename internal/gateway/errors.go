package gateway

import (
	"context"
	"errors"
	"fmt"

	"extracthub/pkg/types"
)

// 调度失败类别，配合 errors.Is 使用
var (
	ErrInsufficientBalance = errors.New("余额不足")
	ErrFeatureDisabled     = errors.New("租户未开通抽取功能")
	ErrRateLimitExhausted  = errors.New("重试期间持续被限流")
	ErrTransientNetwork    = errors.New("重试后仍存在网络或服务端错误")
	ErrCostRunaway         = errors.New("实际费用远超预留，已熔断")
	ErrUpstream            = errors.New("推理服务返回不可重试错误")
	ErrCredential          = errors.New("凭证不可用")
	ErrInvalidRequest      = errors.New("无效的调用请求")
)

// Error 网关终态错误
type Error struct {
	Kind      error        // 上面的类别之一
	Attempts  int          // 已发起的尝试次数
	Shortfall types.Micros // 余额不足时的差额
	Err       error        // 最后一次的底层错误
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Shortfall > 0 {
		msg = fmt.Sprintf("%s (差额 %s)", msg, e.Shortfall)
	}
	if e.Attempts > 0 {
		msg = fmt.Sprintf("%s (尝试 %d 次)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 同时暴露类别与底层错误
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Code 用量日志与指标使用的错误码
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrFeatureDisabled):
		return "feature_disabled"
	case errors.Is(err, ErrRateLimitExhausted):
		return "rate_limit_exhausted"
	case errors.Is(err, ErrTransientNetwork):
		return "transient_network"
	case errors.Is(err, ErrCostRunaway):
		return "cost_runaway"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrCredential):
		return "credential"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	return "internal"
}

package queue

import (
	"context"
	"fmt"
	"strings"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Priority 任务优先级
type Priority int

const (
	PriorityLow    Priority = 1
	PriorityNormal Priority = 5
	PriorityHigh   Priority = 10
)

// 队列名
const (
	QueueHigh    = "high"
	QueueDefault = "default"
	QueueLow     = "low"
)

// ParsePriority 解析请求中的优先级，空串为 normal
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "default":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("未知的任务优先级: %s", s)
}

// Queue 优先级转队列名
func (p Priority) Queue() string {
	switch {
	case p >= PriorityHigh:
		return QueueHigh
	case p >= PriorityNormal:
		return QueueDefault
	default:
		return QueueLow
	}
}

// ServerConfig 队列消费者配置
type ServerConfig struct {
	Concurrency int            // 同时运行的抽取任务数
	Queues      map[string]int // 队列优先级权重
}

// DefaultServerConfig 默认消费者配置
func DefaultServerConfig(concurrency int) ServerConfig {
	if concurrency <= 0 {
		concurrency = 4
	}
	return ServerConfig{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueHigh:    6,
			QueueDefault: 3,
			QueueLow:     1,
		},
	}
}

// ToAsynqConfig 转换为 asynq 配置，任务失败统一记录日志
func (c ServerConfig) ToAsynqConfig(logger *zap.Logger) asynq.Config {
	return asynq.Config{
		Concurrency: c.Concurrency,
		Queues:      c.Queues,
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			logger.Error("任务执行失败",
				zap.String("type", task.Type()),
				zap.Error(err),
			)
		}),
	}
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"extracthub/internal/config"
	"extracthub/internal/worker/tasks"

	"github.com/hibiken/asynq"
)

// ErrDuplicateTask 同一任务已在队列中
var ErrDuplicateTask = errors.New("任务已在队列中")

// Client 任务队列客户端接口
type Client interface {
	EnqueueRunExtraction(ctx context.Context, payload tasks.RunExtractionPayload, priority Priority) error
	Close() error
}

type asynqClient struct {
	client  *asynq.Client
	timeout time.Duration
}

// NewClient 创建任务队列客户端
func NewClient(cfg config.RedisConfig, q config.QueueConfig) Client {
	return &asynqClient{
		client:  asynq.NewClient(RedisConnOpt(cfg)),
		timeout: q.TaskTimeout,
	}
}

// RedisConnOpt 按 Redis 模式构建 asynq 连接参数
func RedisConnOpt(cfg config.RedisConfig) asynq.RedisConnOpt {
	switch cfg.Mode {
	case "sentinel":
		return asynq.RedisFailoverClientOpt{
			MasterName:       cfg.MasterName,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.Password,
			DB:               cfg.DB,
		}
	case "cluster":
		return asynq.RedisClusterClientOpt{
			Addrs:    cfg.ClusterAddrs,
			Password: cfg.Password,
		}
	}
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

func (c *asynqClient) EnqueueRunExtraction(ctx context.Context, payload tasks.RunExtractionPayload, priority Priority) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload failed: %w", err)
	}

	task := asynq.NewTask(tasks.TypeRunExtraction, data)

	// 网关内部已有重试，队列层不重试，避免重复扣费
	_, err = c.client.EnqueueContext(ctx, task, extractionOptions(payload.JobID, priority, c.timeout)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, payload.JobID)
	}
	if err != nil {
		return fmt.Errorf("enqueue task failed: %w", err)
	}
	return nil
}

func extractionOptions(jobID string, priority Priority, timeout time.Duration) []asynq.Option {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return []asynq.Option{
		asynq.Queue(priority.Queue()),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
		asynq.TaskID("extraction:" + jobID),
		asynq.Retention(24 * time.Hour),
	}
}

func (c *asynqClient) Close() error {
	return c.client.Close()
}

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"extracthub/internal/jobs"
	"extracthub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// JobRunner 抽取任务执行器抽象，便于注入 mock
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

type ExtractionHandler struct {
	runner JobRunner
	logger *zap.Logger
}

func NewExtractionHandler(runner JobRunner, logger *zap.Logger) *ExtractionHandler {
	return &ExtractionHandler{
		runner: runner,
		logger: logger,
	}
}

func (h *ExtractionHandler) HandleRunExtraction(ctx context.Context, t *asynq.Task) error {
	var p tasks.RunExtractionPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("json unmarshal failed: %v: %w", err, asynq.SkipRetry)
	}
	if p.JobID == "" {
		return fmt.Errorf("payload 缺少 job_id: %w", asynq.SkipRetry)
	}

	h.logger.Info("开始执行抽取任务",
		zap.String("job_id", p.JobID),
		zap.String("tenant_id", p.TenantID),
	)

	if err := h.runner.Run(ctx, p.JobID); err != nil {
		// 任务不存在时重试没有意义
		if errors.Is(err, jobs.ErrJobNotFound) {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		h.logger.Error("抽取任务失败",
			zap.String("job_id", p.JobID),
			zap.Error(err),
		)
		return err
	}

	h.logger.Info("抽取任务完成", zap.String("job_id", p.JobID))
	return nil
}

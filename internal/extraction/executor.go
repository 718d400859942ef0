package extraction

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"extracthub/internal/config"
	"extracthub/internal/document"
	"extracthub/internal/gateway"
	"extracthub/internal/logger"
	"extracthub/internal/metrics"
	"extracthub/internal/parser"
	"extracthub/pkg/aiinterface"
	"extracthub/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrUnparsableResponse 所有解析阶段都失败，只影响当前 worker
	ErrUnparsableResponse = errors.New("worker 输出无法解析")
	ErrInvalidTask        = errors.New("无效的抽取任务")
)

// Dispatcher 计费调度入口（由 gateway.Gateway 实现）
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, req *aiinterface.ChatCompletionRequest) (*gateway.Result, error)
}

// Task 单个 worker 的一次执行
type Task struct {
	TenantID string
	WorkerID string
	Prompt   string
	Pages    []document.Page
}

// Usage worker 的调用用量
type Usage struct {
	InputTokens  int          `json:"input_tokens"`
	OutputTokens int          `json:"output_tokens"`
	Cost         types.Micros `json:"cost"`
	Attempts     int          `json:"attempts"`
	LogID        string       `json:"usage_log_id,omitempty"`
}

// WorkerResult worker 执行结果
type WorkerResult struct {
	WorkerID  string           `json:"worker_id"`
	Fields    map[string]Field `json:"fields"`
	Stage     string           `json:"stage"`
	Truncated bool             `json:"truncated"`
	Valid     bool             `json:"valid"`
	Issues    Issues           `json:"issues,omitempty"`
	Usage     Usage            `json:"usage"`
	ElapsedMs int64            `json:"elapsed_ms"`
}

// ExecutorOptions 执行参数
type ExecutorOptions struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Strict      bool
}

// ExecutorOptionsFromConfig 从配置构建
func ExecutorOptionsFromConfig(cfg config.ExtractionConfig) ExecutorOptions {
	return ExecutorOptions{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		Strict:      cfg.Strict,
	}
}

// Executor worker 执行器：构建多模态请求 → 网关调度 → 解析修复 → 字段包装 → 宽松校验
type Executor struct {
	dispatcher Dispatcher
	registry   *Registry
	opts       ExecutorOptions
	logger     *zap.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewExecutor 创建执行器，registry 可为 nil（跳过字段校验）
func NewExecutor(d Dispatcher, registry *Registry, opts ExecutorOptions, log *zap.Logger) *Executor {
	if opts.Temperature < 0 {
		opts.Temperature = 0
	}
	return &Executor{
		dispatcher: d,
		registry:   registry,
		opts:       opts,
		logger:     logger.OrNop(log),
		tracer:     otel.Tracer("extracthub/internal/extraction"),
		now:        time.Now,
	}
}

// Run 执行单个 worker
//
// 返回 ErrUnparsableResponse 时结果中仍带有用量，调用方据此计入 worker 成本。
func (e *Executor) Run(ctx context.Context, task Task) (res *WorkerResult, err error) {
	if strings.TrimSpace(task.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt 为空", ErrInvalidTask)
	}
	if len(task.Pages) == 0 {
		return nil, fmt.Errorf("%w: 至少需要一页图片", ErrInvalidTask)
	}

	ctx, span := e.tracer.Start(ctx, "WorkerExecutor.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker_id", task.WorkerID),
		attribute.Int("pages", len(task.Pages)),
	)

	start := e.now()
	log := logger.Enrich(ctx, e.logger).With(zap.String("worker_id", task.WorkerID))
	defer func() {
		status := "completed"
		if err != nil {
			status = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, "worker failed")
		}
		metrics.WorkerRunsTotal.WithLabelValues(task.WorkerID, status).Inc()
		metrics.WorkerDuration.WithLabelValues(task.WorkerID).Observe(e.now().Sub(start).Seconds())
	}()

	var w *Worker
	if e.registry != nil {
		if w, err = e.registry.Get(task.WorkerID); err != nil {
			log.Warn("worker 未注册，跳过字段校验", zap.Error(err))
			w, err = nil, nil
		}
	}

	req := e.buildRequest(task, w)
	dispatched, err := e.dispatcher.Dispatch(gateway.WithWorker(ctx, task.WorkerID), task.TenantID, req)
	if err != nil {
		return nil, fmt.Errorf("worker %s 调度失败: %w", task.WorkerID, err)
	}

	res = &WorkerResult{
		WorkerID:  task.WorkerID,
		Truncated: dispatched.Response.Truncated(),
		Usage: Usage{
			InputTokens:  dispatched.InputTokens,
			OutputTokens: dispatched.OutputTokens,
			Cost:         dispatched.Cost,
			Attempts:     dispatched.Attempts,
			LogID:        dispatched.LogID,
		},
	}

	raw, err := parser.Parse(dispatched.Response.Content())
	if err != nil {
		res.ElapsedMs = e.now().Sub(start).Milliseconds()
		log.Warn("worker 输出无法解析", zap.Bool("truncated", res.Truncated), zap.Error(err))
		return res, fmt.Errorf("%w: worker %s: %w", ErrUnparsableResponse, task.WorkerID, err)
	}
	res.Stage = raw.Stage.String()
	metrics.WorkerParseStage.WithLabelValues(res.Stage).Inc()
	if raw.Recovered() {
		log.Info("worker 输出经修复后解析", zap.String("stage", res.Stage), zap.Bool("truncated", res.Truncated))
	}

	assigned := make([]int, 0, len(task.Pages))
	for _, p := range task.Pages {
		assigned = append(assigned, p.Number)
	}
	wrapped := wrapFields(raw, w, res.Truncated, assigned, task.WorkerID+"/"+res.Stage)
	res.Fields = wrapped.fields
	res.Issues = validate(w, wrapped)
	res.Valid = !res.Issues.HasErrors()
	res.ElapsedMs = e.now().Sub(start).Milliseconds()
	span.SetAttributes(attribute.Int("fields", len(res.Fields)), attribute.String("stage", res.Stage))

	if !res.Valid {
		log.Warn("worker 输出校验存在错误", zap.String("errors", res.Issues.Errors()))
		if e.opts.Strict {
			return res, fmt.Errorf("%w: worker %s: %s", ErrValidation, task.WorkerID, res.Issues.Errors())
		}
	}
	return res, nil
}

// buildRequest Prompt 文本在前，每页一个图片片段
func (e *Executor) buildRequest(task Task, w *Worker) *aiinterface.ChatCompletionRequest {
	numbers := make([]string, 0, len(task.Pages))
	for _, p := range task.Pages {
		numbers = append(numbers, strconv.Itoa(p.Number))
	}
	text := task.Prompt + "\n\nThe images are document pages " + strings.Join(numbers, ", ") +
		" in that order. Cite these page numbers as evidence."

	parts := make([]aiinterface.ContentPart, 0, len(task.Pages)+1)
	parts = append(parts, aiinterface.ContentPart{Type: aiinterface.PartText, Text: text})
	for _, p := range task.Pages {
		parts = append(parts, aiinterface.ContentPart{Type: aiinterface.PartImage, ImageURL: p.ImageURL})
	}

	maxTokens := e.opts.MaxTokens
	if w != nil && w.MaxTokens > 0 {
		maxTokens = w.MaxTokens
	}
	return &aiinterface.ChatCompletionRequest{
		Model:       e.opts.Model,
		Temperature: e.opts.Temperature,
		MaxTokens:   maxTokens,
		JSONMode:    true,
		Messages:    []aiinterface.Message{{Role: aiinterface.RoleUser, Parts: parts}},
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"extracthub/internal/config"
	"extracthub/internal/document"
	"extracthub/internal/extraction"
	"extracthub/internal/gateway"
	"extracthub/internal/logger"
	"extracthub/internal/metrics"
	"extracthub/internal/routing"
	"extracthub/pkg/types"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrAllWorkersFailed 所有 worker 都失败，整次运行无结果
	ErrAllWorkersFailed = errors.New("所有 worker 均执行失败")
	ErrNoWorkers        = errors.New("路由结果中没有 worker")
	ErrNoSource         = errors.New("任务缺少文档页面来源")
)

// Runner 单个 worker 的执行器（由 extraction.Executor 实现）
type Runner interface {
	Run(ctx context.Context, task extraction.Task) (*extraction.WorkerResult, error)
}

// Job 一次文档抽取运行
type Job struct {
	ID         string
	TenantID   string
	DocumentID string
	Source     document.Source
}

// Failure worker 失败记录
type Failure struct {
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
	Code     string `json:"code"`
}

// Collision 不同 worker 写入同名字段
type Collision struct {
	Field  string `json:"field"`
	Winner string `json:"winner"`
	Loser  string `json:"loser"`
}

// RunMetadata 输出记录的元数据
type RunMetadata struct {
	JobID          string `json:"job_id,omitempty"`
	DocumentID     string `json:"document_id,omitempty"`
	TenantID       string `json:"tenant_id"`
	PageCount      int    `json:"page_count"`
	CompletedCount int    `json:"completed_count"`
	FailedCount    int    `json:"failed_count"`
	ElapsedMs      int64  `json:"elapsed_ms"`
}

// RunState 一次运行的汇总结果
type RunState struct {
	Completed    []string                     `json:"completed"`
	Failed       []Failure                    `json:"failed"`
	WorkerUsage  map[string]extraction.Usage  `json:"worker_usage"`
	WorkerIssues map[string]extraction.Issues `json:"worker_issues,omitempty"`
	Merged       map[string]extraction.Field  `json:"merged"`
	Collisions   []Collision                  `json:"collisions,omitempty"`
	Warnings     []Warning                    `json:"warnings,omitempty"`
	TotalCost    types.Micros                 `json:"total_cost"`
	Metadata     RunMetadata                  `json:"metadata"`

	// owner 记录每个字段当前由哪个 worker 写入
	owner map[string]string
}

// Options 编排参数
type Options struct {
	// MaxConcurrency 同时运行的 worker 上限，<=0 表示全部并发
	MaxConcurrency int
	// MergePriority 排在前面的 worker 不会被后完成的低优先级 worker 覆盖
	MergePriority []string
	Checks        []Check
}

// OptionsFromConfig 从配置构建
func OptionsFromConfig(cfg config.ExtractionConfig) Options {
	return Options{
		MaxConcurrency: cfg.MaxConcurrency,
		MergePriority:  cfg.MergePriority,
		Checks:         DefaultChecks(),
	}
}

// Orchestrator 并行运行路由出的 worker 并合并结果
type Orchestrator struct {
	runner   Runner
	registry *extraction.Registry
	opts     Options
	rank     map[string]int
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New 创建编排器
func New(runner Runner, registry *extraction.Registry, opts Options, log *zap.Logger) *Orchestrator {
	rank := make(map[string]int, len(opts.MergePriority))
	for i, id := range opts.MergePriority {
		// 越靠前优先级越高
		rank[id] = len(opts.MergePriority) - i
	}
	return &Orchestrator{
		runner:   runner,
		registry: registry,
		opts:     opts,
		rank:     rank,
		logger:   logger.OrNop(log),
		tracer:   otel.Tracer("extracthub/internal/orchestrator"),
		now:      time.Now,
	}
}

// ExecuteAll 并发执行所有路由到的 worker，等待全部结束后返回
//
// 单个 worker 失败只记入 Failed，只有全部失败时才返回 ErrAllWorkersFailed。
func (o *Orchestrator) ExecuteAll(ctx context.Context, job Job, plan routing.Routing) (*RunState, error) {
	if job.Source == nil {
		return nil, ErrNoSource
	}
	workers := plan.Workers()
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}

	ctx, span := o.tracer.Start(ctx, "Orchestrator.ExecuteAll")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.Int("workers", len(workers)),
	)

	start := o.now()
	ctx = logger.WithJob(ctx, job.ID, job.TenantID)
	log := logger.Enrich(ctx, o.logger)
	pageCount := job.Source.PageCount()

	state := &RunState{
		WorkerUsage:  make(map[string]extraction.Usage),
		WorkerIssues: make(map[string]extraction.Issues),
		Merged:       make(map[string]extraction.Field),
		owner:        make(map[string]string),
	}
	var mu sync.Mutex

	// goroutine 从不返回错误，Wait 只用于等待全部结束
	var g errgroup.Group
	limit := o.opts.MaxConcurrency
	if limit <= 0 || limit > len(workers) {
		limit = len(workers)
	}
	g.SetLimit(limit)

	for _, workerID := range workers {
		g.Go(func() error {
			res, err := o.runOne(ctx, job, workerID, plan.Pages(workerID, pageCount))

			mu.Lock()
			defer mu.Unlock()
			o.collect(state, workerID, res, err, log)
			return nil
		})
	}
	_ = g.Wait()

	state.Warnings = reconcile(state.Merged, o.opts.Checks)
	for _, w := range state.Warnings {
		log.Warn("合并结果一致性检查未通过", zap.String("check", w.Check), zap.String("message", w.Message))
	}

	sort.Strings(state.Completed)
	sort.Slice(state.Failed, func(i, j int) bool { return state.Failed[i].WorkerID < state.Failed[j].WorkerID })
	state.Metadata = RunMetadata{
		JobID:          job.ID,
		DocumentID:     job.DocumentID,
		TenantID:       job.TenantID,
		PageCount:      pageCount,
		CompletedCount: len(state.Completed),
		FailedCount:    len(state.Failed),
		ElapsedMs:      o.now().Sub(start).Milliseconds(),
	}
	span.SetAttributes(
		attribute.Int("completed", state.Metadata.CompletedCount),
		attribute.Int("failed", state.Metadata.FailedCount),
		attribute.Int64("total_cost_micros", int64(state.TotalCost)),
	)

	log.Info("抽取运行结束",
		zap.Int("completed", state.Metadata.CompletedCount),
		zap.Int("failed", state.Metadata.FailedCount),
		zap.Int("fields", len(state.Merged)),
		zap.Stringer("total_cost", state.TotalCost),
		zap.Int64("elapsed_ms", state.Metadata.ElapsedMs),
	)

	if len(state.Completed) == 0 {
		span.SetStatus(codes.Error, "all workers failed")
		return state, fmt.Errorf("%w (%d 个)", ErrAllWorkersFailed, len(state.Failed))
	}
	return state, nil
}

// runOne 加载页面并执行一个 worker，panic 转为错误
func (o *Orchestrator) runOne(ctx context.Context, job Job, workerID string, pages []int) (res *extraction.WorkerResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("worker %s panic: %v", workerID, r)
		}
	}()

	prompt, err := o.prompt(workerID)
	if err != nil {
		return nil, err
	}
	loaded, err := job.Source.Pages(ctx, pages)
	if err != nil {
		return nil, fmt.Errorf("加载页面失败: %w", err)
	}
	return o.runner.Run(ctx, extraction.Task{
		TenantID: job.TenantID,
		WorkerID: workerID,
		Prompt:   prompt,
		Pages:    loaded,
	})
}

func (o *Orchestrator) prompt(workerID string) (string, error) {
	if o.registry == nil {
		return "", fmt.Errorf("%w: %s", extraction.ErrUnknownWorker, workerID)
	}
	w, err := o.registry.Get(workerID)
	if err != nil {
		return "", err
	}
	return w.BuildPrompt(), nil
}

// collect 调用方持有锁；按完成顺序合并，后写覆盖
func (o *Orchestrator) collect(state *RunState, workerID string, res *extraction.WorkerResult, err error, log *zap.Logger) {
	if res != nil {
		// 无法解析的输出同样产生了费用
		state.WorkerUsage[workerID] = res.Usage
		state.TotalCost += res.Usage.Cost
		if len(res.Issues) > 0 {
			state.WorkerIssues[workerID] = res.Issues
		}
	}

	if err != nil {
		code := gateway.Code(err)
		if code == "internal" {
			code = failureCode(err)
		}
		state.Failed = append(state.Failed, Failure{WorkerID: workerID, Error: err.Error(), Code: code})
		log.Warn("worker 执行失败", zap.String("worker_id", workerID), zap.String("code", code), zap.Error(err))
		return
	}

	state.Completed = append(state.Completed, workerID)
	for name, field := range res.Fields {
		prev, taken := state.owner[name]
		if taken && prev != workerID {
			winner, loser := workerID, prev
			if o.rank[prev] > o.rank[workerID] {
				winner, loser = prev, workerID
			}
			state.Collisions = append(state.Collisions, Collision{Field: name, Winner: winner, Loser: loser})
			metrics.FieldCollisions.Inc()
			if winner == prev {
				continue
			}
		}
		state.Merged[name] = field
		state.owner[name] = workerID
	}
}

func failureCode(err error) string {
	switch {
	case errors.Is(err, extraction.ErrUnparsableResponse):
		return "unparsable_response"
	case errors.Is(err, extraction.ErrValidation):
		return "validation"
	case errors.Is(err, extraction.ErrUnknownWorker):
		return "unknown_worker"
	case errors.Is(err, document.ErrPageMissing), errors.Is(err, document.ErrNoPages):
		return "pages"
	}
	return "internal"
}

package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"extracthub/internal/document"
	"extracthub/internal/gateway"
	"extracthub/internal/infra/queue"
	"extracthub/internal/logger"
	"extracthub/internal/metrics"
	"extracthub/internal/orchestrator"
	"extracthub/internal/routing"
	"extracthub/internal/worker/tasks"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrJobNotFound      = errors.New("抽取任务不存在")
	ErrInvalidRequest   = errors.New("无效的抽取请求")
	ErrDocumentNotFound = errors.New("文档不存在或没有页面")
)

// outlinePages 自动识别章节时读取的 PDF 页数上限
const outlinePages = 200

// Enqueuer 任务入队（由 queue.Client 实现）
type Enqueuer interface {
	EnqueueRunExtraction(ctx context.Context, payload tasks.RunExtractionPayload, priority queue.Priority) error
}

// DocumentStore 文档页面与可选 PDF
type DocumentStore interface {
	Open(ctx context.Context, documentID string) (document.Source, error)
	PDF(documentID string) (*document.PDFInfo, error)
}

// Router 章节到 worker 的路由（由 routing.FallbackRouter 实现）
type Router interface {
	Route(ctx context.Context, tenantID string, m routing.SectionMap, requested []string, totalPages int) routing.Routing
}

// SectionDetector 没有章节目录时从 PDF 文本推断（由 routing.Router 实现）
type SectionDetector interface {
	Detect(pageText func(n int) string, totalPages int) routing.SectionMap
}

// Orchestrator 并行执行 worker（由 orchestrator.Orchestrator 实现）
type Orchestrator interface {
	ExecuteAll(ctx context.Context, job orchestrator.Job, plan routing.Routing) (*orchestrator.RunState, error)
}

// SubmitRequest 提交抽取任务
type SubmitRequest struct {
	TenantID   string             `json:"-"`
	DocumentID string             `json:"document_id"`
	Workers    []string           `json:"workers,omitempty"`
	Sections   routing.SectionMap `json:"sections"`
	Priority   string             `json:"priority,omitempty"`
}

// Deps 服务依赖
type Deps struct {
	DB           *gorm.DB
	Queue        Enqueuer // 为 nil 时只能通过 Execute 同步执行
	Documents    DocumentStore
	Router       Router
	Detector     SectionDetector // 可为 nil
	Orchestrator Orchestrator
	Workers      []string // 已注册的 worker，请求未指定时全部运行
	Logger       *zap.Logger
}

// Service 抽取任务服务：提交 → 路由 → 编排 → 持久化
type Service struct {
	deps   Deps
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewService 创建任务服务
func NewService(deps Deps) *Service {
	return &Service{
		deps:   deps,
		logger: logger.OrNop(deps.Logger),
		tracer: otel.Tracer("extracthub/internal/jobs"),
		now:    time.Now,
	}
}

// Submit 创建任务并入队
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.deps.Queue == nil {
		return nil, fmt.Errorf("任务队列未配置")
	}
	job, priority, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}

	payload := tasks.RunExtractionPayload{JobID: job.ID, TenantID: job.TenantID}
	if err := s.deps.Queue.EnqueueRunExtraction(ctx, payload, priority); err != nil {
		_ = s.finish(context.WithoutCancel(ctx), job, nil, fmt.Errorf("任务入队失败: %w", err))
		return nil, fmt.Errorf("任务入队失败: %w", err)
	}

	s.logger.Info("抽取任务已入队",
		zap.String("job_id", job.ID),
		zap.String("tenant_id", job.TenantID),
		zap.String("document_id", job.DocumentID),
	)
	return job, nil
}

// Execute 创建任务并在当前 goroutine 中执行（命令行使用）
func (s *Service) Execute(ctx context.Context, req SubmitRequest) (*Job, error) {
	job, _, err := s.create(ctx, req)
	if err != nil {
		return nil, err
	}
	runErr := s.Run(ctx, job.ID)
	saved, err := s.load(ctx, job.ID)
	if err != nil {
		return nil, err
	}
	return saved, runErr
}

func (s *Service) create(ctx context.Context, req SubmitRequest) (*Job, queue.Priority, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.DocumentID = strings.TrimSpace(req.DocumentID)
	if req.TenantID == "" || req.DocumentID == "" {
		return nil, 0, fmt.Errorf("%w: tenant_id 与 document_id 必填", ErrInvalidRequest)
	}
	priority, err := queue.ParsePriority(req.Priority)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	workers := req.Workers
	if len(workers) == 0 {
		workers = s.deps.Workers
	}
	for _, w := range workers {
		if len(s.deps.Workers) > 0 && !slices.Contains(s.deps.Workers, w) {
			return nil, 0, fmt.Errorf("%w: 未注册的 worker %s", ErrInvalidRequest, w)
		}
	}
	if len(workers) == 0 {
		return nil, 0, fmt.Errorf("%w: 没有可运行的 worker", ErrInvalidRequest)
	}

	if _, err := s.deps.Documents.Open(ctx, req.DocumentID); err != nil {
		return nil, 0, fmt.Errorf("%w: %s: %v", ErrDocumentNotFound, req.DocumentID, err)
	}

	workersJSON, err := json.Marshal(workers)
	if err != nil {
		return nil, 0, err
	}
	sectionsJSON, err := json.Marshal(req.Sections)
	if err != nil {
		return nil, 0, err
	}

	job := &Job{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		DocumentID: req.DocumentID,
		Status:     StatusQueued,
		Priority:   priority.Queue(),
		Workers:    workersJSON,
		Sections:   sectionsJSON,
	}
	if err := s.deps.DB.WithContext(ctx).Create(job).Error; err != nil {
		return nil, 0, fmt.Errorf("创建抽取任务失败: %w", err)
	}
	return job, priority, nil
}

// Run 执行已创建的任务；已到终态的任务直接跳过
func (s *Service) Run(ctx context.Context, jobID string) (err error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return err
	}
	ctx = logger.WithJob(ctx, job.ID, job.TenantID)
	log := logger.Enrich(ctx, s.logger)
	if job.Status.Terminal() {
		log.Info("任务已结束，跳过重复执行", zap.String("status", string(job.Status)))
		return nil
	}

	ctx, span := s.tracer.Start(ctx, "JobService.Run")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.ID), attribute.String("document_id", job.DocumentID))

	started := s.now()
	if err := s.deps.DB.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status IN ?", job.ID, []Status{StatusQueued, StatusRunning}).
		Updates(map[string]any{"status": StatusRunning, "started_at": started}).Error; err != nil {
		return fmt.Errorf("更新任务状态失败: %w", err)
	}
	job.Status = StatusRunning
	job.StartedAt = &started

	state, runErr := s.execute(ctx, job, log)
	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "job failed")
	}
	// 结果必须落库，即使调用方已取消
	if err := s.finish(context.WithoutCancel(ctx), job, state, runErr); err != nil {
		return err
	}
	return runErr
}

func (s *Service) execute(ctx context.Context, job *Job, log *zap.Logger) (*orchestrator.RunState, error) {
	var workers []string
	if err := json.Unmarshal(job.Workers, &workers); err != nil {
		return nil, fmt.Errorf("解析任务 worker 列表失败: %w", err)
	}
	var sections routing.SectionMap
	if len(job.Sections) > 0 {
		if err := json.Unmarshal(job.Sections, &sections); err != nil {
			return nil, fmt.Errorf("解析章节目录失败: %w", err)
		}
	}

	source, err := s.deps.Documents.Open(ctx, job.DocumentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDocumentNotFound, err)
	}
	job.PageCount = source.PageCount()

	if sections.Empty() {
		sections = s.detect(job.DocumentID, source.PageCount(), log)
		if detected, err := json.Marshal(sections); err == nil {
			job.Sections = detected
		}
	}

	plan := s.deps.Router.Route(ctx, job.TenantID, sections, workers, source.PageCount())
	if encoded, err := json.Marshal(plan); err == nil {
		job.Routing = encoded
	}
	log.Info("章节路由完成",
		zap.Int("level_1", len(sections.Level1)),
		zap.Strings("workers", plan.Workers()),
		zap.Int("pages", source.PageCount()),
	)

	return s.deps.Orchestrator.ExecuteAll(ctx, orchestrator.Job{
		ID:         job.ID,
		TenantID:   job.TenantID,
		DocumentID: job.DocumentID,
		Source:     source,
	}, plan)
}

// detect 请求未提供章节目录时尝试从 source.pdf 识别，失败返回空目录（全部 worker 全量路由）
func (s *Service) detect(documentID string, pages int, log *zap.Logger) routing.SectionMap {
	if s.deps.Detector == nil {
		return routing.SectionMap{}
	}
	info, err := s.deps.Documents.PDF(documentID)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn("读取源 PDF 失败，跳过章节识别", zap.Error(err))
		}
		return routing.SectionMap{}
	}
	if info.PageCount() != pages {
		log.Warn("源 PDF 页数与页面图片不一致",
			zap.Int("pdf_pages", info.PageCount()),
			zap.Int("image_pages", pages),
		)
	}
	m := s.deps.Detector.Detect(info.PageText, min(pages, outlinePages))
	log.Info("从源 PDF 识别章节", zap.Int("sections", len(m.Level1)))
	return m
}

// finish 写入终态与结果
func (s *Service) finish(ctx context.Context, job *Job, state *orchestrator.RunState, runErr error) error {
	finished := s.now()
	updates := map[string]any{
		"status":      StatusCompleted,
		"finished_at": finished,
		"page_count":  job.PageCount,
		"sections":    job.Sections,
		"routing":     job.Routing,
	}
	if state != nil {
		result, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("序列化抽取结果失败: %w", err)
		}
		updates["result"] = result
		updates["completed_count"] = state.Metadata.CompletedCount
		updates["failed_count"] = state.Metadata.FailedCount
		updates["total_cost"] = int64(state.TotalCost)
	}
	if runErr != nil {
		updates["status"] = StatusFailed
		updates["error_code"] = errorCode(runErr)
		updates["error_message"] = runErr.Error()
	}

	if err := s.deps.DB.WithContext(ctx).Model(&Job{}).Where("id = ?", job.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("保存抽取结果失败: %w", err)
	}
	status := updates["status"].(Status)
	metrics.JobsTotal.WithLabelValues(string(status)).Inc()

	log := logger.Enrich(ctx, s.logger)
	if runErr != nil {
		log.Warn("抽取任务失败", zap.String("status", string(status)), zap.Error(runErr))
	} else {
		log.Info("抽取任务完成", zap.Stringer("total_cost", state.TotalCost))
	}
	return nil
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrAllWorkersFailed):
		return "all_workers_failed"
	case errors.Is(err, ErrDocumentNotFound):
		return "document_not_found"
	}
	return gateway.Code(err)
}

func (s *Service) load(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	err := s.deps.DB.WithContext(ctx).Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询抽取任务失败: %w", err)
	}
	return &job, nil
}

// Get 查询租户的任务
func (s *Service) Get(ctx context.Context, tenantID, jobID string) (*Job, error) {
	job, err := s.load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.TenantID != tenantID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// List 租户最近的任务（不含结果正文）
func (s *Service) List(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var list []Job
	err := s.deps.DB.WithContext(ctx).
		Omit("result", "routing", "sections").
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&list).Error
	if err != nil {
		return nil, fmt.Errorf("查询抽取任务列表失败: %w", err)
	}
	return list, nil
}

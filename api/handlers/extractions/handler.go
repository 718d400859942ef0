package extractions

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"extracthub/api/handlers/common"
	"extracthub/internal/gateway"
	"extracthub/internal/infra/queue"
	"extracthub/internal/jobs"
	"extracthub/internal/middleware"

	"github.com/gin-gonic/gin"
)

// Service 抽取任务服务（由 jobs.Service 实现）
type Service interface {
	Submit(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Execute(ctx context.Context, req jobs.SubmitRequest) (*jobs.Job, error)
	Get(ctx context.Context, tenantID, jobID string) (*jobs.Job, error)
	List(ctx context.Context, tenantID string, limit int) ([]jobs.Job, error)
}

// Handler 抽取任务 HTTP 处理器
type Handler struct {
	svc Service
}

// NewHandler 创建处理器
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Submit 提交抽取任务
// @Summary 提交文档抽取任务
// @Description 默认入队异步执行；sync=true 时在请求内执行并返回结果
// @Tags Extractions
// @Accept json
// @Produce json
// @Param sync query bool false "同步执行"
// @Success 202 {object} common.APIResponse
// @Failure 400 {object} common.ErrorResponse
// @Failure 404 {object} common.ErrorResponse
// @Router /api/extractions [post]
func (h *Handler) Submit(c *gin.Context) {
	var req jobs.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, "请求体格式错误: "+err.Error())
		return
	}
	req.TenantID = middleware.TenantID(c)

	if sync, _ := strconv.ParseBool(c.Query("sync")); sync {
		job, err := h.svc.Execute(c.Request.Context(), req)
		if job == nil {
			respondError(c, err)
			return
		}
		// 任务已落库，运行失败信息在任务记录中
		common.OK(c, http.StatusOK, job)
		return
	}

	job, err := h.svc.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusAccepted, job)
}

// Get 查询任务
// @Summary 查询抽取任务
// @Tags Extractions
// @Produce json
// @Param id path string true "任务 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.ErrorResponse
// @Router /api/extractions/{id} [get]
func (h *Handler) Get(c *gin.Context) {
	job, err := h.svc.Get(c.Request.Context(), middleware.TenantID(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, job)
}

// List 最近的任务
// @Summary 列出抽取任务
// @Tags Extractions
// @Produce json
// @Param limit query int false "条数，默认 20"
// @Success 200 {object} common.APIResponse
// @Router /api/extractions [get]
func (h *Handler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	list, err := h.svc.List(c.Request.Context(), middleware.TenantID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, common.ListResponse{Items: list, Count: len(list)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrInvalidRequest):
		common.BadRequest(c, err.Error())
	case errors.Is(err, jobs.ErrDocumentNotFound):
		common.Fail(c, http.StatusNotFound, "document_not_found", err.Error())
	case errors.Is(err, jobs.ErrJobNotFound):
		common.Fail(c, http.StatusNotFound, "job_not_found", "任务不存在")
	case errors.Is(err, queue.ErrDuplicateTask):
		common.Fail(c, http.StatusConflict, "duplicate_task", err.Error())
	case errors.Is(err, gateway.ErrInsufficientBalance):
		common.Fail(c, http.StatusPaymentRequired, gateway.Code(err), err.Error())
	default:
		common.Fail(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

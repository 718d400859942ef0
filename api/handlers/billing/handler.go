package billing

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"extracthub/api/handlers/common"
	"extracthub/internal/ledger"
	"extracthub/internal/middleware"
	"extracthub/pkg/types"

	"github.com/gin-gonic/gin"
)

// Accounts 租户余额账户（DBLedger 与 RedisLedger 均实现）
type Accounts interface {
	Account(ctx context.Context, tenantID string) (*ledger.Account, error)
	Credit(ctx context.Context, tenantID string, amount types.Micros) error
	SetExtractionEnabled(ctx context.Context, tenantID string, enabled bool) error
}

// UsageReader 用量日志查询
type UsageReader interface {
	ListUsage(ctx context.Context, tenantID string, limit int) ([]types.UsageLog, error)
}

// Handler 余额与用量处理器
type Handler struct {
	accounts Accounts
	usage    UsageReader
}

// NewHandler 创建处理器
func NewHandler(accounts Accounts, usage UsageReader) *Handler {
	return &Handler{accounts: accounts, usage: usage}
}

// CreditRequest 充值请求
type CreditRequest struct {
	TenantID string       `json:"tenant_id" binding:"required"`
	Amount   types.Micros `json:"amount" binding:"required,gt=0"` // 十进制金额，精确到百万分之一
}

// FeatureRequest 功能开关请求
type FeatureRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// GetBalance 查询当前租户余额
// @Summary 查询余额
// @Tags Billing
// @Produce json
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.ErrorResponse
// @Router /api/balance [get]
func (h *Handler) GetBalance(c *gin.Context) {
	acc, err := h.accounts.Account(c.Request.Context(), middleware.TenantID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, acc)
}

// ListUsage 当前租户的用量日志
// @Summary 用量日志
// @Tags Billing
// @Produce json
// @Param limit query int false "条数，默认 50"
// @Success 200 {object} common.APIResponse
// @Router /api/usage [get]
func (h *Handler) ListUsage(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	logs, err := h.usage.ListUsage(c.Request.Context(), middleware.TenantID(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, common.ListResponse{Items: logs, Count: len(logs)})
}

// Credit 为租户充值（运维）
// @Summary 租户充值
// @Tags Admin
// @Accept json
// @Produce json
// @Success 200 {object} common.APIResponse
// @Failure 400 {object} common.ErrorResponse
// @Router /api/admin/credits [post]
func (h *Handler) Credit(c *gin.Context) {
	var req CreditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	tenantID := strings.TrimSpace(req.TenantID)
	if err := h.accounts.Credit(c.Request.Context(), tenantID, req.Amount); err != nil {
		respondError(c, err)
		return
	}
	acc, err := h.accounts.Account(c.Request.Context(), tenantID)
	if err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, acc)
}

// SetFeature 开关租户抽取功能（运维）
// @Summary 抽取功能开关
// @Tags Admin
// @Accept json
// @Produce json
// @Param tenant_id path string true "租户 ID"
// @Success 200 {object} common.APIResponse
// @Failure 404 {object} common.ErrorResponse
// @Router /api/admin/tenants/{tenant_id}/extraction [put]
func (h *Handler) SetFeature(c *gin.Context) {
	var req FeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		common.BadRequest(c, "请求参数错误: "+err.Error())
		return
	}
	tenantID := c.Param("tenant_id")
	if err := h.accounts.SetExtractionEnabled(c.Request.Context(), tenantID, *req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	common.OK(c, http.StatusOK, gin.H{"tenant_id": tenantID, "extraction_enabled": *req.Enabled})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		common.Fail(c, http.StatusNotFound, "account_not_found", err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount):
		common.BadRequest(c, err.Error())
	default:
		common.Fail(c, http.StatusInternalServerError, "internal", err.Error())
	}
}

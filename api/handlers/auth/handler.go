package auth

import (
	"context"
	"net/http"

	"extracthub/api/handlers/common"
	"extracthub/internal/auth"

	"github.com/gin-gonic/gin"
)

// Revoker 令牌吊销（由 auth.JWTService 实现）
type Revoker interface {
	InvalidateToken(ctx context.Context, tokenString string) error
}

// Handler 认证处理器
type Handler struct {
	revoker Revoker
}

// NewHandler 创建认证处理器
func NewHandler(revoker Revoker) *Handler {
	return &Handler{revoker: revoker}
}

// Logout 将当前访问令牌加入黑名单
// @Summary 登出
// @Description 吊销当前访问令牌直到其原有效期结束
// @Tags Auth
// @Produce json
// @Success 200 {object} common.APIResponse
// @Failure 503 {object} common.ErrorResponse
// @Router /api/auth/logout [post]
func (h *Handler) Logout(c *gin.Context) {
	token := auth.ExtractTokenFromBearer(c.GetHeader("Authorization"))
	if token == "" {
		common.Fail(c, http.StatusUnauthorized, "unauthorized", "缺少认证令牌")
		return
	}
	// 吊销失败时令牌仍然有效，不能返回成功
	if err := h.revoker.InvalidateToken(c.Request.Context(), token); err != nil {
		common.Fail(c, http.StatusServiceUnavailable, "revocation_unavailable", err.Error())
		return
	}
	common.OK(c, http.StatusOK, gin.H{"message": "登出成功"})
}

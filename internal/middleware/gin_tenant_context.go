package middleware

import (
	"net/http"
	"strings"

	"extracthub/internal/auth"
	"extracthub/internal/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// TenantIDKey gin 上下文中的租户 ID
const TenantIDKey = "tenant_id"

// GinTenantContextMiddleware 将 JWT 中的租户写入 gin 上下文与日志上下文。
// 仅当上游已经通过 AuthMiddleware 验证身份后使用。
func GinTenantContextMiddleware(log *zap.Logger) gin.HandlerFunc {
	log = logger.OrNop(log)

	return func(c *gin.Context) {
		userCtx, exists := auth.GetUserContext(c)
		if !exists {
			log.Warn("租户中间件之前缺少用户上下文", zap.String("path", c.FullPath()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "未认证"})
			return
		}

		tenantID := strings.TrimSpace(userCtx.TenantID)
		if tenantID == "" {
			log.Warn("令牌缺少租户 ID", zap.String("subject", userCtx.Subject))
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "缺少租户信息"})
			return
		}

		c.Set(TenantIDKey, tenantID)
		c.Request = c.Request.WithContext(logger.WithTenant(c.Request.Context(), tenantID))
		c.Next()
	}
}

// TenantID 当前请求的租户
func TenantID(c *gin.Context) string {
	return c.GetString(TenantIDKey)
}

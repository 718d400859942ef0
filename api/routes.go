package api

import (
	authhandler "extracthub/api/handlers/auth"
	"extracthub/api/handlers/billing"
	"extracthub/api/handlers/extractions"
	"extracthub/internal/auth"
	"extracthub/internal/logger"
	"extracthub/internal/metrics"
	middlewarepkg "extracthub/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Deps HTTP 层依赖
type Deps struct {
	DB          *gorm.DB
	Redis       redis.UniversalClient // 可选，就绪检查使用
	JWT         *auth.JWTService
	Jobs        extractions.Service
	Accounts    billing.Accounts
	Usage       billing.UsageReader
	Limiter     *middlewarepkg.RateLimiter // 可选，提交接口按租户限流
	CORSOrigins []string
	Logger      *zap.Logger
}

// NewRouter 创建 Gin 路由并挂载全局中间件
func NewRouter(d Deps) *gin.Engine {
	log := logger.OrNop(d.Logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middlewarepkg.RequestIDMiddleware())
	router.Use(metrics.PrometheusMiddleware())
	router.Use(RequestLogger(log))
	router.Use(CORS(d.CORSOrigins))

	RegisterRoutes(router, d)
	return router
}

// RegisterRoutes 注册所有 API 路由
func RegisterRoutes(router *gin.Engine, d Deps) {
	log := logger.OrNop(d.Logger)

	router.GET("/healthz", HealthCheck())
	router.GET("/readyz", ReadinessCheck(d.DB, d.Redis))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := router.Group("/api")
	api.Use(auth.AuthMiddleware(d.JWT), middlewarepkg.GinTenantContextMiddleware(log))

	jobsHandler := extractions.NewHandler(d.Jobs)
	submit := []gin.HandlerFunc{jobsHandler.Submit}
	if d.Limiter != nil {
		submit = append([]gin.HandlerFunc{middlewarepkg.RateLimitByTenant(d.Limiter)}, submit...)
	}
	api.POST("/extractions", submit...)
	api.GET("/extractions", jobsHandler.List)
	api.GET("/extractions/:id", jobsHandler.Get)

	api.POST("/auth/logout", authhandler.NewHandler(d.JWT).Logout)

	billingHandler := billing.NewHandler(d.Accounts, d.Usage)
	api.GET("/balance", billingHandler.GetBalance)
	api.GET("/usage", billingHandler.ListUsage)

	// 运维接口
	admin := api.Group("/admin", auth.RequireRole(auth.RoleAdmin))
	{
		admin.POST("/credits", billingHandler.Credit)
		admin.PUT("/tenants/:tenant_id/extraction", billingHandler.SetFeature)
	}
}

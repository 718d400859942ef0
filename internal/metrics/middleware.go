package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// 探针与抓取端点不计入接口指标
var systemPaths = map[string]bool{
	"/metrics": true,
	"/healthz": true,
	"/readyz":  true,
}

// PrometheusMiddleware 记录接口请求数与耗时，路径使用路由模板
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if systemPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		path := routeLabel(c)
		APIRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		APIRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// routeLabel 未匹配路由统一归为 unmatched，避免任意路径撑爆标签基数
func routeLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "unmatched"
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"extracthub/internal/auth"
	"extracthub/internal/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func withUser(u *auth.UserContext) gin.HandlerFunc {
	return func(c *gin.Context) {
		if u != nil {
			c.Set(string(auth.UserContextKey), u)
		}
		c.Next()
	}
}

func TestGinTenantContextMiddlewareInjectsContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestIDMiddleware())
	r.Use(withUser(&auth.UserContext{Subject: "user-1", TenantID: "tenant-1"}))
	r.Use(GinTenantContextMiddleware(zap.NewNop()))
	r.GET("/protected", func(c *gin.Context) {
		if TenantID(c) != "tenant-1" || logger.GetTraceID(c.Request.Context()) != "trace-9" {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.Status(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set(HeaderTraceID, "trace-9")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get(HeaderRequestID))
	assert.Equal(t, "trace-9", w.Header().Get(HeaderTraceID))
}

func TestGinTenantContextMiddlewareRejects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	tests := []struct {
		name string
		user *auth.UserContext
		want int
	}{
		{"missing user", nil, http.StatusUnauthorized},
		{"missing tenant", &auth.UserContext{Subject: "user-1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.Use(withUser(tt.user), GinTenantContextMiddleware(nil))
			r.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/protected", nil))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestRateLimiterBurstAndRefill(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2})
	defer rl.Stop()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(time.Second)
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
}

func TestRateLimiterMinuteCap(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 100, RequestsPerMinute: 3})
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		assert.True(t, rl.Allow("a"))
	}
	assert.False(t, rl.Allow("a"))
}

func TestRateLimitByTenant(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 0.001, BurstSize: 1})
	defer rl.Stop()

	r := gin.New()
	r.Use(withUser(&auth.UserContext{TenantID: "tenant-1"}), GinTenantContextMiddleware(nil), RateLimitByTenant(rl))
	r.POST("/submit", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/submit", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/submit", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1000", w.Header().Get("Retry-After"))
}

func TestTakeReportsWait(t *testing.T) {
	rl := NewRateLimiter(&RateLimiterConfig{RequestsPerSecond: 2, BurstSize: 1, RequestsPerMinute: 2})
	defer rl.Stop()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	ok, wait := rl.Take("a")
	assert.True(t, ok)
	assert.Zero(t, wait)

	ok, wait = rl.Take("a")
	assert.False(t, ok)
	assert.Equal(t, 500*time.Millisecond, wait)

	now = now.Add(time.Second)
	ok, _ = rl.Take("a")
	assert.True(t, ok)

	now = now.Add(time.Second)
	ok, wait = rl.Take("a")
	assert.False(t, ok, "每分钟上限")
	assert.Equal(t, 58*time.Second, wait)
}

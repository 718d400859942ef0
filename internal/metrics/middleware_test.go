package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMiddlewareLabels(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/items/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/items/:id", "200"))
	unmatched := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404"))
	health := testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200"))

	for _, path := range []string{"/items/1", "/items/2", "/nope/abc", "/healthz"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, before+2, testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/items/:id", "200")))
	assert.Equal(t, unmatched+1, testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
	assert.Equal(t, health, testutil.ToFloat64(APIRequestsTotal.WithLabelValues(http.MethodGet, "/healthz", "200")))
}

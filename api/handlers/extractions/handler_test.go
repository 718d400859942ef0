package extractions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"extracthub/internal/jobs"
	"extracthub/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	submitted *jobs.SubmitRequest
	executed  bool
	err       error
	jobs      map[string]*jobs.Job
}

func (f *fakeService) Submit(_ context.Context, req jobs.SubmitRequest) (*jobs.Job, error) {
	f.submitted = &req
	if f.err != nil {
		return nil, f.err
	}
	return &jobs.Job{ID: "job-1", TenantID: req.TenantID, DocumentID: req.DocumentID, Status: jobs.StatusQueued}, nil
}

func (f *fakeService) Execute(_ context.Context, req jobs.SubmitRequest) (*jobs.Job, error) {
	f.executed = true
	f.submitted = &req
	if f.err != nil {
		return nil, f.err
	}
	return &jobs.Job{ID: "job-2", TenantID: req.TenantID, Status: jobs.StatusCompleted}, nil
}

func (f *fakeService) Get(_ context.Context, tenantID, jobID string) (*jobs.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok || j.TenantID != tenantID {
		return nil, jobs.ErrJobNotFound
	}
	return j, nil
}

func (f *fakeService) List(_ context.Context, tenantID string, _ int) ([]jobs.Job, error) {
	var out []jobs.Job
	for _, j := range f.jobs {
		if j.TenantID == tenantID {
			out = append(out, *j)
		}
	}
	return out, nil
}

func newRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.TenantIDKey, "tenant-1")
		c.Next()
	})
	h := NewHandler(svc)
	r.POST("/api/extractions", h.Submit)
	r.GET("/api/extractions", h.List)
	r.GET("/api/extractions/:id", h.Get)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSubmitAccepted(t *testing.T) {
	svc := &fakeService{}
	w := do(newRouter(svc), http.MethodPost, "/api/extractions",
		`{"document_id":"doc-1","workers":["company_info"],"priority":"high","tenant_id":"spoofed"}`)

	assert.Equal(t, http.StatusAccepted, w.Code)
	require.NotNil(t, svc.submitted)
	assert.Equal(t, "tenant-1", svc.submitted.TenantID)
	assert.Equal(t, []string{"company_info"}, svc.submitted.Workers)
	assert.Equal(t, "high", svc.submitted.Priority)
	assert.False(t, svc.executed)

	var body struct {
		Success bool     `json:"success"`
		Data    jobs.Job `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Success)
	assert.Equal(t, "job-1", body.Data.ID)
}

func TestSubmitSync(t *testing.T) {
	svc := &fakeService{}
	w := do(newRouter(svc), http.MethodPost, "/api/extractions?sync=true", `{"document_id":"doc-1"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, svc.executed)
	assert.Contains(t, w.Body.String(), "job-2")
}

func TestSubmitErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
		err  error
		want int
		code string
	}{
		{"bad json", `{`, nil, http.StatusBadRequest, "invalid_request"},
		{"invalid", `{}`, fmt.Errorf("%w: 缺少参数", jobs.ErrInvalidRequest), http.StatusBadRequest, "invalid_request"},
		{"document", `{"document_id":"x"}`, fmt.Errorf("%w: x", jobs.ErrDocumentNotFound), http.StatusNotFound, "document_not_found"},
		{"internal", `{"document_id":"x"}`, fmt.Errorf("任务入队失败"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(newRouter(&fakeService{err: tt.err}), http.MethodPost, "/api/extractions", tt.body)
			assert.Equal(t, tt.want, w.Code)
			assert.Contains(t, w.Body.String(), tt.code)
		})
	}
}

func TestGetScopedToTenant(t *testing.T) {
	svc := &fakeService{jobs: map[string]*jobs.Job{
		"mine":   {ID: "mine", TenantID: "tenant-1"},
		"theirs": {ID: "theirs", TenantID: "tenant-2"},
	}}
	r := newRouter(svc)

	assert.Equal(t, http.StatusOK, do(r, http.MethodGet, "/api/extractions/mine", "").Code)
	w := do(r, http.MethodGet, "/api/extractions/theirs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "job_not_found")
}

func TestList(t *testing.T) {
	svc := &fakeService{jobs: map[string]*jobs.Job{
		"a": {ID: "a", TenantID: "tenant-1"},
		"b": {ID: "b", TenantID: "tenant-2"},
	}}
	w := do(newRouter(svc), http.MethodGet, "/api/extractions?limit=5", "")

	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Data struct {
			Count int `json:"count"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Data.Count)
}

package httputil

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// TestNewClient 测试创建基础客户端
func TestNewClient(t *testing.T) {
	client := NewClient()
	if client.timeout != 30*time.Second {
		t.Errorf("默认超时时间应为30秒，实际为 %v", client.timeout)
	}
	if client.headers["User-Agent"] != "extracthub/1.0" {
		t.Errorf("默认User-Agent不正确: %s", client.headers["User-Agent"])
	}

	customClient := NewClient(
		WithTimeout(10*time.Second),
		WithHeaders(map[string]string{"X-Custom": "value"}),
		WithRetries(3),
	)
	if customClient.timeout != 10*time.Second {
		t.Errorf("自定义超时时间应为10秒，实际为 %v", customClient.timeout)
	}
	if customClient.headers["X-Custom"] != "value" {
		t.Errorf("自定义头未设置")
	}
	if customClient.retries != 3 {
		t.Errorf("重试次数应为3，实际为 %d", customClient.retries)
	}
}

// TestClientPostJSON 测试PostJSON方法
func TestClientPostJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("缺少鉴权头")
		}
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"echo": in["name"]})
	}))
	defer server.Close()

	var out map[string]string
	err := NewClient().PostJSON(context.Background(), server.URL, map[string]string{"Authorization": "Bearer k"}, map[string]string{"name": "x"}, &out)
	if err != nil {
		t.Fatalf("PostJSON失败: %v", err)
	}
	if out["echo"] != "x" {
		t.Errorf("响应内容不正确: %v", out)
	}
}

// TestClientPostJSONStatusError 非 2xx 返回 StatusError
func TestClientPostJSONStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	err := NewClient().PostJSON(context.Background(), server.URL, nil, map[string]string{}, nil)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("期望 StatusError，实际为 %v", err)
	}
	if se.StatusCode != http.StatusTooManyRequests || se.Body == "" {
		t.Errorf("StatusError 内容不正确: %+v", se)
	}
}

// TestClientRetriesServerErrors 5xx 时重试并重建请求体
func TestClientRetriesServerErrors(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]int
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in["n"] != 1 {
			t.Errorf("重试时请求体丢失")
		}
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(WithRetries(2), WithRetryWait(time.Millisecond))
	if err := client.PostJSON(context.Background(), server.URL, nil, map[string]int{"n": 1}, nil); err != nil {
		t.Fatalf("期望最终成功，实际为 %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("期望请求3次，实际为 %d", calls)
	}
}

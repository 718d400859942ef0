package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"extracthub/pkg/aiinterface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func visionRequest() *aiinterface.ChatCompletionRequest {
	return &aiinterface.ChatCompletionRequest{
		Model:       "anthropic/claude-3.5-sonnet",
		Temperature: 0.1,
		MaxTokens:   1000,
		JSONMode:    true,
		Messages: []aiinterface.Message{{
			Role: aiinterface.RoleUser,
			Parts: []aiinterface.ContentPart{
				{Type: aiinterface.PartText, Text: "extract"},
				{Type: aiinterface.PartImage, ImageURL: "data:image/png;base64,AAAA"},
			},
		}},
	}
}

func TestChatCompletionSendsMultimodalRequest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-1", r.Header.Get("Authorization"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "anthropic/claude-3.5-sonnet", body["model"])
		assert.Equal(t, "json_object", body["response_format"].(map[string]any)["type"])
		content := body["messages"].([]any)[0].(map[string]any)["content"].([]any)
		require.Len(t, content, 2)
		assert.Equal(t, "image_url", content[1].(map[string]any)["type"])

		_, _ = w.Write([]byte(`{"id":"r1","model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"{\"a\":1}"},"finish_reason":"length"}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15,"cost":0.0123}}`))
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second)
	resp, err := c.ChatCompletion(context.Background(), "sk-1", visionRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, resp.Content())
	assert.True(t, resp.Truncated())
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
	require.NotNil(t, resp.Cost)
	assert.InDelta(t, 0.0123, *resp.Cost, 1e-9)
}

func TestChatCompletionMissingUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"r1","choices":[{"message":{"role":"assistant","content":"ok"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	resp, err := NewClient(server.URL, time.Second).ChatCompletion(context.Background(), "k", visionRequest())
	require.NoError(t, err)
	assert.Nil(t, resp.Usage)
	assert.Nil(t, resp.Cost)
}

func TestChatCompletionErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  aiinterface.ErrorType
		retryable bool
	}{
		{"http 429", 429, `{"error":{"message":"rate limited","code":429}}`, aiinterface.ErrorTypeRateLimit, true},
		{"http 503", 503, `oops`, aiinterface.ErrorTypeServerError, true},
		{"http 401", 401, `{"error":{"message":"bad key"}}`, aiinterface.ErrorTypeAuth, false},
		{"embedded 429", 200, `{"error":{"message":"slow down","code":429}}`, aiinterface.ErrorTypeRateLimit, true},
		{"embedded 502", 200, `{"error":{"message":"provider down","code":"502"}}`, aiinterface.ErrorTypeServerError, true},
		{"empty choices", 200, `{"id":"x","choices":[]}`, aiinterface.ErrorTypeServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL, time.Second).ChatCompletion(context.Background(), "k", visionRequest())
			var ce *aiinterface.ClientError
			require.True(t, errors.As(err, &ce), "got %v", err)
			assert.Equal(t, tt.wantType, ce.Type)
			assert.Equal(t, tt.retryable, ce.IsRetryable())
		})
	}
}

func TestChatCompletionTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewClient(server.URL, time.Second).ChatCompletion(ctx, "k", visionRequest())
	var ce *aiinterface.ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, aiinterface.ErrorTypeTimeout, ce.Type)
}

func TestChatCompletionRequiresKey(t *testing.T) {
	_, err := NewClient("http://unused", time.Second).ChatCompletion(context.Background(), "", visionRequest())
	var ce *aiinterface.ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, aiinterface.ErrorTypeAuth, ce.Type)
}

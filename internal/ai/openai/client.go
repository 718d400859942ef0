package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"extracthub/pkg/aiinterface"
	"extracthub/pkg/httputil"

	openai "github.com/sashabaranov/go-openai"
)

// Client OpenAI 兼容的对话补全传输层（OpenRouter 等聚合服务同样适用）
// 每次调用使用传入的 API Key，不做重试
type Client struct {
	baseURL string
	http    *httputil.Client
}

// NewClient 创建传输层
func NewClient(baseURL string, timeout time.Duration, opts ...httputil.ClientOption) *Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	opts = append([]httputil.ClientOption{httputil.WithTimeout(timeout)}, opts...)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewClient(opts...),
	}
}

// wireUsage 服务端用量，部分服务直接报告费用
type wireUsage struct {
	PromptTokens     int      `json:"prompt_tokens"`
	CompletionTokens int      `json:"completion_tokens"`
	TotalTokens      int      `json:"total_tokens"`
	Cost             *float64 `json:"cost,omitempty"`
}

// wireError 响应体中的错误对象（可能随 200 一起返回）
type wireError struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Type    string          `json:"type"`
}

func (e *wireError) status() int {
	if e == nil || len(e.Code) == 0 {
		return 0
	}
	raw := strings.Trim(string(e.Code), `"`)
	n, err := strconv.Atoi(raw)
	if err != nil {
		if raw == "rate_limit_exceeded" {
			return 429
		}
		return 0
	}
	return n
}

type wireResponse struct {
	openai.ChatCompletionResponse
	Usage *wireUsage `json:"usage"`
	Error *wireError `json:"error"`
}

// ChatCompletion 单次调用
func (c *Client) ChatCompletion(ctx context.Context, apiKey string, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	if apiKey == "" {
		return nil, &aiinterface.ClientError{Type: aiinterface.ErrorTypeAuth, Message: "API Key 不能为空"}
	}

	body, err := buildRequest(req)
	if err != nil {
		return nil, &aiinterface.ClientError{Type: aiinterface.ErrorTypeInvalidParams, Message: "构建请求失败", Err: err}
	}

	var resp wireResponse
	headers := map[string]string{"Authorization": "Bearer " + apiKey}
	if err := c.http.PostJSON(ctx, c.baseURL+"/chat/completions", headers, body, &resp); err != nil {
		return nil, wrapError(err)
	}

	if resp.Error != nil {
		status := resp.Error.status()
		errType := aiinterface.ClassifyStatus(status)
		if status == 0 {
			errType = aiinterface.ErrorTypeServerError
		}
		return nil, &aiinterface.ClientError{
			Type:       errType,
			StatusCode: status,
			Message:    "响应内含错误: " + resp.Error.Message,
		}
	}

	if len(resp.Choices) == 0 {
		return nil, &aiinterface.ClientError{
			Type:    aiinterface.ErrorTypeServerError,
			Message: "API 返回空响应",
		}
	}

	out := &aiinterface.ChatCompletionResponse{
		ID:    resp.ID,
		Model: resp.Model,
	}
	for _, ch := range resp.Choices {
		out.Choices = append(out.Choices, aiinterface.Choice{
			Content:      ch.Message.Content,
			FinishReason: string(ch.FinishReason),
		})
	}
	if resp.Usage != nil {
		out.Usage = &aiinterface.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
		out.Cost = resp.Usage.Cost
	}
	return out, nil
}

// buildRequest 转换为 OpenAI 请求格式，图片片段放入 MultiContent
func buildRequest(req *aiinterface.ChatCompletionRequest) (*openai.ChatCompletionRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("消息列表不能为空")
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{Role: m.Role}
		if len(m.Parts) == 0 {
			msg.Content = m.Content
		} else {
			for _, p := range m.Parts {
				switch p.Type {
				case aiinterface.PartText:
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: p.Text,
					})
				case aiinterface.PartImage:
					detail := openai.ImageURLDetailHigh
					if p.Detail != "" {
						detail = openai.ImageURLDetail(p.Detail)
					}
					msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: p.ImageURL, Detail: detail},
					})
				default:
					return nil, fmt.Errorf("未知的消息片段类型: %s", p.Type)
				}
			}
		}
		messages = append(messages, msg)
	}

	out := &openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.JSONMode {
		out.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}
	return out, nil
}

// wrapError 将 HTTP 层错误映射为 ClientError
func wrapError(err error) *aiinterface.ClientError {
	var se *httputil.StatusError
	if errors.As(err, &se) {
		msg := "API 返回错误状态"
		var body struct {
			Error *wireError `json:"error"`
		}
		if jerr := json.NewDecoder(bytes.NewReader([]byte(se.Body))).Decode(&body); jerr == nil && body.Error != nil {
			msg = body.Error.Message
		}
		return &aiinterface.ClientError{
			Type:       aiinterface.ClassifyStatus(se.StatusCode),
			StatusCode: se.StatusCode,
			Message:    msg,
			Err:        err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &aiinterface.ClientError{Type: aiinterface.ErrorTypeTimeout, Message: "请求超时", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &aiinterface.ClientError{Type: aiinterface.ErrorTypeUnknown, Message: "请求已取消", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &aiinterface.ClientError{Type: aiinterface.ErrorTypeTimeout, Message: "请求超时", Err: err}
		}
		return &aiinterface.ClientError{Type: aiinterface.ErrorTypeNetwork, Message: "网络错误", Err: err}
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) || strings.Contains(err.Error(), "解析JSON响应失败") {
		return &aiinterface.ClientError{Type: aiinterface.ErrorTypeServerError, Message: "响应格式错误", Err: err}
	}
	return &aiinterface.ClientError{Type: aiinterface.ErrorTypeNetwork, Message: "请求失败", Err: err}
}

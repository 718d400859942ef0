package anthropic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"extracthub/pkg/aiinterface"
	"extracthub/pkg/httputil"
)

const (
	defaultBaseURL = "https://api.anthropic.com"
	apiVersion     = "2023-06-01"
)

// Client Anthropic Messages API 传输层
// 每次调用使用传入的 API Key，不做重试
type Client struct {
	baseURL string
	http    *httputil.Client
}

// NewClient 创建传输层，baseURL 为空时使用官方地址
func NewClient(baseURL string, timeout time.Duration, opts ...httputil.ClientOption) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	opts = append([]httputil.ClientOption{httputil.WithTimeout(timeout)}, opts...)
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httputil.NewClient(opts...),
	}
}

// anthropicRequest Anthropic API 请求
type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float32            `json:"temperature"`
	System      string             `json:"system,omitempty"`
}

// anthropicMessage Anthropic 消息
type anthropicMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type   string       `json:"type"`
	Text   string       `json:"text,omitempty"`
	Source *imageSource `json:"source,omitempty"`
}

type imageSource struct {
	Type      string `json:"type"` // base64 或 url
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// anthropicResponse Anthropic API 响应
type anthropicResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// ChatCompletion 单次调用
func (c *Client) ChatCompletion(ctx context.Context, apiKey string, req *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	if apiKey == "" {
		return nil, &aiinterface.ClientError{Type: aiinterface.ErrorTypeAuth, Message: "Anthropic API Key 不能为空"}
	}
	body, err := buildRequest(req)
	if err != nil {
		return nil, &aiinterface.ClientError{Type: aiinterface.ErrorTypeInvalidParams, Message: "构建请求失败", Err: err}
	}

	var resp anthropicResponse
	headers := map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": apiVersion,
	}
	if err := c.http.PostJSON(ctx, c.baseURL+"/v1/messages", headers, body, &resp); err != nil {
		return nil, wrapError(err)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := &aiinterface.ChatCompletionResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Choices: []aiinterface.Choice{{
			Content:      text.String(),
			FinishReason: finishReason(resp.StopReason),
		}},
	}
	if resp.Usage != nil {
		out.Usage = &aiinterface.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

// finishReason 映射为 OpenAI 语义，max_tokens 视为截断
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return aiinterface.FinishLength
	case "":
		return ""
	}
	return aiinterface.FinishStop
}

// buildRequest system 消息单独处理，图片转为 image 块
func buildRequest(req *aiinterface.ChatCompletionRequest) (*anthropicRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("消息列表不能为空")
	}
	out := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	// Messages API 要求 max_tokens
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}

	for _, m := range req.Messages {
		if m.Role == aiinterface.RoleSystem {
			out.System = m.Content
			continue
		}
		msg := anthropicMessage{Role: m.Role}
		if len(m.Parts) == 0 {
			msg.Content = []contentBlock{{Type: "text", Text: m.Content}}
		}
		for _, p := range m.Parts {
			switch p.Type {
			case aiinterface.PartText:
				msg.Content = append(msg.Content, contentBlock{Type: "text", Text: p.Text})
			case aiinterface.PartImage:
				src, err := imageFromURL(p.ImageURL)
				if err != nil {
					return nil, err
				}
				msg.Content = append(msg.Content, contentBlock{Type: "image", Source: src})
			default:
				return nil, fmt.Errorf("未知的消息片段类型: %s", p.Type)
			}
		}
		out.Messages = append(out.Messages, msg)
	}
	if req.JSONMode {
		// 没有 response_format，改为在 system 中约束
		out.System = strings.TrimSpace(out.System + "\nRespond with a single JSON object and nothing else.")
	}
	return out, nil
}

// imageFromURL data URL 拆为 base64 块，其余按 URL 引用
func imageFromURL(raw string) (*imageSource, error) {
	if !strings.HasPrefix(raw, "data:") {
		return &imageSource{Type: "url", URL: raw}, nil
	}
	meta, data, ok := strings.Cut(strings.TrimPrefix(raw, "data:"), ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return nil, fmt.Errorf("不支持的图片 data URL")
	}
	return &imageSource{
		Type:      "base64",
		MediaType: strings.TrimSuffix(meta, ";base64"),
		Data:      data,
	}, nil
}

// wrapError 将 HTTP 层错误映射为 ClientError
func wrapError(err error) *aiinterface.ClientError {
	var se *httputil.StatusError
	if errors.As(err, &se) {
		errType := aiinterface.ClassifyStatus(se.StatusCode)
		// 529 overloaded
		if se.StatusCode == 529 {
			errType = aiinterface.ErrorTypeServerError
		}
		return &aiinterface.ClientError{
			Type:       errType,
			StatusCode: se.StatusCode,
			Message:    fmt.Sprintf("Anthropic API 错误 (HTTP %d)", se.StatusCode),
			Err:        err,
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &aiinterface.ClientError{Type: aiinterface.ErrorTypeTimeout, Message: "请求超时", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &aiinterface.ClientError{Type: aiinterface.ErrorTypeUnknown, Message: "请求已取消", Err: err}
	}
	return &aiinterface.ClientError{Type: aiinterface.ErrorTypeNetwork, Message: "请求失败", Err: err}
}

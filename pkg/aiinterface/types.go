package aiinterface

import (
	"context"
	"fmt"
)

// 消息角色
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// 内容片段类型
const (
	PartText  = "text"
	PartImage = "image_url"
)

// 结束原因
const (
	FinishStop   = "stop"
	FinishLength = "length"
)

// ContentPart 多模态消息片段（文本或图片）
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"` // data:image/png;base64,... 或 http(s) 地址
	Detail   string `json:"detail,omitempty"`
}

// Message 消息结构；Parts 非空时忽略 Content
type Message struct {
	Role    string        `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// TextLength 消息中全部文本的字符数
func (m Message) TextLength() int {
	n := len([]rune(m.Content))
	for _, p := range m.Parts {
		if p.Type == PartText {
			n += len([]rune(p.Text))
		}
	}
	return n
}

// ImageCount 消息中图片片段数量
func (m Message) ImageCount() int {
	n := 0
	for _, p := range m.Parts {
		if p.Type == PartImage {
			n++
		}
	}
	return n
}

// ChatCompletionRequest 对话补全请求；网关视其为只读
type ChatCompletionRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"` // 0 表示由服务端决定
	JSONMode    bool      `json:"json_mode,omitempty"`
}

// Choice 单个候选结果
type Choice struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
}

// Usage Token 使用情况
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatCompletionResponse 对话补全响应
// Usage 可能缺失；Cost 为服务端直接报告的费用（可选）
type ChatCompletionResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
	Cost    *float64 `json:"cost,omitempty"`
}

// Content 第一个候选的内容
func (r *ChatCompletionResponse) Content() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Content
}

// FinishReason 第一个候选的结束原因
func (r *ChatCompletionResponse) FinishReason() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].FinishReason
}

// Truncated 输出是否因长度上限被截断
func (r *ChatCompletionResponse) Truncated() bool {
	return r.FinishReason() == FinishLength
}

// Transport 远程推理服务的单次调用，不负责重试与计费
type Transport interface {
	ChatCompletion(ctx context.Context, apiKey string, req *ChatCompletionRequest) (*ChatCompletionResponse, error)
}

// ErrorType 错误类型
type ErrorType string

const (
	ErrorTypeAuth          ErrorType = "auth"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeInvalidParams ErrorType = "invalid_params"
	ErrorTypeServerError   ErrorType = "server_error"
	ErrorTypeNetwork       ErrorType = "network"
	ErrorTypeTimeout       ErrorType = "timeout"
	ErrorTypeUnknown       ErrorType = "unknown"
)

// ClientError 客户端错误
type ClientError struct {
	Type       ErrorType
	StatusCode int // HTTP 状态码或响应体内嵌错误码
	Message    string
	Err        error
}

// Error 实现error接口
func (e *ClientError) Error() string {
	msg := e.Message
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap 返回原始错误
func (e *ClientError) Unwrap() error {
	return e.Err
}

// IsRetryable 判断错误是否可重试
func (e *ClientError) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeRateLimit, ErrorTypeNetwork, ErrorTypeServerError, ErrorTypeTimeout:
		return true
	}
	return false
}

// IsRateLimit 是否为限流错误
func (e *ClientError) IsRateLimit() bool {
	return e.Type == ErrorTypeRateLimit
}

// ClassifyStatus 将 HTTP 状态码映射为错误类型
func ClassifyStatus(status int) ErrorType {
	switch {
	case status == 401 || status == 403:
		return ErrorTypeAuth
	case status == 429:
		return ErrorTypeRateLimit
	case status == 408:
		return ErrorTypeTimeout
	case status >= 500:
		return ErrorTypeServerError
	case status >= 400:
		return ErrorTypeInvalidParams
	}
	return ErrorTypeUnknown
}

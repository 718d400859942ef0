package alert

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"extracthub/pkg/httputil"
	"extracthub/pkg/types"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 事件类型
const (
	EventCostRunaway = "gateway.cost_runaway"
)

// Incident 需要运维介入的事件
type Incident struct {
	ID           string       `json:"id"`
	Event        string       `json:"event"`
	TenantID     string       `json:"tenant_id"`
	Model        string       `json:"model"`
	CredentialID string       `json:"credential_id,omitempty"`
	JobID        string       `json:"job_id,omitempty"`
	WorkerID     string       `json:"worker_id,omitempty"`
	Reserved     types.Micros `json:"reserved"`
	Actual       types.Micros `json:"actual"`
	Ratio        float64      `json:"ratio"`
	Message      string       `json:"message"`
	At           time.Time    `json:"at"`
}

// Notifier 运维告警通道
type Notifier interface {
	Notify(ctx context.Context, incident Incident) error
}

// LogNotifier 写入 error 级日志
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志告警
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify 实现 Notifier
func (n *LogNotifier) Notify(_ context.Context, in Incident) error {
	n.logger.Error("运维告警",
		zap.String("event", in.Event),
		zap.String("incident_id", in.ID),
		zap.String("tenant_id", in.TenantID),
		zap.String("model", in.Model),
		zap.String("credential_id", in.CredentialID),
		zap.Stringer("reserved", in.Reserved),
		zap.Stringer("actual", in.Actual),
		zap.Float64("ratio", in.Ratio),
		zap.String("message", in.Message),
	)
	return nil
}

// WebhookNotifier POST JSON 到告警地址，可选 HMAC 签名
type WebhookNotifier struct {
	url    string
	secret string
	client *httputil.Client
}

// NewWebhookNotifier 创建 Webhook 告警
func NewWebhookNotifier(url, secret string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{
		url:    url,
		secret: secret,
		client: httputil.NewClient(httputil.WithTimeout(timeout), httputil.WithRetries(2)),
	}
}

// Notify 实现 Notifier
func (n *WebhookNotifier) Notify(ctx context.Context, in Incident) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	headers := map[string]string{
		"X-Webhook-ID":        in.ID,
		"X-Webhook-Event":     in.Event,
		"X-Webhook-Timestamp": in.At.Format(time.RFC3339),
	}
	if n.secret != "" {
		headers["X-Webhook-Signature"] = Sign(body, n.secret)
	}
	if err := n.client.PostJSON(ctx, n.url, headers, json.RawMessage(body), nil); err != nil {
		return fmt.Errorf("发送告警 Webhook 失败: %w", err)
	}
	return nil
}

// Sign 计算 sha256 HMAC 签名
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return "sha256=" + hex.EncodeToString(h.Sum(nil))
}

// Multi 依次通知所有通道，单个通道失败不影响其他通道
type Multi []Notifier

// Notify 实现 Notifier
func (m Multi) Notify(ctx context.Context, in Incident) error {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, in); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package types

import "time"

// UsageLog 单次网关调度的用量记录
// 纯数据结构,不依赖任何internal包；每个终态结果恰好一条
type UsageLog struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TenantID     string    `json:"tenant_id" gorm:"index;not null"`
	CredentialID string    `json:"credential_id,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	TotalTokens  int       `json:"total_tokens"`
	Reserved     Micros    `json:"reserved" gorm:"type:bigint"`
	Cost         Micros    `json:"cost" gorm:"type:bigint"` // 实际扣费（熔断时为 0），最小单位
	PriceSource  string    `json:"price_source,omitempty"`
	Success      bool      `json:"success"`
	ErrorCode    string    `json:"error_code,omitempty"` // rate_limit_exhausted, transient_network, cost_runaway...
	ErrorMessage string    `json:"error_message,omitempty"`
	Attempts     int       `json:"attempts"`
	LatencyMS    int64     `json:"latency_ms"`
	JobID        string    `json:"job_id,omitempty" gorm:"index"`
	WorkerID     string    `json:"worker_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// TableName 表名
func (UsageLog) TableName() string {
	return "usage_logs"
}

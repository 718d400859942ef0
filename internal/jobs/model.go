package jobs

import (
	"time"

	"extracthub/pkg/types"

	"gorm.io/datatypes"
)

// Status 任务状态
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job 一次文档抽取任务
type Job struct {
	ID         string `gorm:"primaryKey;type:varchar(36)" json:"id"`
	TenantID   string `gorm:"index;type:varchar(64);not null" json:"tenant_id"`
	DocumentID string `gorm:"type:varchar(128);not null" json:"document_id"`
	Status     Status `gorm:"index;type:varchar(16);not null" json:"status"`
	Priority   string `gorm:"type:varchar(16)" json:"priority,omitempty"`

	Workers  datatypes.JSON `json:"workers"`
	Sections datatypes.JSON `json:"sections,omitempty"`
	Routing  datatypes.JSON `json:"routing,omitempty"`
	// Result 编排结果（合并字段、失败记录、用量与元数据）
	Result datatypes.JSON `json:"result,omitempty"`

	PageCount      int          `json:"page_count"`
	CompletedCount int          `json:"completed_count"`
	FailedCount    int          `json:"failed_count"`
	TotalCost      types.Micros `gorm:"type:bigint;not null;default:0" json:"total_cost"`
	ErrorCode      string       `gorm:"type:varchar(32)" json:"error_code,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TableName 表名
func (Job) TableName() string {
	return "extraction_jobs"
}

// Models 需要迁移的表
func Models() []any {
	return []any{&Job{}}
}

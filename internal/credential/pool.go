package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"extracthub/pkg/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrNoCredential 当前没有可用（未冷却）的凭证
var ErrNoCredential = errors.New("没有可用的 API 凭证")

// Credential 凭证池中的一条 API Key（仅保存密文）
type Credential struct {
	ID              string       `gorm:"primaryKey;type:varchar(36)" json:"id"`
	Name            string       `gorm:"type:varchar(128)" json:"name"`
	TenantID        string       `gorm:"index;type:varchar(64)" json:"tenant_id"` // 为空表示共享凭证
	EncryptedSecret []byte       `gorm:"not null" json:"-"`
	Active          bool         `gorm:"not null;default:true" json:"active"`
	CooldownUntil   *time.Time   `json:"cooldown_until,omitempty"`
	LastUsedAt      *time.Time   `json:"last_used_at,omitempty"`
	UsageCount      int64        `gorm:"not null;default:0" json:"usage_count"`
	FailureCount    int64        `gorm:"not null;default:0" json:"failure_count"`
	TotalCost       types.Micros `gorm:"type:bigint;not null;default:0" json:"total_cost"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// TableName 表名
func (Credential) TableName() string {
	return "api_credentials"
}

// Handle 网关使用的凭证句柄，明文只存在于 SecretCache
type Handle struct {
	ID              string
	EncryptedSecret []byte
}

// UsageRecord 一次调度结束后回写凭证统计
type UsageRecord struct {
	CredentialID string
	LogID        string
	Model        string
	Success      bool
	Cost         types.Micros
	TotalTokens  int
	LatencyMS    int64
}

// Pool 基于数据库的凭证池
type Pool struct {
	db  *gorm.DB
	now func() time.Time
}

// NewPool 创建凭证池
func NewPool(db *gorm.DB) *Pool {
	return &Pool{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Add 添加凭证
func (p *Pool) Add(ctx context.Context, name, tenantID string, encrypted []byte) (*Credential, error) {
	if len(encrypted) == 0 {
		return nil, errors.New("凭证密文不能为空")
	}
	c := &Credential{
		ID:              uuid.NewString(),
		Name:            name,
		TenantID:        tenantID,
		EncryptedSecret: encrypted,
		Active:          true,
	}
	if err := p.db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, fmt.Errorf("保存凭证失败: %w", err)
	}
	return c, nil
}

// Acquire 取一个未处于冷却期的凭证，租户专属优先，其次按最久未使用轮转
func (p *Pool) Acquire(ctx context.Context, tenantID string) (*Handle, error) {
	now := p.now()
	var c Credential
	err := p.db.WithContext(ctx).
		Where("active = ?", true).
		Where("tenant_id = ? OR tenant_id = ''", tenantID).
		Where("cooldown_until IS NULL OR cooldown_until <= ?", now).
		Order("tenant_id = '', last_used_at IS NOT NULL, last_used_at ASC").
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("获取凭证失败: %w", err)
	}

	if err := p.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", c.ID).
		Update("last_used_at", now).Error; err != nil {
		return nil, fmt.Errorf("更新凭证使用时间失败: %w", err)
	}
	return &Handle{ID: c.ID, EncryptedSecret: c.EncryptedSecret}, nil
}

// Cooldown 标记凭证在 d 时间内不可用（收到 429 时调用）
func (p *Pool) Cooldown(ctx context.Context, id string, d time.Duration) error {
	until := p.now().Add(d)
	return p.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", id).
		Update("cooldown_until", until).Error
}

// RecordUsage 回写调用次数、失败次数与累计费用
func (p *Pool) RecordUsage(ctx context.Context, rec UsageRecord) error {
	failed := 0
	if !rec.Success {
		failed = 1
	}
	return p.db.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", rec.CredentialID).
		Updates(map[string]any{
			"usage_count":   gorm.Expr("usage_count + 1"),
			"failure_count": gorm.Expr("failure_count + ?", failed),
			"total_cost":    gorm.Expr("total_cost + ?", int64(rec.Cost)),
		}).Error
}

// Deactivate 停用凭证
func (p *Pool) Deactivate(ctx context.Context, id string) error {
	return p.db.WithContext(ctx).Model(&Credential{}).Where("id = ?", id).Update("active", false).Error
}

// List 列出凭证（不含密文）
func (p *Pool) List(ctx context.Context) ([]Credential, error) {
	var list []Credential
	err := p.db.WithContext(ctx).Omit("encrypted_secret").Order("created_at").Find(&list).Error
	return list, err
}

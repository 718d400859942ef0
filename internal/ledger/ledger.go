package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"extracthub/pkg/types"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAccountNotFound = errors.New("租户余额账户不存在")
	ErrInvalidAmount   = errors.New("无效的金额")
)

// Account 租户余额账户
type Account struct {
	TenantID          string       `gorm:"primaryKey;type:varchar(64)" json:"tenant_id"`
	Balance           types.Micros `gorm:"type:bigint;not null;default:0" json:"balance"` // 最小单位整数
	ExtractionEnabled bool         `gorm:"not null;default:true" json:"extraction_enabled"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// TableName 表名
func (Account) TableName() string {
	return "tenant_accounts"
}

// DBLedger 基于数据库条件更新的余额账本
// 扣减只使用单条 UPDATE ... WHERE balance >= ?，不存在先读后写；金额均为整数最小单位
type DBLedger struct {
	db *gorm.DB
}

// NewDBLedger 创建数据库账本
func NewDBLedger(db *gorm.DB) *DBLedger {
	return &DBLedger{db: db}
}

// Models 需要迁移的表
func Models() []any {
	return []any{&Account{}, &types.UsageLog{}}
}

// Account 查询租户账户
func (l *DBLedger) Account(ctx context.Context, tenantID string) (*Account, error) {
	var acc Account
	err := l.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("查询余额账户失败: %w", err)
	}
	return &acc, nil
}

// DecrementIfSufficient 余额充足时原子扣减，返回是否扣减成功
func (l *DBLedger) DecrementIfSufficient(ctx context.Context, tenantID string, amount types.Micros) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	res := l.db.WithContext(ctx).
		Model(&Account{}).
		Where("tenant_id = ? AND balance >= ?", tenantID, int64(amount)).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance - ?", int64(amount)),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return false, fmt.Errorf("扣减余额失败: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Increment 原子增加余额（退款）
func (l *DBLedger) Increment(ctx context.Context, tenantID string, amount types.Micros) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	res := l.db.WithContext(ctx).
		Model(&Account{}).
		Where("tenant_id = ?", tenantID).
		Updates(map[string]any{
			"balance":    gorm.Expr("balance + ?", int64(amount)),
			"updated_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("增加余额失败: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// Credit 充值，账户不存在时创建
func (l *DBLedger) Credit(ctx context.Context, tenantID string, amount types.Micros) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc := Account{TenantID: tenantID, ExtractionEnabled: true}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&acc).Error; err != nil {
			return fmt.Errorf("创建余额账户失败: %w", err)
		}
		return tx.Model(&Account{}).
			Where("tenant_id = ?", tenantID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", int64(amount)),
				"updated_at": time.Now().UTC(),
			}).Error
	})
}

// SetExtractionEnabled 开关租户的抽取功能
func (l *DBLedger) SetExtractionEnabled(ctx context.Context, tenantID string, enabled bool) error {
	res := l.db.WithContext(ctx).Model(&Account{}).
		Where("tenant_id = ?", tenantID).
		Update("extraction_enabled", enabled)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// AppendUsageLog 写入一条用量日志
func (l *DBLedger) AppendUsageLog(ctx context.Context, entry *types.UsageLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := l.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("写入用量日志失败: %w", err)
	}
	return nil
}

// ListUsage 按时间倒序列出租户用量
func (l *DBLedger) ListUsage(ctx context.Context, tenantID string, limit int) ([]types.UsageLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var logs []types.UsageLog
	err := l.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

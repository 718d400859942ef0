package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"extracthub/pkg/types"

	"github.com/redis/go-redis/v9"
)

// UsageLogWriter 用量日志落库
type UsageLogWriter interface {
	AppendUsageLog(ctx context.Context, entry *types.UsageLog) error
}

// decrementScript 余额充足时扣减，返回 1 成功 / 0 不足 / -1 账户不存在
var decrementScript = redis.NewScript(`
local bal = redis.call('HGET', KEYS[1], 'balance')
if not bal then return -1 end
if tonumber(bal) >= tonumber(ARGV[1]) then
  redis.call('HINCRBY', KEYS[1], 'balance', -tonumber(ARGV[1]))
  return 1
end
return 0
`)

var incrementScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HINCRBY', KEYS[1], 'balance', ARGV[1])
return 1
`)

// RedisLedger 余额以整数最小单位存放在 Redis Hash 中，扣减由 Lua 脚本原子完成
// 用量日志仍写入数据库
type RedisLedger struct {
	rdb    redis.UniversalClient
	logs   UsageLogWriter
	prefix string
}

// NewRedisLedger 创建 Redis 账本
func NewRedisLedger(rdb redis.UniversalClient, logs UsageLogWriter) *RedisLedger {
	return &RedisLedger{rdb: rdb, logs: logs, prefix: "extracthub:balance:"}
}

func (l *RedisLedger) key(tenantID string) string {
	return l.prefix + tenantID
}

// Account 查询租户账户
func (l *RedisLedger) Account(ctx context.Context, tenantID string) (*Account, error) {
	vals, err := l.rdb.HGetAll(ctx, l.key(tenantID)).Result()
	if err != nil {
		return nil, fmt.Errorf("读取 Redis 余额失败: %w", err)
	}
	if len(vals) == 0 {
		return nil, ErrAccountNotFound
	}
	bal, err := strconv.ParseInt(vals["balance"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("余额格式错误: %w", err)
	}
	return &Account{
		TenantID:          tenantID,
		Balance:           types.Micros(bal),
		ExtractionEnabled: vals["enabled"] != "0",
	}, nil
}

// DecrementIfSufficient 余额充足时原子扣减
func (l *RedisLedger) DecrementIfSufficient(ctx context.Context, tenantID string, amount types.Micros) (bool, error) {
	if amount < 0 {
		return false, ErrInvalidAmount
	}
	res, err := decrementScript.Run(ctx, l.rdb, []string{l.key(tenantID)}, int64(amount)).Int()
	if err != nil {
		return false, fmt.Errorf("扣减余额失败: %w", err)
	}
	switch res {
	case 1:
		return true, nil
	case -1:
		return false, ErrAccountNotFound
	}
	return false, nil
}

// Increment 原子增加余额
func (l *RedisLedger) Increment(ctx context.Context, tenantID string, amount types.Micros) error {
	if amount < 0 {
		return ErrInvalidAmount
	}
	if amount == 0 {
		return nil
	}
	res, err := incrementScript.Run(ctx, l.rdb, []string{l.key(tenantID)}, int64(amount)).Int()
	if err != nil {
		return fmt.Errorf("增加余额失败: %w", err)
	}
	if res == -1 {
		return ErrAccountNotFound
	}
	return nil
}

// Credit 充值，账户不存在时创建
func (l *RedisLedger) Credit(ctx context.Context, tenantID string, amount types.Micros) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	pipe := l.rdb.TxPipeline()
	pipe.HSetNX(ctx, l.key(tenantID), "enabled", "1")
	pipe.HIncrBy(ctx, l.key(tenantID), "balance", int64(amount))
	_, err := pipe.Exec(ctx)
	return err
}

var enableScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
redis.call('HSET', KEYS[1], 'enabled', ARGV[1])
return 1
`)

// SetExtractionEnabled 开关租户的抽取功能
func (l *RedisLedger) SetExtractionEnabled(ctx context.Context, tenantID string, enabled bool) error {
	flag := "0"
	if enabled {
		flag = "1"
	}
	res, err := enableScript.Run(ctx, l.rdb, []string{l.key(tenantID)}, flag).Int()
	if err != nil {
		return fmt.Errorf("更新功能开关失败: %w", err)
	}
	if res == -1 {
		return ErrAccountNotFound
	}
	return nil
}

// AppendUsageLog 委托给数据库写入
func (l *RedisLedger) AppendUsageLog(ctx context.Context, entry *types.UsageLog) error {
	if l.logs == nil {
		return errors.New("未配置用量日志存储")
	}
	return l.logs.AppendUsageLog(ctx, entry)
}

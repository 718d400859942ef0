package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"extracthub/internal/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// 价格来源
const (
	SourceDatabase = "database"
	SourceBuiltin  = "builtin"
	SourceFallback = "fallback"
)

// Rate 每百万 token 单价（美元）
type Rate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// Price 查询结果，带来源与可信度
type Price struct {
	Model      string  `json:"model"`
	Rate       Rate    `json:"rate"`
	Source     string  `json:"source"`
	Confidence float64 `json:"confidence"`
}

// CostResult 费用计算结果，金额为精确十进制
type CostResult struct {
	Cost         decimal.Decimal `json:"cost"`
	InputCost    decimal.Decimal `json:"input_cost"`
	OutputCost   decimal.Decimal `json:"output_cost"`
	InputTokens  int             `json:"input_tokens"`
	OutputTokens int             `json:"output_tokens"`
	Price        Price           `json:"price"`
}

// ErrInvalidPrice 单价为负或全部为 0
var ErrInvalidPrice = errors.New("无效的模型单价")

// ModelPrice 数据库中维护的模型价格
type ModelPrice struct {
	Model         string    `gorm:"primaryKey;type:varchar(128)" json:"model"`
	InputPerMTok  float64   `gorm:"not null" json:"input_per_mtok"`
	OutputPerMTok float64   `gorm:"not null" json:"output_per_mtok"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName 表名
func (ModelPrice) TableName() string {
	return "model_prices"
}

// Oracle 价格查询：数据库 → 内置价格表 → 保守兜底价
type Oracle struct {
	db       *gorm.DB
	fallback Rate
	logger   *zap.Logger
}

// NewOracle 创建价格查询器；db 为 nil 时跳过数据库层
func NewOracle(db *gorm.DB, fallback Rate, log *zap.Logger) *Oracle {
	return &Oracle{db: db, fallback: fallback, logger: logger.OrNop(log)}
}

// PriceFor 查询模型单价，永不因未知模型失败
func (o *Oracle) PriceFor(ctx context.Context, model string) (Price, error) {
	name := NormalizeModelName(model)

	if o.db != nil {
		var mp ModelPrice
		err := o.db.WithContext(ctx).Where("model IN ?", []string{model, name}).First(&mp).Error
		switch {
		case err == nil:
			return Price{Model: name, Rate: Rate{InputPerMTok: mp.InputPerMTok, OutputPerMTok: mp.OutputPerMTok}, Source: SourceDatabase, Confidence: 1.0}, nil
		case errors.Is(err, gorm.ErrRecordNotFound):
		default:
			o.logger.Warn("查询模型价格失败，使用内置价格", zap.String("model", model), zap.Error(err))
		}
	}

	if rate, ok := builtinPrices[name]; ok {
		return Price{Model: name, Rate: rate, Source: SourceBuiltin, Confidence: 0.9}, nil
	}

	o.logger.Warn("未知模型，使用保守兜底价", zap.String("model", model))
	return Price{Model: name, Rate: o.fallback, Source: SourceFallback, Confidence: 0.3}, nil
}

// Cost 按 token 数计算费用
func (o *Oracle) Cost(ctx context.Context, model string, inputTokens, outputTokens int) (CostResult, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return CostResult{}, fmt.Errorf("token 数不能为负: in=%d out=%d", inputTokens, outputTokens)
	}
	price, err := o.PriceFor(ctx, model)
	if err != nil {
		return CostResult{}, err
	}
	in := perToken(price.Rate.InputPerMTok).Mul(decimal.NewFromInt(int64(inputTokens)))
	out := perToken(price.Rate.OutputPerMTok).Mul(decimal.NewFromInt(int64(outputTokens)))
	return CostResult{
		Cost:         in.Add(out),
		InputCost:    in,
		OutputCost:   out,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Price:        price,
	}, nil
}

func perToken(perMTok float64) decimal.Decimal {
	return decimal.NewFromFloat(perMTok).Shift(-6)
}

// Upsert 写入或更新数据库价格
// 零价格会让预留为 0，任何实际费用都会触发熔断，因此拒绝
func (o *Oracle) Upsert(ctx context.Context, mp ModelPrice) error {
	if mp.InputPerMTok < 0 || mp.OutputPerMTok < 0 || (mp.InputPerMTok == 0 && mp.OutputPerMTok == 0) {
		return fmt.Errorf("%w: in=%v out=%v", ErrInvalidPrice, mp.InputPerMTok, mp.OutputPerMTok)
	}
	if o.db == nil {
		return errors.New("价格数据库未配置")
	}
	mp.Model = NormalizeModelName(mp.Model)
	return o.db.WithContext(ctx).Save(&mp).Error
}

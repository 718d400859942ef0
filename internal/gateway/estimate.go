package gateway

import (
	"sync"

	"extracthub/pkg/aiinterface"
	"extracthub/pkg/types"

	"github.com/pkoukk/tiktoken-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// TokenEstimator 估算请求的文本输入 token 数（不含图片）
type TokenEstimator interface {
	EstimateText(req *aiinterface.ChatCompletionRequest) int
}

// CharEstimator 约 4 个字符 1 个 token，向上取整
type CharEstimator struct{}

// EstimateText 实现 TokenEstimator
func (CharEstimator) EstimateText(req *aiinterface.ChatCompletionRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += m.TextLength()
	}
	return (chars + 3) / 4
}

// TiktokenEstimator 使用 tiktoken 编码计数，编码不可用时退回字符估算
type TiktokenEstimator struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger *zap.Logger
}

// NewTiktokenEstimator 创建 tiktoken 估算器
func NewTiktokenEstimator(logger *zap.Logger) *TiktokenEstimator {
	return &TiktokenEstimator{logger: logger}
}

// EstimateText 实现 TokenEstimator
func (t *TiktokenEstimator) EstimateText(req *aiinterface.ChatCompletionRequest) int {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			t.logger.Warn("加载 tiktoken 编码失败，退回字符估算", zap.Error(err))
			return
		}
		t.enc = enc
	})
	if t.enc == nil {
		return CharEstimator{}.EstimateText(req)
	}

	total := 0
	for _, m := range req.Messages {
		// 每条消息约 4 个 token 的角色开销
		total += 4 + len(t.enc.Encode(m.Content, nil, nil))
		for _, p := range m.Parts {
			if p.Type == aiinterface.PartText {
				total += len(t.enc.Encode(p.Text, nil, nil))
			}
		}
	}
	return total
}

// estimate 预留金额的计算结果
type estimate struct {
	InputTokens  int
	OutputTokens int
	BaseCost     decimal.Decimal // 按价格表计算的原始费用
	Reserve      types.Micros    // 加价 + 缓冲后向上取整的预留额
	PriceSource  string
}

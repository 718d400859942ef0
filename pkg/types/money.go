package types

import (
	"bytes"
	"fmt"

	"github.com/shopspring/decimal"
)

// MicrosPerUnit 一个货币单位包含的最小单位数
const MicrosPerUnit = 1_000_000

// Micros 金额的最小单位（百万分之一货币单位）
// 余额、预留与扣费全部以整数存储和运算，加减不产生舍入误差
type Micros int64

// CeilMicros 向上取整到最小单位，用于预留与扣费
func CeilMicros(d decimal.Decimal) Micros {
	return Micros(d.Shift(6).Ceil().IntPart())
}

// RoundMicros 四舍五入到最小单位，用于外部输入的金额
func RoundMicros(d decimal.Decimal) Micros {
	return Micros(d.Shift(6).Round(0).IntPart())
}

// MicrosFromFloat 配置项等浮点金额的转换
func MicrosFromFloat(f float64) Micros {
	return RoundMicros(decimal.NewFromFloat(f))
}

// ParseMicros 解析十进制金额字符串，例如 "12.5"
func ParseMicros(s string) (Micros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("金额格式错误: %w", err)
	}
	return RoundMicros(d), nil
}

// Decimal 精确的十进制金额
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// Float64 仅用于指标与日志展示
func (m Micros) Float64() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

func (m Micros) String() string {
	return m.Decimal().String()
}

// MarshalJSON 以十进制数字输出，例如 0.15
func (m Micros) MarshalJSON() ([]byte, error) {
	return []byte(m.Decimal().String()), nil
}

// UnmarshalJSON 接受数字或字符串形式的十进制金额
func (m *Micros) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*m = 0
		return nil
	}
	v, err := ParseMicros(string(data))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

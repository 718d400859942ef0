package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"

	"extracthub/internal/extraction"

	"github.com/Knetic/govaluate"
)

// Check 合并后的跨字段一致性检查，只产生警告
type Check struct {
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
}

// DefaultChecks 年报常用的一致性检查（金额为基本单位，容差覆盖 tkr 取整）
func DefaultChecks() []Check {
	return []Check{
		{Name: "balance_identity", Expression: "abs(total_assets - total_equity_and_liabilities) <= 1000"},
		{Name: "assets_sum", Expression: "abs(fixed_assets + current_assets - total_assets) <= 1000"},
		{Name: "equity_not_above_total", Expression: "total_equity <= total_assets"},
		{Name: "solidity_range", Expression: "solidity_percent >= 0 && solidity_percent <= 100"},
	}
}

var checkFunctions = map[string]govaluate.ExpressionFunction{
	"abs": func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("abs 需要 1 个参数")
		}
		f, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("abs 参数不是数字: %v", args[0])
		}
		return math.Abs(f), nil
	},
}

// Warning 检查未通过或无法执行
type Warning struct {
	Check   string `json:"check"`
	Message string `json:"message"`
}

// reconcile 所需字段都为数值时才执行，缺失字段的检查被跳过
func reconcile(merged map[string]extraction.Field, checks []Check) []Warning {
	var warnings []Warning
	for _, c := range checks {
		expr, err := govaluate.NewEvaluableExpressionWithFunctions(c.Expression, checkFunctions)
		if err != nil {
			warnings = append(warnings, Warning{Check: c.Name, Message: fmt.Sprintf("解析表达式失败: %v", err)})
			continue
		}

		params := make(map[string]interface{})
		complete := true
		for _, v := range expr.Vars() {
			f, ok := numeric(merged[v].Value)
			if !ok {
				complete = false
				break
			}
			params[v] = f
		}
		if !complete {
			continue
		}

		result, err := expr.Evaluate(params)
		if err != nil {
			warnings = append(warnings, Warning{Check: c.Name, Message: fmt.Sprintf("评估表达式失败: %v", err)})
			continue
		}
		if passed, ok := result.(bool); !ok || !passed {
			warnings = append(warnings, Warning{Check: c.Name, Message: "一致性检查未通过: " + c.Expression})
		}
	}
	return warnings
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

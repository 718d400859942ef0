package pricing

import "strings"

// builtinPrices 每百万 token 的美元单价（按规范化后的模型名）
var builtinPrices = map[string]Rate{
	"claude-3.5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3.7-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-sonnet-4":   {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"claude-3-opus":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-opus-4":     {InputPerMTok: 15.00, OutputPerMTok: 75.00},
	"claude-3-haiku":    {InputPerMTok: 0.25, OutputPerMTok: 1.25},
	"claude-3.5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"gpt-4o":            {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"gpt-4.1":           {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"gpt-4.1-mini":      {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"gemini-1.5-pro":    {InputPerMTok: 1.25, OutputPerMTok: 5.00},
	"gemini-flash-1.5":  {InputPerMTok: 0.075, OutputPerMTok: 0.30},
	"gemini-2.0-flash":  {InputPerMTok: 0.10, OutputPerMTok: 0.40},
}

// NormalizeModelName 去掉服务商前缀、变体后缀与日期后缀
// e.g. "anthropic/claude-3.5-sonnet-20241022:beta" -> "claude-3.5-sonnet"
func NormalizeModelName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.IndexByte(name, ':'); i >= 0 {
		name = name[:i]
	}
	if _, ok := builtinPrices[name]; ok {
		return name
	}

	parts := strings.Split(name, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if isAllDigits(last) && len(last) >= 8 {
			return strings.Join(parts[:len(parts)-1], "-")
		}
	}
	// 2024-08-06 形式的日期后缀
	if len(parts) >= 4 && isAllDigits(parts[len(parts)-1]) && isAllDigits(parts[len(parts)-2]) && len(parts[len(parts)-3]) == 4 && isAllDigits(parts[len(parts)-3]) {
		return strings.Join(parts[:len(parts)-3], "-")
	}
	return name
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

package extraction

import (
	"encoding/json"
	"math"
	"sort"
	"strconv"

	"extracthub/internal/parser"
)

// Field 带置信度与证据页的抽取结果
// Value 为 nil 表示文档中不存在该项，与置信度无关
type Field struct {
	Value          any     `json:"value"`
	Confidence     float64 `json:"confidence"`
	EvidencePages  []int   `json:"evidence_pages"`
	OriginalString string  `json:"original_string,omitempty"`
	Provenance     string  `json:"provenance"`
}

// 响应级保留键，不作为字段
const (
	keyEvidence   = "evidence_pages"
	keyConfidence = "confidence"
)

// 各解析阶段的置信度上限
var stageCeiling = map[parser.Stage]float64{
	parser.StageDirect:    0.95,
	parser.StageExtracted: 0.9,
	parser.StageFixed:     0.8,
	parser.StageRepaired:  0.6,
}

// truncatedPenalty finish_reason 为 length 时的折扣
const truncatedPenalty = 0.8

// signals 影响置信度的响应信号
type signals struct {
	stage     parser.Stage
	truncated bool
	response  *float64 // 响应级自报置信度
}

func (s signals) ceiling() float64 {
	c, ok := stageCeiling[s.stage]
	if !ok {
		c = 0.5
	}
	if s.truncated {
		c *= truncatedPenalty
	}
	return c
}

// confidence 自报置信度不超过阶段上限
func (s signals) confidence(explicit *float64) float64 {
	c := s.ceiling()
	reported := explicit
	if reported == nil {
		reported = s.response
	}
	if reported != nil {
		c = math.Min(c, clamp01(*reported))
	}
	return math.Round(c*1000) / 1000
}

// wrapResult 字段包装的产物
type wrapResult struct {
	fields      map[string]Field
	noEvidence  []string // 回退到分配页码的字段
	currencyErr []string // 声明为金额但无法解析的字段
}

// wrapFields 原始对象到强类型字段的唯一转换点
func wrapFields(raw parser.RawOutput, w *Worker, truncated bool, assigned []int, provenance string) wrapResult {
	sig := signals{stage: raw.Stage, truncated: truncated, response: numberPtr(raw.Object[keyConfidence])}
	defaultPages, responseHasPages := intList(raw.Object[keyEvidence])
	if !responseHasPages {
		defaultPages = assigned
	}

	out := wrapResult{fields: make(map[string]Field, len(raw.Object))}
	for name, v := range raw.Object {
		if name == keyEvidence || name == keyConfidence {
			continue
		}

		value := v
		var explicit *float64
		pages, hasPages := []int(nil), false
		if obj, ok := v.(map[string]any); ok {
			if inner, wrapped := obj["value"]; wrapped {
				value = inner
				explicit = numberPtr(obj[keyConfidence])
				for _, k := range []string{"pages", keyEvidence, "page"} {
					if pages, hasPages = intList(obj[k]); hasPages {
						break
					}
				}
			}
		}
		if !hasPages {
			pages = defaultPages
			if !responseHasPages {
				out.noEvidence = append(out.noEvidence, name)
			}
		}

		f := Field{
			Value:         value,
			Confidence:    sig.confidence(explicit),
			EvidencePages: append([]int(nil), pages...),
			Provenance:    provenance,
		}

		var spec FieldSpec
		hasSpec := false
		if w != nil {
			spec, hasSpec = w.Field(name)
		}
		if s, ok := value.(string); ok {
			declared := hasSpec && (spec.Currency || spec.Numeric())
			if amt, ok := ParseAmount(s, !declared); ok {
				f.Value = json.Number(amt.Value.String())
				f.OriginalString = s
			} else if hasSpec && spec.Currency {
				out.currencyErr = append(out.currencyErr, name)
			}
		}
		out.fields[name] = f
	}
	sort.Strings(out.noEvidence)
	sort.Strings(out.currencyErr)
	return out
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func numberPtr(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = n
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	// 0–100 的百分比写法
	if f > 1 && f <= 100 {
		f /= 100
	}
	return &f
}

// intList 解析页码列表，接受单个数字
func intList(v any) ([]int, bool) {
	switch t := v.(type) {
	case []any:
		out := make([]int, 0, len(t))
		for _, item := range t {
			if n, ok := toInt(item); ok && n > 0 {
				out = append(out, n)
			}
		}
		return out, len(out) > 0
	default:
		if n, ok := toInt(v); ok && n > 0 {
			return []int{n}, true
		}
	}
	return nil, false
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int(f), true
		}
		return int(i), true
	case float64:
		return int(n), true
	case int:
		return n, true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	}
	return 0, false
}

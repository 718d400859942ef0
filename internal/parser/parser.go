package parser

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrUnparsable 所有解析阶段均失败
var ErrUnparsable = errors.New("模型输出无法解析为 JSON 对象")

// Stage 解析成功时所处的阶段，越靠后可信度越低
type Stage int

const (
	StageDirect    Stage = iota + 1 // 直接解析
	StageExtracted                  // 截取配平片段
	StageFixed                      // 启发式修复
	StageRepaired                   // 截断修复
)

func (s Stage) String() string {
	switch s {
	case StageDirect:
		return "direct"
	case StageExtracted:
		return "extracted"
	case StageFixed:
		return "fixed"
	case StageRepaired:
		return "repaired"
	}
	return "unknown"
}

// RawOutput 解析链的唯一产物：带阶段标记的原始对象
// 数字保持为 json.Number，由调用方统一转换
type RawOutput struct {
	Stage  Stage
	Object map[string]any
	Text   string // 最终被解析的文本
}

// Recovered 是否经过了修复（非直接解析）
func (r RawOutput) Recovered() bool {
	return r.Stage > StageDirect
}

// Parse 逐级尝试：直接解析 → 截取配平片段 → 启发式修复 → 截断修复
func Parse(text string) (RawOutput, error) {
	cleaned := StripFences(text)

	if obj, err := decodeObject(cleaned); err == nil {
		return RawOutput{Stage: StageDirect, Object: obj, Text: cleaned}, nil
	}

	candidate := cleaned
	if extracted, ok := ExtractBalanced(cleaned); ok {
		if obj, err := decodeObject(extracted); err == nil {
			return RawOutput{Stage: StageExtracted, Object: obj, Text: extracted}, nil
		}
		candidate = extracted
	}

	fixed := ApplyFixups(candidate)
	if obj, err := decodeObject(fixed); err == nil {
		return RawOutput{Stage: StageFixed, Object: obj, Text: fixed}, nil
	}
	// 修复后的全文可能重新变得可配平
	if extracted, ok := ExtractBalanced(ApplyFixups(cleaned)); ok {
		if obj, err := decodeObject(extracted); err == nil {
			return RawOutput{Stage: StageFixed, Object: obj, Text: extracted}, nil
		}
	}

	repaired, err := RepairTruncated(ApplyFixups(cleaned))
	if err == nil {
		if obj, derr := decodeObject(repaired); derr == nil {
			return RawOutput{Stage: StageRepaired, Object: obj, Text: repaired}, nil
		}
	}

	return RawOutput{}, fmt.Errorf("%w: %.120q", ErrUnparsable, cleaned)
}

// decodeObject 只接受顶层为对象的 JSON，保留数字原文
func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("顶层不是对象")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("对象之后存在多余内容")
	}
	return obj, nil
}

// FormatInstructions 注入到 Prompt 的输出格式要求
func FormatInstructions(example map[string]any) string {
	base := "Return ONLY a single valid JSON object. No markdown, no commentary."
	if len(example) > 0 {
		b, _ := json.MarshalIndent(example, "", "  ")
		base += "\nFollow this structure:\n" + string(b)
	}
	return base
}

package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrValidation 严格模式下校验出现错误
var ErrValidation = errors.New("抽取结果校验失败")

// Severity 校验问题级别
type Severity string

const (
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Issue 单个校验问题
type Issue struct {
	Field    string   `json:"field,omitempty"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Issues 问题列表
type Issues []Issue

// HasErrors 是否包含 error 级问题
func (is Issues) HasErrors() bool {
	for _, i := range is {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors error 级问题拼接
func (is Issues) Errors() string {
	var parts []string
	for _, i := range is {
		if i.Severity == SeverityError {
			parts = append(parts, i.Field+": "+i.Message)
		}
	}
	return strings.Join(parts, "; ")
}

// validate 宽松校验：缺失字段与缺少证据只是警告，只有数值类型不符是错误
func validate(w *Worker, wr wrapResult) Issues {
	var issues Issues
	if w == nil {
		return Issues{{Severity: SeverityWarning, Message: "worker 未注册，跳过校验"}}
	}

	for _, spec := range w.Fields {
		if !spec.Required {
			continue
		}
		if _, ok := wr.fields[spec.Name]; !ok {
			issues = append(issues, Issue{Field: spec.Name, Severity: SeverityWarning, Message: "缺少期望字段"})
		}
	}
	for _, name := range wr.noEvidence {
		issues = append(issues, Issue{Field: name, Severity: SeverityWarning, Message: "缺少证据页，使用分配页码"})
	}
	for _, name := range wr.currencyErr {
		issues = append(issues, Issue{Field: name, Severity: SeverityWarning, Message: "金额无法归一化，保留原文"})
	}

	schema, err := w.Schema()
	if err != nil {
		return append(issues, Issue{Severity: SeverityWarning, Message: err.Error()})
	}
	instance, err := schemaInstance(wr.fields)
	if err != nil {
		return append(issues, Issue{Severity: SeverityWarning, Message: err.Error()})
	}

	var ve *jsonschema.ValidationError
	if err := schema.Validate(instance); errors.As(err, &ve) {
		for _, leaf := range leaves(ve) {
			name := strings.TrimPrefix(leaf.InstanceLocation, "/")
			sev := SeverityWarning
			if spec, ok := w.Field(name); ok && spec.Numeric() && strings.HasSuffix(leaf.KeywordLocation, "/type") {
				sev = SeverityError
			}
			issues = append(issues, Issue{Field: name, Severity: sev, Message: leaf.Message})
		}
	} else if err != nil {
		issues = append(issues, Issue{Severity: SeverityWarning, Message: err.Error()})
	}

	sort.SliceStable(issues, func(i, j int) bool { return issues[i].Field < issues[j].Field })
	return issues
}

// schemaInstance 以 UseNumber 重新解码字段值，与 schema 校验器的输入约定一致
func schemaInstance(fields map[string]Field) (any, error) {
	values := make(map[string]any, len(fields))
	for k, f := range fields {
		values[k] = f.Value
	}
	b, err := json.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("序列化字段失败: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("解码字段失败: %w", err)
	}
	return v, nil
}

func leaves(ve *jsonschema.ValidationError) []*jsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*jsonschema.ValidationError{ve}
	}
	var out []*jsonschema.ValidationError
	for _, c := range ve.Causes {
		out = append(out, leaves(c)...)
	}
	return out
}

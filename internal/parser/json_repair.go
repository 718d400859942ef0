package parser

import (
	"regexp"
	"strings"
)

// StripFences 移除 Markdown 代码块标记 (```json ... ```) 与首尾空白
func StripFences(input string) string {
	cleaned := strings.TrimSpace(input)

	if strings.HasPrefix(cleaned, "```") {
		lines := strings.Split(cleaned, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
			if len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "```" {
				lines = lines[:len(lines)-1]
			}
			cleaned = strings.Join(lines, "\n")
		} else {
			cleaned = strings.Trim(cleaned, "`")
		}
	}

	return strings.TrimSpace(cleaned)
}

// ExtractBalanced 截取第一个完整配平的 {...} 片段，忽略字符串内的括号
// 返回 false 表示没有找到配平的对象
func ExtractBalanced(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

var (
	trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)
	lineCommentRe   = regexp.MustCompile(`(?m)^\s*//.*$`)
	singleQuoteKey  = regexp.MustCompile(`([{,]\s*)'([^'"\\]*)'\s*:`)
	singleQuoteVal  = regexp.MustCompile(`(:\s*)'([^'"\\]*)'(\s*[,}\]])`)
	pythonLiteralRe = regexp.MustCompile(`(:\s*|\[\s*|,\s*)(True|False|None)(\s*[,}\]])`)
)

var smartQuotes = strings.NewReplacer(
	"\u201c", `"`, "\u201d", `"`,
	"\u201e", `"`, "\u00ab", `"`, "\u00bb", `"`,
	"\u2018", "'", "\u2019", "'",
)

// ApplyFixups 修复模型输出中常见的非标准写法：
// 智能引号、单引号键值、尾随逗号、整行注释、Python 字面量
func ApplyFixups(text string) string {
	out := smartQuotes.Replace(text)
	out = lineCommentRe.ReplaceAllString(out, "")
	out = singleQuoteKey.ReplaceAllString(out, `$1"$2":`)
	out = singleQuoteVal.ReplaceAllString(out, `$1"$2"$3`)
	out = pythonLiteralRe.ReplaceAllStringFunc(out, func(m string) string {
		parts := pythonLiteralRe.FindStringSubmatch(m)
		lit := map[string]string{"True": "true", "False": "false", "None": "null"}[parts[2]]
		return parts[1] + lit + parts[3]
	})
	// 尾随逗号可能嵌套出现，重复到稳定为止
	for {
		next := trailingCommaRe.ReplaceAllString(out, "$1")
		if next == out {
			break
		}
		out = next
	}
	return out
}

package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrIrreparable 截断修复后仍无法解析
var ErrIrreparable = errors.New("截断的 JSON 无法修复")

// structure 字符串之外的结构字符位置
type structure struct {
	commas      []int
	colons      []int
	openers     []int // { 与 [ 的位置
	lastClose   int   // 最后一个 } 的位置，-1 表示没有
	openString  int   // 未闭合字符串的起始引号位置，-1 表示没有
	quoteParity int
}

func scan(s string) structure {
	st := structure{lastClose: -1, openString: -1}
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
				st.quoteParity ^= 1
			}
			continue
		}
		switch c {
		case '"':
			inString = true
			st.quoteParity ^= 1
			st.openString = i
		case ',':
			st.commas = append(st.commas, i)
		case ':':
			st.colons = append(st.colons, i)
		case '{', '[':
			st.openers = append(st.openers, i)
		case '}':
			st.lastClose = i
		}
	}
	if !inString {
		st.openString = -1
	}
	return st
}

func lastBefore(positions []int, limit int) int {
	for i := len(positions) - 1; i >= 0; i-- {
		if positions[i] < limit {
			return positions[i]
		}
	}
	return -1
}

// RepairTruncated 修复因输出长度上限被截断的 JSON：
//  1. 引号数为奇数（停在字符串内部）时，丢弃这个未完成的字段：
//     截到该字段冒号之前最近的逗号；没有逗号则退回到所在对象的左括号之后
//  2. 存在已闭合的 } 时，截到最后一个 } 之后（不区分嵌套层级，
//     其后已完整的标量字段也会被丢弃）
//  3. 按嵌套顺序补齐缺失的 ] 与 }
//
// 对合法 JSON 原样返回（去除代码块标记后）。
func RepairTruncated(text string) (string, error) {
	s := StripFences(text)
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", fmt.Errorf("%w: 找不到 JSON 起始括号", ErrIrreparable)
	}
	s = s[start:]
	if json.Valid([]byte(s)) {
		return s, nil
	}

	st := scan(s)
	if st.quoteParity == 1 && st.openString >= 0 {
		s = dropOpenField(s, st)
		st = scan(s)
	}

	if st.lastClose >= 0 && st.lastClose < len(s)-1 {
		s = s[:st.lastClose+1]
	}

	s = trimDangling(s)
	s += closers(s)

	if !json.Valid([]byte(s)) {
		return "", fmt.Errorf("%w: %.80q", ErrIrreparable, s)
	}
	return s, nil
}

// dropOpenField 去掉停在字符串内部的最后一个字段
func dropOpenField(s string, st structure) string {
	quote := st.openString
	colon := lastBefore(st.colons, quote)
	comma := lastBefore(st.commas, quote)

	switch {
	case comma > colon:
		// 未完成的是键或数组元素
		return s[:comma]
	case colon >= 0:
		if c := lastBefore(st.commas, colon); c >= 0 && c > lastBefore(st.openers, colon) {
			return s[:c]
		}
	}
	if opener := lastBefore(st.openers, quote); opener >= 0 {
		return s[:opener+1]
	}
	return s[:quote]
}

// trimDangling 去掉结尾悬空的逗号与没有值的键
func trimDangling(s string) string {
	for {
		t := strings.TrimRight(s, " \t\r\n")
		switch {
		case strings.HasSuffix(t, ","):
			s = t[:len(t)-1]
			continue
		case strings.HasSuffix(t, ":"):
			st := scan(t)
			cut := lastBefore(st.commas, len(t)-1)
			if opener := lastBefore(st.openers, len(t)-1); opener > cut {
				s = t[:opener+1]
			} else if cut >= 0 {
				s = t[:cut]
			} else {
				s = t[:len(t)-1]
			}
			continue
		}
		return t
	}
}

// closers 按嵌套顺序生成缺失的闭合括号
func closers(s string) string {
	var stack []byte
	inString := false
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
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
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	var b strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

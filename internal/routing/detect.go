package routing

import (
	"strings"
)

// headingLines 只在每页开头几行中查找章节标题
const headingLines = 3

// Detect 从逐页文本推断一级章节：页首出现规则关键词即视为新章节开始，
// 章节延续到下一个章节开始前一页。没有命中时返回空 SectionMap。
func (r *Router) Detect(pageText func(n int) string, totalPages int) SectionMap {
	var m SectionMap
	for n := 1; n <= totalPages; n++ {
		title := r.heading(pageText(n))
		if title == "" {
			continue
		}
		if last := len(m.Level1) - 1; last >= 0 && m.Level1[last].Title == title {
			m.Level1[last].EndPage = n
			continue
		}
		if last := len(m.Level1) - 1; last >= 0 {
			m.Level1[last].EndPage = n - 1
		}
		m.Level1 = append(m.Level1, Section{Title: title, StartPage: n, EndPage: n, Level: Level1})
	}
	if last := len(m.Level1) - 1; last >= 0 {
		m.Level1[last].EndPage = totalPages
	}
	return m
}

// heading 返回页首命中的关键词（保持规则中的写法）
func (r *Router) heading(text string) string {
	lines := strings.SplitN(strings.TrimSpace(text), "\n", headingLines+1)
	if len(lines) > headingLines {
		lines = lines[:headingLines]
	}
	for _, line := range lines {
		line = normalize(line)
		if line == "" {
			continue
		}
		for _, rule := range r.rules {
			for _, kw := range rule.Keywords {
				if k := normalize(kw); k != "" && strings.HasPrefix(line, k) {
					return kw
				}
			}
		}
	}
	return ""
}

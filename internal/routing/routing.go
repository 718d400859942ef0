package routing

import (
	"sort"
	"strings"

	"extracthub/internal/document"
)

// 章节层级
const (
	Level1 = 1
	Level2 = 2
	Level3 = 3
)

// SectionFullDocument 无匹配时全量路由使用的章节名
const SectionFullDocument = "full_document"

// Section 文档章节；一级章节页码为全局页码，二、三级为父章节内的相对页码
type Section struct {
	Title     string `json:"title" yaml:"title"`
	StartPage int    `json:"start_page" yaml:"start_page"`
	EndPage   int    `json:"end_page" yaml:"end_page"`
	Level     int    `json:"level,omitempty" yaml:"level,omitempty"`
	Parent    string `json:"parent,omitempty" yaml:"parent,omitempty"`
}

// SectionMap 章节目录，页码从 1 开始
type SectionMap struct {
	Level1 []Section `json:"level_1" yaml:"level_1"`
	Level2 []Section `json:"level_2,omitempty" yaml:"level_2,omitempty"`
	Level3 []Section `json:"level_3,omitempty" yaml:"level_3,omitempty"`
}

// Empty 是否没有任何章节
func (m SectionMap) Empty() bool {
	return len(m.Level1)+len(m.Level2)+len(m.Level3) == 0
}

// PageRange 闭区间页码，Section 为来源章节标题
type PageRange struct {
	Start   int    `json:"start"`
	End     int    `json:"end"`
	Section string `json:"section"`
}

// Contains o 是否完全落在 r 内
func (r PageRange) Contains(o PageRange) bool {
	return r.Start <= o.Start && o.End <= r.End
}

// Routing worker → 页码区间
type Routing map[string][]PageRange

// Workers 已路由的 worker，按 id 排序
func (r Routing) Workers() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Pages worker 需要的页码（去重、排序），limit > 0 时截断到文档页数
func (r Routing) Pages(workerID string, limit int) []int {
	ranges := make([][2]int, 0, len(r[workerID]))
	for _, pr := range r[workerID] {
		ranges = append(ranges, [2]int{pr.Start, pr.End})
	}
	return document.Expand(ranges, limit)
}

// add 加入区间，已被同一 worker 现有区间完全覆盖的跳过
func (r Routing) add(workerID string, pr PageRange) bool {
	for _, existing := range r[workerID] {
		if existing.Contains(pr) {
			return false
		}
	}
	r[workerID] = append(r[workerID], pr)
	return true
}

// globalized 换算为全局页码后的章节
type globalized struct {
	Section
	start, end int
}

// globalize 二、三级章节页码 = 父章节全局起始页 + 相对页码 - 1
// 父章节缺失时按全局页码处理；越界与倒置的区间被丢弃
func globalize(m SectionMap, totalPages int) (l1, l2, l3 []globalized) {
	l1 = convert(m.Level1, Level1, nil, totalPages)
	l2 = convert(m.Level2, Level2, startsOf(l1), totalPages)
	l3 = convert(m.Level3, Level3, startsOf(l2), totalPages)
	return l1, l2, l3
}

func convert(list []Section, level int, parents map[string]int, totalPages int) []globalized {
	var out []globalized
	for _, s := range list {
		s.Level = level
		start, end := s.StartPage, s.EndPage
		if end == 0 {
			end = start
		}
		if s.Parent != "" {
			if base, ok := parents[normalize(s.Parent)]; ok {
				start, end = base+start-1, base+end-1
			}
		}
		if totalPages > 0 && end > totalPages {
			end = totalPages
		}
		if start < 1 || end < start {
			continue
		}
		out = append(out, globalized{Section: s, start: start, end: end})
	}
	return out
}

func startsOf(list []globalized) map[string]int {
	starts := make(map[string]int, len(list))
	for _, s := range list {
		if _, seen := starts[normalize(s.Title)]; !seen {
			starts[normalize(s.Title)] = s.start
		}
	}
	return starts
}

// lastPage 文档末页：优先使用已知页数，否则取章节最大页码
func lastPage(totalPages int, sections ...[]globalized) int {
	if totalPages > 0 {
		return totalPages
	}
	last := 1
	for _, list := range sections {
		for _, s := range list {
			last = max(last, s.end)
		}
	}
	return last
}

// fullRange 每个请求的 worker 都分配整份文档
func fullRange(routing Routing, workers []string, last int) {
	for _, w := range workers {
		if len(routing[w]) == 0 {
			routing[w] = []PageRange{{Start: 1, End: last, Section: SectionFullDocument}}
		}
	}
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

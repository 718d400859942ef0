package routing

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"extracthub/internal/logger"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var defaultRulesYAML []byte

// Rule 章节关键词到 worker 的映射
type Rule struct {
	Keywords []string `yaml:"keywords" json:"keywords"`
	Workers  []string `yaml:"workers" json:"workers"`
}

// Matches 标题与任一关键词互为子串（忽略大小写）
func (r Rule) Matches(title string) bool {
	t := normalize(title)
	if t == "" {
		return false
	}
	for _, kw := range r.Keywords {
		k := normalize(kw)
		if k == "" {
			continue
		}
		if strings.Contains(t, k) || strings.Contains(k, t) {
			return true
		}
	}
	return false
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// ParseRules 解析 YAML 规则
func ParseRules(data []byte) ([]Rule, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析路由规则失败: %w", err)
	}
	return f.Rules, nil
}

// LoadRules 从文件加载规则
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取路由规则文件失败: %w", err)
	}
	return ParseRules(data)
}

// DefaultRules 内置的瑞典年报规则
func DefaultRules() []Rule {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(err)
	}
	return rules
}

// Router 基于字符串匹配的章节路由
type Router struct {
	rules  []Rule
	logger *zap.Logger
}

// NewRouter 创建路由器，rules 为空时使用内置规则
func NewRouter(rules []Rule, log *zap.Logger) *Router {
	if len(rules) == 0 {
		rules = DefaultRules()
	}
	return &Router{rules: rules, logger: logger.OrNop(log)}
}

// Route 一级章节先确定基础区间，二、三级章节仅在未被覆盖时补充；
// 没有任何章节命中时，所有请求的 worker 都分配整份文档
func (r *Router) Route(m SectionMap, requested []string, totalPages int) Routing {
	l1, l2, l3 := globalize(m, totalPages)
	last := lastPage(totalPages, l1, l2, l3)
	wanted := make(map[string]bool, len(requested))
	for _, w := range requested {
		wanted[w] = true
	}

	routing := Routing{}
	matched := 0
	for _, level := range [][]globalized{l1, l2, l3} {
		for _, s := range level {
			workers := r.workersFor(s.Title, wanted)
			if len(workers) == 0 {
				continue
			}
			matched++
			for _, w := range workers {
				routing.add(w, PageRange{Start: s.start, End: s.end, Section: s.Title})
			}
		}
	}

	if matched == 0 {
		r.logger.Info("没有章节命中路由规则，分配整份文档",
			zap.Int("sections", len(l1)+len(l2)+len(l3)),
			zap.Int("last_page", last),
		)
	}
	fullRange(routing, requested, last)
	return routing
}

func (r *Router) workersFor(title string, wanted map[string]bool) []string {
	var out []string
	seen := map[string]bool{}
	for _, rule := range r.rules {
		if !rule.Matches(title) {
			continue
		}
		for _, w := range rule.Workers {
			if seen[w] || (len(wanted) > 0 && !wanted[w]) {
				continue
			}
			seen[w] = true
			out = append(out, w)
		}
	}
	return out
}

package routing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"extracthub/internal/gateway"
	"extracthub/internal/logger"
	"extracthub/internal/parser"
	"extracthub/pkg/aiinterface"

	"go.uber.org/zap"
)

// ErrNoAssignment 语义路由没有给出可用的分配
var ErrNoAssignment = errors.New("语义路由没有返回有效分配")

// routerWorkerID 语义路由调用在用量日志中的 worker 标识
const routerWorkerID = "section_router"

// Dispatcher 计费调度入口（由 gateway.Gateway 实现）
type Dispatcher interface {
	Dispatch(ctx context.Context, tenantID string, req *aiinterface.ChatCompletionRequest) (*gateway.Result, error)
}

// SemanticRouter 由模型根据章节标题与 worker 说明分配章节
type SemanticRouter struct {
	dispatcher   Dispatcher
	model        string
	descriptions map[string]string
}

// NewSemanticRouter descriptions 为 worker id → 职责说明
func NewSemanticRouter(d Dispatcher, model string, descriptions map[string]string) *SemanticRouter {
	return &SemanticRouter{dispatcher: d, model: model, descriptions: descriptions}
}

// Route 返回的分配沿用字符串路由的换算与去重规则
func (s *SemanticRouter) Route(ctx context.Context, tenantID string, m SectionMap, requested []string, totalPages int) (Routing, error) {
	l1, l2, l3 := globalize(m, totalPages)
	all := append(append(append([]globalized{}, l1...), l2...), l3...)
	if len(all) == 0 {
		return nil, ErrNoAssignment
	}

	req := &aiinterface.ChatCompletionRequest{
		Model:       s.model,
		Temperature: 0,
		MaxTokens:   1024,
		JSONMode:    true,
		Messages: []aiinterface.Message{
			{Role: aiinterface.RoleSystem, Content: "You assign document sections to specialist extraction workers."},
			{Role: aiinterface.RoleUser, Content: s.prompt(all, requested)},
		},
	}
	res, err := s.dispatcher.Dispatch(gateway.WithWorker(ctx, routerWorkerID), tenantID, req)
	if err != nil {
		return nil, fmt.Errorf("语义路由调度失败: %w", err)
	}
	raw, err := parser.Parse(res.Response.Content())
	if err != nil {
		return nil, fmt.Errorf("语义路由输出无法解析: %w", err)
	}

	assignments, _ := raw.Object["assignments"].(map[string]any)
	byTitle := make(map[string][]globalized, len(all))
	for _, g := range all {
		byTitle[normalize(g.Title)] = append(byTitle[normalize(g.Title)], g)
	}
	wanted := make(map[string]bool, len(requested))
	for _, w := range requested {
		wanted[w] = true
	}

	routing := Routing{}
	// 按层级顺序加入，保证一级区间先建立
	for level := Level1; level <= Level3; level++ {
		for _, worker := range sortedKeys(assignments) {
			if len(wanted) > 0 && !wanted[worker] {
				continue
			}
			titles, _ := assignments[worker].([]any)
			for _, t := range titles {
				title, _ := t.(string)
				for _, g := range byTitle[normalize(title)] {
					if g.Level == level {
						routing.add(worker, PageRange{Start: g.start, End: g.end, Section: g.Title})
					}
				}
			}
		}
	}
	if len(routing) == 0 {
		return nil, ErrNoAssignment
	}
	fullRange(routing, requested, lastPage(totalPages, l1, l2, l3))
	return routing, nil
}

func (s *SemanticRouter) prompt(sections []globalized, requested []string) string {
	var b strings.Builder
	b.WriteString("Workers:\n")
	for _, w := range requested {
		fmt.Fprintf(&b, "- %s: %s\n", w, s.descriptions[w])
	}
	b.WriteString("\nSections (title, level, pages):\n")
	for _, g := range sections {
		fmt.Fprintf(&b, "- %q level %d pages %d-%d\n", g.Title, g.Level, g.start, g.end)
	}
	b.WriteString("\nA section may go to several workers. Use the exact section titles.\n")
	b.WriteString(parser.FormatInstructions(map[string]any{
		"assignments": map[string]any{"worker_id": []string{"section title"}},
	}))
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// FallbackRouter 先尝试语义路由，任何失败都透明退回字符串匹配，路由永不阻塞流程
type FallbackRouter struct {
	semantic *SemanticRouter // 可为 nil
	base     *Router
	logger   *zap.Logger
}

// NewFallbackRouter 创建组合路由
func NewFallbackRouter(semantic *SemanticRouter, base *Router, log *zap.Logger) *FallbackRouter {
	return &FallbackRouter{semantic: semantic, base: base, logger: logger.OrNop(log)}
}

// Route 实现路由
func (f *FallbackRouter) Route(ctx context.Context, tenantID string, m SectionMap, requested []string, totalPages int) Routing {
	if f.semantic != nil {
		routing, err := f.trySemantic(ctx, tenantID, m, requested, totalPages)
		if err == nil {
			return routing
		}
		logger.Enrich(ctx, f.logger).Warn("语义路由失败，退回字符串匹配", zap.Error(err))
	}
	return f.base.Route(m, requested, totalPages)
}

// trySemantic 调用语义路由，panic 转为错误
func (f *FallbackRouter) trySemantic(ctx context.Context, tenantID string, m SectionMap, requested []string, totalPages int) (routing Routing, err error) {
	defer func() {
		if r := recover(); r != nil {
			routing, err = nil, fmt.Errorf("语义路由 panic: %v", r)
		}
	}()
	return f.semantic.Route(ctx, tenantID, m, requested, totalPages)
}

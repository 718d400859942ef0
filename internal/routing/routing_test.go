package routing

import (
	"context"
	"errors"
	"testing"

	"extracthub/internal/gateway"
	"extracthub/pkg/aiinterface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var allWorkers = []string{"company_info", "income_statement", "balance_sheet", "financials", "auditor"}

func annualReport() SectionMap {
	return SectionMap{
		Level1: []Section{
			{Title: "Förvaltningsberättelse", StartPage: 2, EndPage: 4},
			{Title: "Resultaträkning", StartPage: 5, EndPage: 5},
			{Title: "Balansräkning", StartPage: 6, EndPage: 7},
			{Title: "Noter", StartPage: 8, EndPage: 14},
			{Title: "Revisionsberättelse", StartPage: 15, EndPage: 16},
		},
		Level2: []Section{
			{Title: "Flerårsöversikt", StartPage: 2, EndPage: 2, Parent: "Förvaltningsberättelse"},
			{Title: "Eget kapital och skulder", StartPage: 2, EndPage: 2, Parent: "Balansräkning"},
		},
	}
}

func TestRouteBalanceSheetGoesToBothWorkers(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	m := SectionMap{Level1: []Section{{Title: "Balansräkning", StartPage: 6, EndPage: 7}}}

	routing := r.Route(m, allWorkers, 20)
	assert.Equal(t, []PageRange{{Start: 6, End: 7, Section: "Balansräkning"}}, routing["balance_sheet"])
	assert.Equal(t, []PageRange{{Start: 6, End: 7, Section: "Balansräkning"}}, routing["financials"])
}

func TestRouteNoMatchGivesFullDocument(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	full := []PageRange{{Start: 1, End: 12, Section: SectionFullDocument}}

	for _, m := range []SectionMap{{}, {Level1: []Section{{Title: "Innehåll", StartPage: 1, EndPage: 1}}}} {
		routing := r.Route(m, []string{"balance_sheet", "auditor"}, 12)
		assert.Equal(t, []string{"auditor", "balance_sheet"}, routing.Workers())
		assert.Equal(t, full, routing["balance_sheet"])
		assert.Equal(t, full, routing["auditor"])
	}
}

func TestRouteTranslatesSubsectionPages(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))

	routing := r.Route(annualReport(), allWorkers, 16)
	// Flerårsöversikt sida 2 i förvaltningsberättelsen (start 2) → global sida 3
	assert.Contains(t, routing["financials"], PageRange{Start: 3, End: 3, Section: "Flerårsöversikt"})
	assert.Equal(t, []PageRange{{Start: 2, End: 4, Section: "Förvaltningsberättelse"}}, routing["company_info"])
	assert.Equal(t, []PageRange{{Start: 15, End: 16, Section: "Revisionsberättelse"}}, routing["auditor"])
}

func TestRouteDropsContainedSubsections(t *testing.T) {
	rules := []Rule{{Keywords: []string{"balansräkning", "eget kapital"}, Workers: []string{"balance_sheet"}}}
	r := NewRouter(rules, zaptest.NewLogger(t))

	routing := r.Route(annualReport(), []string{"balance_sheet"}, 16)
	// "Eget kapital och skulder" (global 7) ligger redan inom 6-7
	assert.Equal(t, []PageRange{{Start: 6, End: 7, Section: "Balansräkning"}}, routing["balance_sheet"])
	assert.Equal(t, []int{6, 7}, routing.Pages("balance_sheet", 16))
}

func TestRouteSubstringMatchesBothDirections(t *testing.T) {
	rules := []Rule{{Keywords: []string{"balansräkning"}, Workers: []string{"balance_sheet"}}}
	r := NewRouter(rules, nil)

	m := SectionMap{Level1: []Section{
		{Title: "KONCERNENS BALANSRÄKNING", StartPage: 3, EndPage: 4},
		{Title: "Balans", StartPage: 9, EndPage: 9},
	}}
	routing := r.Route(m, []string{"balance_sheet"}, 10)
	assert.Len(t, routing["balance_sheet"], 2)
}

func TestRoutePartialMatchStillCoversUnmatchedWorkers(t *testing.T) {
	r := NewRouter(nil, nil)
	m := SectionMap{Level1: []Section{{Title: "Balansräkning", StartPage: 6, EndPage: 7}}}

	routing := r.Route(m, []string{"balance_sheet", "auditor"}, 20)
	assert.Equal(t, []PageRange{{Start: 1, End: 20, Section: SectionFullDocument}}, routing["auditor"])
	assert.NotContains(t, routing, "financials", "only requested workers are routed")
}

func TestRouteClampsAndSkipsInvalidRanges(t *testing.T) {
	r := NewRouter(nil, nil)
	m := SectionMap{Level1: []Section{
		{Title: "Balansräkning", StartPage: 9, EndPage: 30},
		{Title: "Resultaträkning", StartPage: 8, EndPage: 3},
	}}
	routing := r.Route(m, []string{"balance_sheet", "income_statement"}, 10)
	assert.Equal(t, []PageRange{{Start: 9, End: 10, Section: "Balansräkning"}}, routing["balance_sheet"])
	assert.Equal(t, SectionFullDocument, routing["income_statement"][0].Section)
}

func TestRouteWithoutPageCountUsesLastSectionPage(t *testing.T) {
	r := NewRouter(nil, nil)
	m := SectionMap{Level1: []Section{{Title: "Innehåll", StartPage: 1, EndPage: 1}, {Title: "Bilagor", StartPage: 20, EndPage: 24}}}

	routing := r.Route(m, []string{"auditor"}, 0)
	assert.Equal(t, 24, routing["auditor"][0].End)
}

// ============ 语义路由 ============

type stubDispatcher struct {
	content string
	err     error
}

func (s stubDispatcher) Dispatch(_ context.Context, _ string, _ *aiinterface.ChatCompletionRequest) (*gateway.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.Result{Response: &aiinterface.ChatCompletionResponse{
		Choices: []aiinterface.Choice{{Content: s.content, FinishReason: aiinterface.FinishStop}},
	}}, nil
}

func TestSemanticRouterAssignments(t *testing.T) {
	d := stubDispatcher{content: `{"assignments": {"balance_sheet": ["Balansräkning", "Noter"], "auditor": ["revisionsberättelse"], "unknown": ["Noter"]}}`}
	s := NewSemanticRouter(d, "m", map[string]string{"balance_sheet": "balance sheet"})

	routing, err := s.Route(context.Background(), "t1", annualReport(), []string{"balance_sheet", "auditor", "company_info"}, 16)
	require.NoError(t, err)
	assert.Equal(t, []PageRange{
		{Start: 6, End: 7, Section: "Balansräkning"},
		{Start: 8, End: 14, Section: "Noter"},
	}, routing["balance_sheet"])
	assert.Equal(t, []PageRange{{Start: 15, End: 16, Section: "Revisionsberättelse"}}, routing["auditor"])
	assert.Equal(t, SectionFullDocument, routing["company_info"][0].Section)
	assert.NotContains(t, routing, "unknown")
}

func TestFallbackRouterFallsBackOnFailure(t *testing.T) {
	base := NewRouter(nil, nil)
	tests := []struct {
		name string
		d    stubDispatcher
	}{
		{"dispatch error", stubDispatcher{err: &gateway.Error{Kind: gateway.ErrInsufficientBalance}}},
		{"garbage", stubDispatcher{content: "no idea"}},
		{"empty assignments", stubDispatcher{content: `{"assignments": {}}`}},
		{"unknown titles", stubDispatcher{content: `{"assignments": {"auditor": ["Bilaga 9"]}}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFallbackRouter(NewSemanticRouter(tt.d, "m", nil), base, zaptest.NewLogger(t))
			routing := f.Route(context.Background(), "t1", annualReport(), allWorkers, 16)
			assert.Equal(t, base.Route(annualReport(), allWorkers, 16), routing)
		})
	}
}

type panicDispatcher struct{}

func (panicDispatcher) Dispatch(context.Context, string, *aiinterface.ChatCompletionRequest) (*gateway.Result, error) {
	panic("dispatcher exploded")
}

func TestFallbackRouterRecoversFromSemanticPanic(t *testing.T) {
	base := NewRouter(nil, nil)
	f := NewFallbackRouter(NewSemanticRouter(panicDispatcher{}, "m", nil), base, zaptest.NewLogger(t))

	var routing Routing
	require.NotPanics(t, func() {
		routing = f.Route(context.Background(), "t1", annualReport(), allWorkers, 16)
	})
	assert.Equal(t, base.Route(annualReport(), allWorkers, 16), routing)
}

func TestFallbackRouterWithoutSemantic(t *testing.T) {
	f := NewFallbackRouter(nil, NewRouter(nil, nil), nil)
	routing := f.Route(context.Background(), "t1", SectionMap{}, []string{"auditor"}, 3)
	assert.Equal(t, []PageRange{{Start: 1, End: 3, Section: SectionFullDocument}}, routing["auditor"])
}

func TestParseRules(t *testing.T) {
	rules, err := ParseRules([]byte("rules:\n  - keywords: [esg]\n    workers: [sustainability]\n"))
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.True(t, rules[0].Matches("ESG-rapport"))
	assert.False(t, rules[0].Matches("  "))

	_, err = ParseRules([]byte("rules: ["))
	assert.True(t, err != nil && !errors.Is(err, ErrNoAssignment))
}

func TestDetectSectionsFromPageText(t *testing.T) {
	pages := map[int]string{
		1: "Årsredovisning för Exempel AB",
		2: "Förvaltningsberättelse\nStyrelsen avger härmed",
		3: "fortsättning",
		4: "  RESULTATRÄKNING  \nNettoomsättning 1 000",
		5: "Balansräkning\nTillgångar",
		6: "Balansräkning\nEget kapital och skulder",
		7: "Noter",
	}
	r := NewRouter(nil, zaptest.NewLogger(t))

	m := r.Detect(func(n int) string { return pages[n] }, 8)
	require.Len(t, m.Level1, 3)
	assert.Equal(t, Section{Title: "förvaltningsberättelse", StartPage: 2, EndPage: 3, Level: Level1}, m.Level1[0])
	assert.Equal(t, Section{Title: "resultaträkning", StartPage: 4, EndPage: 4, Level: Level1}, m.Level1[1])
	assert.Equal(t, Section{Title: "balansräkning", StartPage: 5, EndPage: 8, Level: Level1}, m.Level1[2])

	routed := r.Route(m, []string{"balance_sheet", "auditor"}, 8)
	assert.Equal(t, []int{5, 6, 7, 8}, routed.Pages("balance_sheet", 8))
	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8}, routed.Pages("auditor", 8))
}

func TestDetectNothing(t *testing.T) {
	r := NewRouter(nil, zaptest.NewLogger(t))
	assert.True(t, r.Detect(func(int) string { return "" }, 3).Empty())
}

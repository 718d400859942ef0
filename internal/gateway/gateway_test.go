package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"extracthub/internal/alert"
	"extracthub/internal/credential"
	"extracthub/internal/ledger"
	"extracthub/internal/pricing"
	"extracthub/pkg/aiinterface"
	"extracthub/pkg/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// ============ 测试替身 ============

type memLedger struct {
	mu         sync.Mutex
	balances   map[string]types.Micros
	disabled   map[string]bool
	logs       []types.UsageLog
	minBalance types.Micros
}

func newMemLedger() *memLedger {
	return &memLedger{balances: map[string]types.Micros{}, disabled: map[string]bool{}}
}

func usd(f float64) types.Micros { return types.MicrosFromFloat(f) }

func (l *memLedger) Account(_ context.Context, tenantID string) (*ledger.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[tenantID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &ledger.Account{TenantID: tenantID, Balance: b, ExtractionEnabled: !l.disabled[tenantID]}, nil
}

func (l *memLedger) DecrementIfSufficient(_ context.Context, tenantID string, amount types.Micros) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.balances[tenantID] < amount {
		return false, nil
	}
	l.balances[tenantID] -= amount
	if l.balances[tenantID] < l.minBalance {
		l.minBalance = l.balances[tenantID]
	}
	return true, nil
}

func (l *memLedger) Increment(_ context.Context, tenantID string, amount types.Micros) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[tenantID] += amount
	return nil
}

func (l *memLedger) AppendUsageLog(_ context.Context, entry *types.UsageLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, *entry)
	return nil
}

func (l *memLedger) balance(tenantID string) types.Micros {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tenantID]
}

func (l *memLedger) usage() []types.UsageLog {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]types.UsageLog(nil), l.logs...)
}

type fakePool struct {
	mu        sync.Mutex
	ids       []string
	cooling   map[string]bool
	cooldowns []string
	records   []credential.UsageRecord
}

func newFakePool(ids ...string) *fakePool {
	return &fakePool{ids: ids, cooling: map[string]bool{}}
}

func (p *fakePool) Acquire(context.Context, string) (*credential.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.ids {
		if !p.cooling[id] {
			return &credential.Handle{ID: id, EncryptedSecret: []byte(id)}, nil
		}
	}
	return nil, credential.ErrNoCredential
}

func (p *fakePool) Cooldown(_ context.Context, id string, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooling[id] = true
	p.cooldowns = append(p.cooldowns, id)
	return nil
}

func (p *fakePool) RecordUsage(_ context.Context, rec credential.UsageRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, rec)
	return nil
}

type prefixSecrets struct{}

func (prefixSecrets) Resolve(ciphertext []byte) (string, error) {
	return "key-" + string(ciphertext), nil
}

// flatPrices 输入 0.001/token，输出 0.002/token
type flatPrices struct{}

func (flatPrices) PriceFor(_ context.Context, model string) (pricing.Price, error) {
	return pricing.Price{Model: model, Rate: pricing.Rate{InputPerMTok: 1000, OutputPerMTok: 2000}, Source: pricing.SourceBuiltin, Confidence: 0.9}, nil
}

func (f flatPrices) Cost(ctx context.Context, model string, in, out int) (pricing.CostResult, error) {
	p, _ := f.PriceFor(ctx, model)
	cost := decimal.New(int64(in), -3).Add(decimal.New(int64(out)*2, -3))
	return pricing.CostResult{Cost: cost, InputTokens: in, OutputTokens: out, Price: p}, nil
}

// freePrices 单价为 0 的模型
type freePrices struct{}

func (freePrices) PriceFor(_ context.Context, model string) (pricing.Price, error) {
	return pricing.Price{Model: model, Source: pricing.SourceFallback}, nil
}

func (f freePrices) Cost(ctx context.Context, model string, in, out int) (pricing.CostResult, error) {
	p, _ := f.PriceFor(ctx, model)
	return pricing.CostResult{Cost: decimal.Zero, InputTokens: in, OutputTokens: out, Price: p}, nil
}

type step func(ctx context.Context) (*aiinterface.ChatCompletionResponse, error)

type scriptTransport struct {
	mu    sync.Mutex
	steps []step
	keys  []string
	calls int
}

func (s *scriptTransport) ChatCompletion(ctx context.Context, apiKey string, _ *aiinterface.ChatCompletionRequest) (*aiinterface.ChatCompletionResponse, error) {
	s.mu.Lock()
	s.keys = append(s.keys, apiKey)
	i := s.calls
	s.calls++
	st := s.steps[len(s.steps)-1]
	if i < len(s.steps) {
		st = s.steps[i]
	}
	s.mu.Unlock()
	return st(ctx)
}

type recordingAlerts struct {
	mu        sync.Mutex
	incidents []alert.Incident
}

func (r *recordingAlerts) Notify(_ context.Context, in alert.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, in)
	return nil
}

func respond(prompt, completion int) step {
	return func(context.Context) (*aiinterface.ChatCompletionResponse, error) {
		return &aiinterface.ChatCompletionResponse{
			Choices: []aiinterface.Choice{{Content: `{"a":1}`, FinishReason: aiinterface.FinishStop}},
			Usage:   &aiinterface.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion},
		}, nil
	}
}

func okWithCost(m types.Micros) step {
	cost := m.Float64()
	return func(context.Context) (*aiinterface.ChatCompletionResponse, error) {
		return &aiinterface.ChatCompletionResponse{
			Choices: []aiinterface.Choice{{Content: `{}`, FinishReason: aiinterface.FinishStop}},
			Usage:   &aiinterface.Usage{PromptTokens: 100, CompletionTokens: 100, TotalTokens: 200},
			Cost:    &cost,
		}, nil
	}
}

func fail(errType aiinterface.ErrorType, status int) step {
	return func(context.Context) (*aiinterface.ChatCompletionResponse, error) {
		return nil, &aiinterface.ClientError{Type: errType, StatusCode: status, Message: "失败"}
	}
}

func hang(ctx context.Context) (*aiinterface.ChatCompletionResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	g         *Gateway
	ledger    *memLedger
	pool      *fakePool
	transport *scriptTransport
	alerts    *recordingAlerts
	sleeps    []time.Duration
}

func newFixture(t *testing.T, balance types.Micros, steps ...step) *fixture {
	t.Helper()
	f := &fixture{
		ledger:    newMemLedger(),
		pool:      newFakePool("c1", "c2", "c3"),
		transport: &scriptTransport{steps: steps},
		alerts:    &recordingAlerts{},
	}
	f.ledger.balances["t1"] = balance
	f.ledger.minBalance = balance
	f.g = New(Deps{
		Ledger:      f.ledger,
		Credentials: f.pool,
		Secrets:     prefixSecrets{},
		Prices:      flatPrices{},
		Transport:   f.transport,
		Alerts:      f.alerts,
		Logger:      zaptest.NewLogger(t),
	}, Options{
		MinBalance:          usd(0.01),
		MaxAttempts:         3,
		BackoffBase:         time.Second,
		BackoffMax:          8 * time.Second,
		AttemptTimeout:      time.Second,
		RunawayMultiplier:   10,
		DefaultOutputTokens: 200,
	})
	var mu sync.Mutex
	f.g.sleep = func(ctx context.Context, d time.Duration) error {
		mu.Lock()
		f.sleeps = append(f.sleeps, d)
		mu.Unlock()
		return ctx.Err()
	}
	return f
}

// request 400 字符文本 → 100 输入 token，输出上限 100，估算 0.3
func request() *aiinterface.ChatCompletionRequest {
	return &aiinterface.ChatCompletionRequest{
		Model:     "test-model",
		MaxTokens: 100,
		JSONMode:  true,
		Messages: []aiinterface.Message{{
			Role:    aiinterface.RoleUser,
			Content: strings.Repeat("x", 400),
		}},
	}
}

func (f *fixture) reserve(t *testing.T) types.Micros {
	t.Helper()
	est, err := f.g.estimate(context.Background(), request())
	require.NoError(t, err)
	return est.Reserve
}

// ============ 结算 ============

func TestDispatchRefundsSurplus(t *testing.T) {
	f := newFixture(t, usd(10), respond(50, 50))

	res, err := f.g.Dispatch(context.Background(), "t1", request())
	require.NoError(t, err)

	assert.Equal(t, usd(0.15), res.Cost)
	assert.Equal(t, usd(0.3), res.Reserved)
	assert.Equal(t, usd(9.85), f.ledger.balance("t1"))
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "c1", res.CredentialID)

	logs := f.ledger.usage()
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, usd(0.15), logs[0].Cost)
	assert.Equal(t, res.LogID, logs[0].ID)
	require.Len(t, f.pool.records, 1)
	assert.True(t, f.pool.records[0].Success)
}

func TestDispatchDeductsShortfall(t *testing.T) {
	f := newFixture(t, usd(10), okWithCost(usd(0.5)))

	res, err := f.g.Dispatch(context.Background(), "t1", request())
	require.NoError(t, err)
	assert.Equal(t, usd(0.5), res.Cost)
	assert.Equal(t, usd(9.5), f.ledger.balance("t1"))
	assert.Equal(t, "provider", f.ledger.usage()[0].PriceSource)
}

func TestDispatchBalanceNeutralAcrossEstimates(t *testing.T) {
	for _, actual := range []types.Micros{0, usd(0.01), usd(0.3), usd(0.9), usd(2.5)} {
		f := newFixture(t, usd(10), okWithCost(actual))
		res, err := f.g.Dispatch(context.Background(), "t1", request())
		require.NoError(t, err)
		assert.Equal(t, usd(10)-actual, f.ledger.balance("t1"), "actual=%s", actual)
		assert.Equal(t, actual, res.Cost)
	}
}

func TestRepeatedRefundsKeepBalanceExact(t *testing.T) {
	// 每次预留 0.3、实际 0.1、退回 0.2，第 10 次调度时余额恰好等于预留额
	f := newFixture(t, usd(1.2), okWithCost(usd(0.1)))
	f.g.opts.MinBalance = 0

	for i := 1; i <= 10; i++ {
		res, err := f.g.Dispatch(context.Background(), "t1", request())
		require.NoError(t, err, "第 %d 次调度", i)
		assert.Equal(t, usd(0.1), res.Cost)
	}
	assert.Equal(t, usd(0.2), f.ledger.balance("t1"))
	assert.Equal(t, types.Micros(0), f.ledger.minBalance)

	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, usd(0.2), f.ledger.balance("t1"))
}

func TestReservationAndChargeRoundUp(t *testing.T) {
	// 基础费用 0.003，加价 0.01% 后为 0.0030003，不足一个最小单位的部分向上取整
	f := newFixture(t, usd(10), respond(1, 1))
	f.g.opts.MarkupPercent = 0.01

	req := request()
	req.Messages[0].Content = "xx"
	req.MaxTokens = 1
	est, err := f.g.estimate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.Micros(3001), est.Reserve)

	res, err := f.g.Dispatch(context.Background(), "t1", req)
	require.NoError(t, err)
	assert.Equal(t, types.Micros(3001), res.Cost)
	assert.Equal(t, usd(10)-3001, f.ledger.balance("t1"))
}

func TestZeroPriceReservesMinimum(t *testing.T) {
	newZeroPriced := func(t *testing.T, cost types.Micros) *fixture {
		f := newFixture(t, usd(10), okWithCost(cost))
		f.g.deps.Prices = freePrices{}
		f.g.opts.MinReserve = usd(0.001)
		return f
	}

	f := newZeroPriced(t, 0)
	assert.Equal(t, usd(0.001), f.reserve(t))

	// 下限 0.001 的 10 倍以内正常计费
	f = newZeroPriced(t, usd(0.005))
	res, err := f.g.Dispatch(context.Background(), "t1", request())
	require.NoError(t, err)
	assert.Equal(t, usd(0.005), res.Cost)
	assert.Equal(t, usd(9.995), f.ledger.balance("t1"))
	assert.Empty(t, f.alerts.incidents)

	f = newZeroPriced(t, usd(0.02))
	_, err = f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrCostRunaway)
	assert.Equal(t, usd(10), f.ledger.balance("t1"))
}

func TestShortfallDeductionFailureRefundsReservation(t *testing.T) {
	f := newFixture(t, 0, okWithCost(usd(0.5)))
	reserve := f.reserve(t)
	f.ledger.balances["t1"] = reserve

	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrInsufficientBalance)

	var gwErr *Error
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, usd(0.5)-reserve, gwErr.Shortfall)
	assert.Equal(t, reserve, f.ledger.balance("t1"))

	logs := f.ledger.usage()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, "insufficient_balance", logs[0].ErrorCode)
	assert.Zero(t, logs[0].Cost)
}

func TestMissingUsageFallsBackToDefaults(t *testing.T) {
	f := newFixture(t, usd(10), func(context.Context) (*aiinterface.ChatCompletionResponse, error) {
		return &aiinterface.ChatCompletionResponse{Choices: []aiinterface.Choice{{Content: "{}"}}}, nil
	})

	res, err := f.g.Dispatch(context.Background(), "t1", request())
	require.NoError(t, err)
	assert.True(t, res.UsageMissing)
	assert.Equal(t, 100, res.InputTokens)
	assert.Equal(t, 200, res.OutputTokens)
	// 100*0.001 + 200*0.002
	assert.Equal(t, usd(0.5), res.Cost)
	assert.Equal(t, usd(9.5), f.ledger.balance("t1"))
}

// ============ 熔断 ============

func TestCircuitBreakerTripsAboveMultiplier(t *testing.T) {
	probe := newFixture(t, usd(10))
	reserve := probe.reserve(t)

	tests := []struct {
		name    string
		actual  types.Micros
		tripped bool
	}{
		{"below", 5 * reserve, false},
		{"exactly 10x", 10 * reserve, false},
		{"above 10x", 10*reserve + 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, usd(10), okWithCost(tt.actual))

			_, err := f.g.Dispatch(context.Background(), "t1", request())
			logs := f.ledger.usage()
			require.Len(t, logs, 1)

			if !tt.tripped {
				require.NoError(t, err)
				assert.Equal(t, usd(10)-tt.actual, f.ledger.balance("t1"))
				assert.Empty(t, f.alerts.incidents)
				return
			}
			require.ErrorIs(t, err, ErrCostRunaway)
			assert.Equal(t, usd(10), f.ledger.balance("t1"))
			assert.Zero(t, logs[0].Cost)
			assert.Equal(t, "cost_runaway", logs[0].ErrorCode)
			require.Len(t, f.alerts.incidents, 1)
			assert.Equal(t, alert.EventCostRunaway, f.alerts.incidents[0].Event)
			assert.Equal(t, "t1", f.alerts.incidents[0].TenantID)
		})
	}
}

func TestCircuitBreakerComparesOriginalReservationAfterRotation(t *testing.T) {
	probe := newFixture(t, usd(10))
	reserve := probe.reserve(t)

	f := newFixture(t, usd(10), fail(aiinterface.ErrorTypeRateLimit, 429), okWithCost(10*reserve+usd(0.01)))
	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrCostRunaway)
	assert.Equal(t, usd(10), f.ledger.balance("t1"))
}

// ============ 重试 ============

func TestRateLimitCoolsDownAndRotatesCredential(t *testing.T) {
	f := newFixture(t, usd(10), fail(aiinterface.ErrorTypeRateLimit, 429), respond(10, 10))

	res, err := f.g.Dispatch(context.Background(), "t1", request())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, []string{"c1"}, f.pool.cooldowns)
	assert.Equal(t, []string{"key-c1", "key-c2"}, f.transport.keys)
	assert.Equal(t, "c2", res.CredentialID)
	require.Len(t, f.sleeps, 1)
}

func TestRateLimitExhausted(t *testing.T) {
	f := newFixture(t, usd(10), fail(aiinterface.ErrorTypeRateLimit, 429))

	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Equal(t, []string{"c1", "c2", "c3"}, f.pool.cooldowns)
	assert.Equal(t, usd(10), f.ledger.balance("t1"))

	logs := f.ledger.usage()
	require.Len(t, logs, 1)
	assert.Equal(t, "rate_limit_exhausted", logs[0].ErrorCode)
	assert.Equal(t, 3, logs[0].Attempts)
}

func TestNoCredentialCountsAsRateLimited(t *testing.T) {
	f := newFixture(t, usd(10), respond(1, 1))
	f.pool.ids = nil

	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.ErrorIs(t, err, credential.ErrNoCredential)
	assert.Zero(t, f.transport.calls)
	assert.Len(t, f.ledger.usage(), 1)
}

func TestAttemptTimeoutIsRetried(t *testing.T) {
	f := newFixture(t, usd(10), hang, respond(10, 10))
	f.g.opts.AttemptTimeout = 20 * time.Millisecond

	res, err := f.g.Dispatch(context.Background(), "t1", request())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Empty(t, f.pool.cooldowns)
}

func TestAttemptTimeoutsExhaustAsTransient(t *testing.T) {
	f := newFixture(t, usd(10), hang)
	f.g.opts.AttemptTimeout = 10 * time.Millisecond

	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrTransientNetwork)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, f.transport.calls)
	assert.Equal(t, usd(10), f.ledger.balance("t1"))
	assert.Equal(t, "transient_network", f.ledger.usage()[0].ErrorCode)
}

func TestMixedFailuresSurfaceLastTransientError(t *testing.T) {
	f := newFixture(t, usd(10),
		fail(aiinterface.ErrorTypeRateLimit, 429),
		fail(aiinterface.ErrorTypeServerError, 503),
		fail(aiinterface.ErrorTypeNetwork, 0),
	)

	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrTransientNetwork)
	var ce *aiinterface.ClientError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, aiinterface.ErrorTypeNetwork, ce.Type)
}

func TestTerminalErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, usd(10), fail(aiinterface.ErrorTypeAuth, 401))

	_, err := f.g.Dispatch(context.Background(), "t1", request())
	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, 1, f.transport.calls)
	assert.Empty(t, f.sleeps)
	assert.Equal(t, usd(10), f.ledger.balance("t1"))
	assert.Len(t, f.ledger.usage(), 1)
}

func TestCancelDuringBackoffRefunds(t *testing.T) {
	f := newFixture(t, usd(10), fail(aiinterface.ErrorTypeServerError, 502))
	ctx, cancel := context.WithCancel(context.Background())
	f.g.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	_, err := f.g.Dispatch(ctx, "t1", request())
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, usd(10), f.ledger.balance("t1"))
	logs := f.ledger.usage()
	require.Len(t, logs, 1)
	assert.Equal(t, "canceled", logs[0].ErrorCode)
}

// ============ 前置检查 ============

func TestPreflightRejectsWithoutCallOrLog(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  error
	}{
		{"missing account", func(f *fixture) { delete(f.ledger.balances, "t1") }, ErrInsufficientBalance},
		{"feature disabled", func(f *fixture) { f.ledger.disabled["t1"] = true }, ErrFeatureDisabled},
		{"below minimum", func(f *fixture) { f.ledger.balances["t1"] = usd(0.005) }, ErrInsufficientBalance},
		{"cannot cover estimate", func(f *fixture) { f.ledger.balances["t1"] = usd(0.1) }, ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, usd(10), respond(1, 1))
			tt.setup(f)
			before := f.ledger.balance("t1")

			_, err := f.g.Dispatch(context.Background(), "t1", request())
			require.ErrorIs(t, err, tt.want)
			assert.Zero(t, f.transport.calls)
			assert.Empty(t, f.ledger.usage())
			assert.Equal(t, before, f.ledger.balance("t1"))
		})
	}
}

func TestDispatchRejectsEmptyRequest(t *testing.T) {
	f := newFixture(t, usd(10), respond(1, 1))
	_, err := f.g.Dispatch(context.Background(), "t1", &aiinterface.ChatCompletionRequest{Model: "m"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

// ============ 并发 ============

func TestConcurrentDispatchNeverOverdraws(t *testing.T) {
	f := newFixture(t, 0, okWithCost(usd(0.25)))
	reserve := f.reserve(t)
	f.ledger.balances["t1"] = 3 * reserve
	f.ledger.minBalance = 3 * reserve

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.g.Dispatch(context.Background(), "t1", request()); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.GreaterOrEqual(t, f.ledger.minBalance, types.Micros(0))
	assert.GreaterOrEqual(t, succeeded, 3)
	assert.Equal(t, 3*reserve-types.Micros(succeeded)*usd(0.25), f.ledger.balance("t1"))
}

// ============ 估算与退避 ============

func TestEstimateAppliesMarkupBufferAndImages(t *testing.T) {
	f := newFixture(t, usd(10))
	f.g.opts.MarkupPercent = 20
	f.g.opts.BufferPercent = 25
	f.g.opts.ImageTokenEstimate = 1000

	req := request()
	req.Messages[0].Parts = []aiinterface.ContentPart{
		{Type: aiinterface.PartImage, ImageURL: "data:image/png;base64,AA"},
		{Type: aiinterface.PartImage, ImageURL: "data:image/png;base64,BB"},
	}
	est, err := f.g.estimate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 2100, est.InputTokens)
	assert.Equal(t, 100, est.OutputTokens)
	// (2100*0.001 + 100*0.002) * 1.2 * 1.25
	assert.Equal(t, "2.3", est.BaseCost.String())
	assert.Equal(t, usd(3.45), est.Reserve)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	f := newFixture(t, usd(10))
	f.g.opts.BackoffBase = time.Second
	f.g.opts.BackoffMax = 4 * time.Second

	f.g.jitter = func(int64) int64 { return 0 }
	assert.Equal(t, 500*time.Millisecond, f.g.backoff(1))
	assert.Equal(t, time.Second, f.g.backoff(2))
	assert.Equal(t, 2*time.Second, f.g.backoff(3))
	assert.Equal(t, 2*time.Second, f.g.backoff(10))

	f.g.jitter = func(n int64) int64 { return n - 1 }
	assert.Equal(t, time.Second, f.g.backoff(1))
	assert.Equal(t, 4*time.Second, f.g.backoff(4))
}

func TestCharEstimatorRoundsUp(t *testing.T) {
	req := &aiinterface.ChatCompletionRequest{Messages: []aiinterface.Message{
		{Content: "abcde"},
		{Parts: []aiinterface.ContentPart{{Type: aiinterface.PartText, Text: "xyz"}}},
	}}
	assert.Equal(t, 2, CharEstimator{}.EstimateText(req))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, "cost_runaway", Code(&Error{Kind: ErrCostRunaway}))
	assert.Equal(t, "canceled", Code(&Error{Kind: context.Canceled}))
	assert.Equal(t, "internal", Code(errors.New("x")))
}

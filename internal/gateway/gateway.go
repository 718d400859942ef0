package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"extracthub/internal/alert"
	"extracthub/internal/config"
	"extracthub/internal/credential"
	"extracthub/internal/ledger"
	"extracthub/internal/logger"
	"extracthub/internal/metrics"
	"extracthub/internal/pricing"
	"extracthub/pkg/aiinterface"
	"extracthub/pkg/types"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ============ 依赖接口 ============

// Ledger 余额与用量日志，余额变更必须是原子的条件操作
type Ledger interface {
	Account(ctx context.Context, tenantID string) (*ledger.Account, error)
	DecrementIfSufficient(ctx context.Context, tenantID string, amount types.Micros) (bool, error)
	Increment(ctx context.Context, tenantID string, amount types.Micros) error
	AppendUsageLog(ctx context.Context, entry *types.UsageLog) error
}

// CredentialPool 凭证池
type CredentialPool interface {
	Acquire(ctx context.Context, tenantID string) (*credential.Handle, error)
	Cooldown(ctx context.Context, id string, d time.Duration) error
	RecordUsage(ctx context.Context, rec credential.UsageRecord) error
}

// SecretResolver 将凭证密文解析为明文
type SecretResolver interface {
	Resolve(ciphertext []byte) (string, error)
}

// PriceOracle 模型价格
type PriceOracle interface {
	PriceFor(ctx context.Context, model string) (pricing.Price, error)
	Cost(ctx context.Context, model string, inputTokens, outputTokens int) (pricing.CostResult, error)
}

// ============ 配置 ============

// Options 网关参数
type Options struct {
	MarkupPercent       float64
	BufferPercent       float64
	MinBalance          types.Micros
	MinReserve          types.Micros // 预留下限，估算为 0 时熔断仍有比较基准
	MaxAttempts         int
	BackoffBase         time.Duration
	BackoffMax          time.Duration
	AttemptTimeout      time.Duration
	RateLimitCooldown   time.Duration
	RunawayMultiplier   float64
	DefaultOutputTokens int
	ImageTokenEstimate  int
}

// OptionsFromConfig 从配置构建
func OptionsFromConfig(cfg config.GatewayConfig) Options {
	return Options{
		MarkupPercent:       cfg.MarkupPercent,
		BufferPercent:       cfg.BufferPercent,
		MinBalance:          types.MicrosFromFloat(cfg.MinBalance),
		MinReserve:          types.MicrosFromFloat(cfg.MinReserve),
		MaxAttempts:         cfg.MaxAttempts,
		BackoffBase:         cfg.BackoffBase,
		BackoffMax:          cfg.BackoffMax,
		AttemptTimeout:      cfg.AttemptTimeout,
		RateLimitCooldown:   cfg.RateLimitCooldown,
		RunawayMultiplier:   cfg.RunawayMultiplier,
		DefaultOutputTokens: cfg.DefaultOutputTokens,
		ImageTokenEstimate:  cfg.ImageTokenEstimate,
	}
}

func (o *Options) normalize() {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = 30 * time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 90 * time.Second
	}
	if o.RateLimitCooldown <= 0 {
		o.RateLimitCooldown = time.Minute
	}
	if o.RunawayMultiplier <= 1 {
		o.RunawayMultiplier = 10
	}
	if o.DefaultOutputTokens <= 0 {
		o.DefaultOutputTokens = 4096
	}
	if o.ImageTokenEstimate < 0 {
		o.ImageTokenEstimate = 0
	}
	if o.MinReserve <= 0 {
		o.MinReserve = 1
	}
}

// Deps 网关依赖
type Deps struct {
	Ledger      Ledger
	Credentials CredentialPool
	Secrets     SecretResolver
	Prices      PriceOracle
	Transport   aiinterface.Transport
	Alerts      alert.Notifier // 可选
	Estimator   TokenEstimator // 可选，默认按字符估算
	Logger      *zap.Logger
}

// Result 一次成功调度的结果
type Result struct {
	Response     *aiinterface.ChatCompletionResponse
	LogID        string
	CredentialID string
	Reserved     types.Micros
	Cost         types.Micros // 实际扣费
	InputTokens  int
	OutputTokens int
	Attempts     int
	UsageMissing bool
}

// Gateway 计费调度网关
type Gateway struct {
	deps   Deps
	opts   Options
	logger *zap.Logger
	tracer trace.Tracer

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(n int64) int64
}

// New 创建网关
func New(deps Deps, opts Options) *Gateway {
	opts.normalize()
	log := logger.OrNop(deps.Logger)
	if deps.Estimator == nil {
		deps.Estimator = CharEstimator{}
	}
	if deps.Alerts == nil {
		deps.Alerts = alert.Multi{alert.NewLogNotifier(log)}
	}
	return &Gateway{
		deps:   deps,
		opts:   opts,
		logger: log,
		tracer: otel.Tracer("extracthub/internal/gateway"),
		now:    time.Now,
		sleep:  sleepContext,
		jitter: rand.Int64N,
	}
}

// ============ 调用上下文 ============

type workerKey struct{}

// WithWorker 在上下文中记录发起调用的 worker，写入用量日志
func WithWorker(ctx context.Context, workerID string) context.Context {
	return context.WithValue(ctx, workerKey{}, workerID)
}

func workerFrom(ctx context.Context) string {
	id, _ := ctx.Value(workerKey{}).(string)
	return id
}

// call 一次逻辑调用的状态，只在 Dispatch 内部流转
type call struct {
	tenantID     string
	req          *aiinterface.ChatCompletionRequest
	est          estimate
	jobID        string
	workerID     string
	start        time.Time
	attempts     int
	credentialID string
	log          *zap.Logger
}

// ============ 调度 ============

// Dispatch 将一次逻辑调用变为计费、带重试且受熔断保护的远程请求
//
// 余额先按估算预留，结束时与实际费用对账；任何终态（预留之后）恰好写一条用量日志。
func (g *Gateway) Dispatch(ctx context.Context, tenantID string, req *aiinterface.ChatCompletionRequest) (res *Result, err error) {
	ctx, span := g.tracer.Start(ctx, "Gateway.Dispatch")
	defer span.End()
	start := g.now()
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = Code(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.GatewayDispatchTotal.WithLabelValues(outcome).Inc()
		metrics.GatewayDispatchDuration.Observe(g.now().Sub(start).Seconds())
	}()

	if tenantID == "" || req == nil || req.Model == "" || len(req.Messages) == 0 {
		return nil, &Error{Kind: ErrInvalidRequest}
	}
	span.SetAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("model", req.Model),
	)

	if err := g.preflight(ctx, tenantID); err != nil {
		return nil, err
	}

	est, err := g.estimate(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int64("reserved_micros", int64(est.Reserve)))

	ok, err := g.deps.Ledger.DecrementIfSufficient(ctx, tenantID, est.Reserve)
	if err != nil {
		return nil, fmt.Errorf("预留余额失败: %w", err)
	}
	if !ok {
		return nil, &Error{Kind: ErrInsufficientBalance}
	}

	c := &call{
		tenantID: tenantID,
		req:      req,
		est:      est,
		jobID:    logger.GetJobID(ctx),
		workerID: workerFrom(ctx),
		start:    start,
	}
	c.log = logger.Enrich(ctx, g.logger).With(
		zap.String("tenant_id", tenantID),
		zap.String("model", req.Model),
		zap.String("worker_id", c.workerID),
	)

	resp, err := g.attempt(ctx, c)
	span.SetAttributes(attribute.Int("attempts", c.attempts))
	if err != nil {
		g.fail(ctx, c, err)
		return nil, err
	}
	return g.settle(ctx, c, resp)
}

// preflight 不发起网络调用的前置检查
func (g *Gateway) preflight(ctx context.Context, tenantID string) error {
	acct, err := g.deps.Ledger.Account(ctx, tenantID)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return &Error{Kind: ErrInsufficientBalance, Err: err}
	}
	if err != nil {
		return fmt.Errorf("查询租户账户失败: %w", err)
	}
	if !acct.ExtractionEnabled {
		return &Error{Kind: ErrFeatureDisabled}
	}
	if acct.Balance < g.opts.MinBalance {
		return &Error{Kind: ErrInsufficientBalance, Shortfall: g.opts.MinBalance - acct.Balance}
	}
	return nil
}

// estimate 保守估算：文本约 4 字符 1 token，每张图片固定 token 数，输出按上限计
func (g *Gateway) estimate(ctx context.Context, req *aiinterface.ChatCompletionRequest) (estimate, error) {
	input := g.deps.Estimator.EstimateText(req)
	for _, m := range req.Messages {
		input += m.ImageCount() * g.opts.ImageTokenEstimate
	}
	output := req.MaxTokens
	if output <= 0 {
		output = g.opts.DefaultOutputTokens
	}

	cost, err := g.deps.Prices.Cost(ctx, req.Model, input, output)
	if err != nil {
		return estimate{}, fmt.Errorf("估算费用失败: %w", err)
	}
	reserve := types.CeilMicros(cost.Cost.Mul(percentFactor(g.opts.MarkupPercent)).Mul(percentFactor(g.opts.BufferPercent)))
	reserve = max(reserve, g.opts.MinReserve)
	return estimate{
		InputTokens:  input,
		OutputTokens: output,
		BaseCost:     cost.Cost,
		Reserve:      reserve,
		PriceSource:  cost.Price.Source,
	}, nil
}

// percentFactor 1 + p%
func percentFactor(p float64) decimal.Decimal {
	return decimal.NewFromFloat(p).Shift(-2).Add(decimal.NewFromInt(1))
}

// attempt 有界重试循环，同一逻辑调用的尝试严格串行
func (g *Gateway) attempt(ctx context.Context, c *call) (*aiinterface.ChatCompletionResponse, error) {
	var (
		lastErr     error
		rateLimited int
	)
	for n := 1; n <= g.opts.MaxAttempts; n++ {
		if n > 1 {
			if err := g.sleep(ctx, g.backoff(n-1)); err != nil {
				return nil, &Error{Kind: err, Attempts: c.attempts, Err: lastErr}
			}
		}
		c.attempts = n

		h, err := g.deps.Credentials.Acquire(ctx, c.tenantID)
		if errors.Is(err, credential.ErrNoCredential) {
			// 全部凭证都在冷却，按限流处理
			rateLimited++
			lastErr = err
			metrics.GatewayAttemptsTotal.WithLabelValues("no_credential").Inc()
			c.log.Warn("无可用凭证，等待后重试", zap.Int("attempt", n))
			continue
		}
		if err != nil {
			return nil, &Error{Kind: ErrCredential, Attempts: n, Err: err}
		}
		c.credentialID = h.ID

		apiKey, err := g.deps.Secrets.Resolve(h.EncryptedSecret)
		if err != nil {
			return nil, &Error{Kind: ErrCredential, Attempts: n, Err: err}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, g.opts.AttemptTimeout)
		resp, err := g.deps.Transport.ChatCompletion(attemptCtx, apiKey, c.req)
		cancel()
		if err == nil {
			metrics.GatewayAttemptsTotal.WithLabelValues("ok").Inc()
			return resp, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Kind: ctxErr, Attempts: n, Err: err}
		}
		lastErr = err

		var ce *aiinterface.ClientError
		isClient := errors.As(err, &ce)
		switch {
		case isClient && ce.IsRateLimit():
			rateLimited++
			metrics.GatewayAttemptsTotal.WithLabelValues("rate_limited").Inc()
			if cerr := g.deps.Credentials.Cooldown(ctx, h.ID, g.opts.RateLimitCooldown); cerr != nil {
				c.log.Warn("凭证冷却失败", zap.String("credential_id", h.ID), zap.Error(cerr))
			}
		case errors.Is(err, context.DeadlineExceeded), isClient && ce.Type == aiinterface.ErrorTypeTimeout:
			metrics.GatewayAttemptsTotal.WithLabelValues("timeout").Inc()
		case !isClient || ce.IsRetryable():
			metrics.GatewayAttemptsTotal.WithLabelValues("transient").Inc()
		default:
			metrics.GatewayAttemptsTotal.WithLabelValues("terminal").Inc()
			return nil, &Error{Kind: ErrUpstream, Attempts: n, Err: err}
		}
		c.log.Warn("调用失败，准备重试",
			zap.Int("attempt", n),
			zap.String("credential_id", h.ID),
			zap.Error(err),
		)
	}

	if rateLimited == c.attempts {
		return nil, &Error{Kind: ErrRateLimitExhausted, Attempts: c.attempts, Err: lastErr}
	}
	return nil, &Error{Kind: ErrTransientNetwork, Attempts: c.attempts, Err: lastErr}
}

// backoff 指数退避 base*2^(n-1)，上限 BackoffMax，等量抖动
func (g *Gateway) backoff(n int) time.Duration {
	d := g.opts.BackoffBase
	for i := 1; i < n && d < g.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > g.opts.BackoffMax {
		d = g.opts.BackoffMax
	}
	half := int64(d / 2)
	if half <= 0 {
		return d
	}
	return time.Duration(half + g.jitter(half+1))
}

// fail 调用失败：退回预留，写失败日志
func (g *Gateway) fail(ctx context.Context, c *call, cause error) {
	ctx = context.WithoutCancel(ctx)
	g.refund(ctx, c, c.est.Reserve)
	g.finish(ctx, c, usageOutcome{
		errorCode: Code(cause),
		message:   cause.Error(),
		inTokens:  c.est.InputTokens,
	})
	c.log.Warn("调度失败", zap.Int("attempts", c.attempts), zap.Error(cause))
}

// settle 成功返回后结算：熔断检查 → 对账 → 写日志
func (g *Gateway) settle(ctx context.Context, c *call, resp *aiinterface.ChatCompletionResponse) (*Result, error) {
	ctx = context.WithoutCancel(ctx)

	inTok, outTok := c.est.InputTokens, g.opts.DefaultOutputTokens
	usageMissing := resp.Usage == nil
	if !usageMissing {
		inTok, outTok = resp.Usage.PromptTokens, resp.Usage.CompletionTokens
	}
	base, source := g.actualBase(ctx, c, resp, inTok, outTok)
	actual := types.CeilMicros(base.Mul(percentFactor(g.opts.MarkupPercent)))
	upstream := types.RoundMicros(base)

	// 始终与首次预留比较，凭证轮换不重置基准
	limit := c.est.Reserve.Decimal().Mul(decimal.NewFromFloat(g.opts.RunawayMultiplier))
	if actual.Decimal().GreaterThan(limit) {
		return nil, g.trip(ctx, c, actual, upstream, inTok, outTok)
	}

	charged := actual
	switch diff := c.est.Reserve - actual; {
	case diff > 0:
		if err := g.deps.Ledger.Increment(ctx, c.tenantID, diff); err != nil {
			c.log.Error("退还预留差额失败，按预留额计费", zap.Stringer("surplus", diff), zap.Error(err))
			charged = c.est.Reserve
		}
	case diff < 0:
		shortfall := -diff
		ok, err := g.deps.Ledger.DecrementIfSufficient(ctx, c.tenantID, shortfall)
		if err != nil || !ok {
			g.refund(ctx, c, c.est.Reserve)
			cause := &Error{Kind: ErrInsufficientBalance, Attempts: c.attempts, Shortfall: shortfall, Err: err}
			g.finish(ctx, c, usageOutcome{
				errorCode:   Code(cause),
				message:     cause.Error(),
				inTokens:    inTok,
				outTokens:   outTok,
				priceSource: source,
				upstream:    upstream,
			})
			c.log.Warn("补扣差额失败，已退回预留", zap.Stringer("shortfall", shortfall), zap.Error(err))
			return nil, cause
		}
	}

	logID := g.finish(ctx, c, usageOutcome{
		success:     true,
		cost:        charged,
		inTokens:    inTok,
		outTokens:   outTok,
		priceSource: source,
		upstream:    upstream,
	})
	metrics.GatewayCostTotal.WithLabelValues(c.req.Model).Add(charged.Float64())

	return &Result{
		Response:     resp,
		LogID:        logID,
		CredentialID: c.credentialID,
		Reserved:     c.est.Reserve,
		Cost:         charged,
		InputTokens:  inTok,
		OutputTokens: outTok,
		Attempts:     c.attempts,
		UsageMissing: usageMissing,
	}, nil
}

// actualBase 实际上游费用：优先使用服务端报告的费用，否则按价格表计算
func (g *Gateway) actualBase(ctx context.Context, c *call, resp *aiinterface.ChatCompletionResponse, inTok, outTok int) (decimal.Decimal, string) {
	if resp.Cost != nil && *resp.Cost >= 0 {
		return decimal.NewFromFloat(*resp.Cost), "provider"
	}
	cost, err := g.deps.Prices.Cost(ctx, c.req.Model, inTok, outTok)
	if err != nil {
		c.log.Warn("计算实际费用失败，使用估算值", zap.Error(err))
		return c.est.BaseCost, c.est.PriceSource
	}
	return cost.Cost, cost.Price.Source
}

// trip 费用熔断：全额退回，不向租户计费，告警
func (g *Gateway) trip(ctx context.Context, c *call, actual, upstream types.Micros, inTok, outTok int) error {
	metrics.GatewayCircuitTrips.Inc()
	g.refund(ctx, c, c.est.Reserve)

	ratio := float64(actual) / float64(c.est.Reserve)
	cause := &Error{
		Kind:     ErrCostRunaway,
		Attempts: c.attempts,
		Err:      fmt.Errorf("实际费用 %s 为预留 %s 的 %.1f 倍", actual, c.est.Reserve, ratio),
	}
	logID := g.finish(ctx, c, usageOutcome{
		errorCode: Code(cause),
		message:   cause.Error(),
		inTokens:  inTok,
		outTokens: outTok,
		upstream:  upstream,
	})

	c.log.Error("费用熔断",
		zap.String("usage_log_id", logID),
		zap.Stringer("reserved", c.est.Reserve),
		zap.Stringer("actual", actual),
		zap.Float64("ratio", ratio),
	)
	if err := g.deps.Alerts.Notify(ctx, alert.Incident{
		Event:        alert.EventCostRunaway,
		TenantID:     c.tenantID,
		Model:        c.req.Model,
		CredentialID: c.credentialID,
		JobID:        c.jobID,
		WorkerID:     c.workerID,
		Reserved:     c.est.Reserve,
		Actual:       actual,
		Ratio:        ratio,
		Message:      cause.Error(),
	}); err != nil {
		c.log.Error("发送熔断告警失败", zap.Error(err))
	}
	return cause
}

func (g *Gateway) refund(ctx context.Context, c *call, amount types.Micros) {
	if amount <= 0 {
		return
	}
	if err := g.deps.Ledger.Increment(ctx, c.tenantID, amount); err != nil {
		c.log.Error("退回预留失败", zap.Stringer("amount", amount), zap.Error(err))
	}
}

type usageOutcome struct {
	success     bool
	cost        types.Micros // 向租户收取
	upstream    types.Micros // 上游实际费用，记入凭证统计
	inTokens    int
	outTokens   int
	priceSource string
	errorCode   string
	message     string
}

// finish 写用量日志并回写凭证统计，返回日志 ID
func (g *Gateway) finish(ctx context.Context, c *call, o usageOutcome) string {
	latency := g.now().Sub(c.start).Milliseconds()
	entry := &types.UsageLog{
		ID:           uuid.NewString(),
		TenantID:     c.tenantID,
		CredentialID: c.credentialID,
		Model:        c.req.Model,
		InputTokens:  o.inTokens,
		OutputTokens: o.outTokens,
		TotalTokens:  o.inTokens + o.outTokens,
		Reserved:     c.est.Reserve,
		Cost:         o.cost,
		PriceSource:  o.priceSource,
		Success:      o.success,
		ErrorCode:    o.errorCode,
		ErrorMessage: o.message,
		Attempts:     c.attempts,
		LatencyMS:    latency,
		JobID:        c.jobID,
		WorkerID:     c.workerID,
		CreatedAt:    g.now(),
	}
	if err := g.deps.Ledger.AppendUsageLog(ctx, entry); err != nil {
		c.log.Error("写入用量日志失败", zap.String("usage_log_id", entry.ID), zap.Error(err))
	}

	if c.credentialID != "" {
		if err := g.deps.Credentials.RecordUsage(ctx, credential.UsageRecord{
			CredentialID: c.credentialID,
			LogID:        entry.ID,
			Model:        c.req.Model,
			Success:      o.success,
			Cost:         o.upstream,
			TotalTokens:  entry.TotalTokens,
			LatencyMS:    latency,
		}); err != nil {
			c.log.Warn("回写凭证统计失败", zap.String("credential_id", c.credentialID), zap.Error(err))
		}
	}
	return entry.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

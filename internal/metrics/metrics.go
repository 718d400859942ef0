package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// API 指标
var (
	// APIRequestsTotal API 请求总数
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extracthub_api_requests_total",
			Help: "API 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// APIRequestDuration API 请求延迟（秒）
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extracthub_api_request_duration_seconds",
			Help:    "API 请求延迟分布",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// 网关指标
var (
	// GatewayDispatchTotal 调度终态计数
	// outcome: success, insufficient_balance, feature_disabled, rate_limit_exhausted, transient_network, cost_runaway, upstream, canceled
	GatewayDispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extracthub_gateway_dispatch_total",
			Help: "网关调度终态计数",
		},
		[]string{"outcome"},
	)

	// GatewayAttemptsTotal 单次尝试结果
	// result: ok, rate_limited, timeout, transient, terminal, no_credential
	GatewayAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extracthub_gateway_attempts_total",
			Help: "网关单次调用尝试计数",
		},
		[]string{"result"},
	)

	// GatewayCostTotal 已结算费用（美元）
	GatewayCostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extracthub_gateway_cost_total",
			Help: "已结算费用累计",
		},
		[]string{"model"},
	)

	// GatewayCircuitTrips 费用熔断触发次数
	GatewayCircuitTrips = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "extracthub_gateway_circuit_trips_total",
			Help: "费用熔断触发次数",
		},
	)

	// GatewayDispatchDuration 调度总耗时（含重试）
	GatewayDispatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "extracthub_gateway_dispatch_duration_seconds",
			Help:    "网关调度耗时分布",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
	)
)

// 抽取指标
var (
	// WorkerRunsTotal worker 执行结果
	WorkerRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extracthub_worker_runs_total",
			Help: "抽取 worker 执行计数",
		},
		[]string{"worker", "status"},
	)

	// WorkerParseStage 输出解析阶段分布
	WorkerParseStage = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extracthub_worker_parse_stage_total",
			Help: "模型输出解析阶段计数",
		},
		[]string{"stage"},
	)

	// WorkerDuration worker 执行耗时
	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "extracthub_worker_duration_seconds",
			Help:    "抽取 worker 耗时分布",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"worker"},
	)

	// JobsTotal 任务终态计数
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "extracthub_jobs_total",
			Help: "抽取任务终态计数",
		},
		[]string{"status"},
	)

	// FieldCollisions 合并时字段冲突次数
	FieldCollisions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "extracthub_merge_collisions_total",
			Help: "多 worker 合并时的字段冲突次数",
		},
	)
)

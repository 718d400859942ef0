package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"extracthub/internal/ai/anthropic"
	"extracthub/internal/ai/openai"
	"extracthub/internal/alert"
	"extracthub/internal/auth"
	"extracthub/internal/config"
	"extracthub/internal/credential"
	"extracthub/internal/document"
	"extracthub/internal/extraction"
	"extracthub/internal/gateway"
	"extracthub/internal/infra"
	"extracthub/internal/infra/queue"
	"extracthub/internal/jobs"
	"extracthub/internal/ledger"
	"extracthub/internal/logger"
	"extracthub/internal/orchestrator"
	"extracthub/internal/pricing"
	"extracthub/internal/routing"
	"extracthub/internal/security"
	"extracthub/pkg/aiinterface"
	"extracthub/pkg/types"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger 网关与运维接口共用的余额账本（DBLedger 或 RedisLedger）
type Ledger interface {
	gateway.Ledger
	Credit(ctx context.Context, tenantID string, amount types.Micros) error
	SetExtractionEnabled(ctx context.Context, tenantID string, enabled bool) error
}

// Container 进程内共享的组件
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	DB    *gorm.DB
	Redis redis.UniversalClient // Redis 不可用时为 nil

	Ledger      Ledger
	UsageLogs   *ledger.DBLedger
	Credentials *credential.Pool
	Cipher      *security.Cipher
	Secrets     *credential.SecretCache
	Prices      *pricing.Oracle
	Gateway     *gateway.Gateway
	Registry    *extraction.Registry
	Jobs        *jobs.Service
	Queue       queue.Client // Redis 不可用时为 nil，只能同步执行
	JWT         *auth.JWTService

	cancel context.CancelFunc
}

// Models 全部需要迁移的表
func Models() []any {
	models := ledger.Models()
	models = append(models, &credential.Credential{}, &pricing.ModelPrice{})
	return append(models, jobs.Models()...)
}

// Build 按配置组装全部组件；useRedis 为 false 时跳过 Redis（命令行同步执行）
func Build(ctx context.Context, cfg *config.Config, log *zap.Logger, useRedis bool) (*Container, error) {
	log = logger.OrNop(log)
	c := &Container{Config: cfg, Logger: log}

	db, err := infra.OpenDatabase(&cfg.Database, log)
	if err != nil {
		return nil, err
	}
	c.DB = db
	if cfg.Database.AutoMigrate {
		if err := infra.AutoMigrate(db, log, Models()...); err != nil {
			c.Close()
			return nil, err
		}
	}

	if useRedis {
		rdb, err := infra.NewRedis(ctx, &cfg.Redis, log)
		if err != nil {
			if cfg.Gateway.LedgerBackend == "redis" {
				c.Close()
				return nil, fmt.Errorf("Redis 账本需要可用的 Redis: %w", err)
			}
			log.Warn("Redis 不可用，任务只能同步执行", zap.Error(err))
		} else {
			c.Redis = rdb
		}
	}

	if err := c.buildGateway(ctx); err != nil {
		c.Close()
		return nil, err
	}
	if err := c.buildPipeline(); err != nil {
		c.Close()
		return nil, err
	}

	c.JWT = auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, c.Redis)
	return c, nil
}

func (c *Container) buildGateway(ctx context.Context) error {
	cfg := c.Config

	c.UsageLogs = ledger.NewDBLedger(c.DB)
	switch strings.ToLower(cfg.Gateway.LedgerBackend) {
	case "", "db":
		c.Ledger = c.UsageLogs
	case "redis":
		if c.Redis == nil {
			return errors.New("Redis 账本需要可用的 Redis")
		}
		c.Ledger = ledger.NewRedisLedger(c.Redis, c.UsageLogs)
	default:
		return fmt.Errorf("不支持的账本类型: %s", cfg.Gateway.LedgerBackend)
	}

	cipher, err := security.NewCipher(cfg.Security.CredentialSecret)
	if err != nil {
		return err
	}
	c.Cipher = cipher
	c.Secrets = credential.NewSecretCache(cipher, cfg.Gateway.SecretCacheTTL)

	sweepCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	go c.Secrets.Run(sweepCtx, cfg.Gateway.SecretCacheTTL)

	c.Credentials = credential.NewPool(c.DB)
	c.Prices = pricing.NewOracle(c.DB, pricing.Rate{
		InputPerMTok:  cfg.Gateway.FallbackInputPrice,
		OutputPerMTok: cfg.Gateway.FallbackOutputPrice,
	}, c.Logger)

	alerts := alert.Multi{alert.NewLogNotifier(c.Logger)}
	if cfg.Alert.WebhookURL != "" {
		alerts = append(alerts, alert.NewWebhookNotifier(cfg.Alert.WebhookURL, cfg.Alert.Secret, cfg.Alert.Timeout))
	}

	var estimator gateway.TokenEstimator = gateway.CharEstimator{}
	if cfg.Gateway.Estimator == "tiktoken" {
		estimator = gateway.NewTiktokenEstimator(c.Logger)
	}

	c.Gateway = gateway.New(gateway.Deps{
		Ledger:      c.Ledger,
		Credentials: c.Credentials,
		Secrets:     c.Secrets,
		Prices:      c.Prices,
		Transport:   newTransport(cfg.Provider),
		Alerts:      alerts,
		Estimator:   estimator,
		Logger:      c.Logger,
	}, gateway.OptionsFromConfig(cfg.Gateway))
	return nil
}

// newTransport 按协议选择传输层
func newTransport(cfg config.ProviderConfig) aiinterface.Transport {
	if cfg.Kind == "anthropic" {
		return anthropic.NewClient(cfg.BaseURL, cfg.Timeout)
	}
	return openai.NewClient(cfg.BaseURL, cfg.Timeout)
}

func (c *Container) buildPipeline() error {
	cfg := c.Config.Extraction

	registry, err := extraction.DefaultRegistry()
	if err != nil {
		return err
	}
	if cfg.WorkersFile != "" {
		if err := registry.LoadFromFile(cfg.WorkersFile); err != nil {
			return err
		}
	}
	c.Registry = registry

	rules := routing.DefaultRules()
	if cfg.RoutingFile != "" {
		if rules, err = routing.LoadRules(cfg.RoutingFile); err != nil {
			return err
		}
	}
	base := routing.NewRouter(rules, c.Logger)

	var semantic *routing.SemanticRouter
	if cfg.SemanticRouter {
		descriptions := make(map[string]string)
		for _, id := range registry.IDs() {
			w, _ := registry.Get(id)
			descriptions[id] = w.Description
		}
		semantic = routing.NewSemanticRouter(c.Gateway, cfg.RouterModel, descriptions)
	}

	executor := extraction.NewExecutor(c.Gateway, registry, extraction.ExecutorOptionsFromConfig(cfg), c.Logger)
	orch := orchestrator.New(executor, registry, orchestrator.OptionsFromConfig(cfg), c.Logger)

	deps := jobs.Deps{
		DB:           c.DB,
		Documents:    document.NewStore(cfg.PagesDir),
		Router:       routing.NewFallbackRouter(semantic, base, c.Logger),
		Detector:     base,
		Orchestrator: orch,
		Workers:      registry.IDs(),
		Logger:       c.Logger,
	}
	if c.Redis != nil {
		c.Queue = queue.NewClient(c.Config.Redis, c.Config.Queue)
		deps.Queue = c.Queue
	}
	c.Jobs = jobs.NewService(deps)
	return nil
}

// Close 释放连接
func (c *Container) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.Queue != nil {
		if err := c.Queue.Close(); err != nil {
			c.Logger.Warn("关闭队列客户端失败", zap.Error(err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			c.Logger.Warn("关闭 Redis 失败", zap.Error(err))
		}
	}
	if err := infra.CloseDatabase(c.DB); err != nil {
		c.Logger.Warn("关闭数据库失败", zap.Error(err))
	}
}

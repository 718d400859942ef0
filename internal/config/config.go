package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 应用配置结构
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Log        LogConfig        `mapstructure:"log"`
	Gateway    GatewayConfig    `mapstructure:"gateway"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Security   SecurityConfig   `mapstructure:"security"`
	Alert      AlertConfig      `mapstructure:"alert"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig HTTP 服务器配置
type ServerConfig struct {
	Port         int    `mapstructure:"port"`
	Mode         string `mapstructure:"mode"` // debug, release, test
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
	// EmbeddedWorker 在同一进程内启动队列消费者
	EmbeddedWorker bool `mapstructure:"embedded_worker"`
	// 提交接口按租户限流
	RateLimitRPS       float64  `mapstructure:"rate_limit_rps"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	RateLimitBurst     int      `mapstructure:"rate_limit_burst"`
	CORSAllowOrigins   []string `mapstructure:"cors_allow_origins"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Driver          string `mapstructure:"driver"` // postgres, sqlite
	Path            string `mapstructure:"path"`   // sqlite 文件路径，":memory:" 为内存库
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"` // 秒
	AutoMigrate     bool   `mapstructure:"auto_migrate"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 连接模式: standalone(单节点), sentinel(哨兵), cluster(集群)
	Mode string `mapstructure:"mode"`

	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`

	MasterName       string   `mapstructure:"master_name"`
	SentinelAddrs    []string `mapstructure:"sentinel_addrs"`
	SentinelPassword string   `mapstructure:"sentinel_password"`

	ClusterAddrs []string `mapstructure:"cluster_addrs"`

	PoolSize     int `mapstructure:"pool_size"`
	MinIdleConns int `mapstructure:"min_idle_conns"`
}

// QueueConfig 异步任务队列配置
type QueueConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, /path/to/log
}

// GatewayConfig 调度网关配置（计费、重试、熔断）
type GatewayConfig struct {
	MarkupPercent       float64       `mapstructure:"markup_percent"`
	BufferPercent       float64       `mapstructure:"buffer_percent"`
	MinBalance          float64       `mapstructure:"min_balance"`
	MinReserve          float64       `mapstructure:"min_reserve"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	AttemptTimeout      time.Duration `mapstructure:"attempt_timeout"`
	RateLimitCooldown   time.Duration `mapstructure:"rate_limit_cooldown"`
	RunawayMultiplier   float64       `mapstructure:"runaway_multiplier"`
	DefaultOutputTokens int           `mapstructure:"default_output_tokens"`
	ImageTokenEstimate  int           `mapstructure:"image_token_estimate"`
	SecretCacheTTL      time.Duration `mapstructure:"secret_cache_ttl"`
	Estimator           string        `mapstructure:"estimator"` // chars, tiktoken
	// LedgerBackend 余额存储：db（默认）或 redis
	LedgerBackend string `mapstructure:"ledger_backend"`
	// FallbackInputPrice / FallbackOutputPrice 未知模型的保守单价（每百万 token）
	FallbackInputPrice  float64 `mapstructure:"fallback_input_price"`
	FallbackOutputPrice float64 `mapstructure:"fallback_output_price"`
}

// ProviderConfig 推理服务端点
type ProviderConfig struct {
	// Kind 接口协议：openai（OpenAI 兼容，默认）或 anthropic
	Kind    string        `mapstructure:"kind"`
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// ExtractionConfig 抽取流程配置
type ExtractionConfig struct {
	Model          string  `mapstructure:"model"`
	RouterModel    string  `mapstructure:"router_model"`
	Temperature    float32 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	Strict         bool    `mapstructure:"strict"`
	MaxConcurrency int     `mapstructure:"max_concurrency"`
	WorkersFile    string  `mapstructure:"workers_file"`
	RoutingFile    string  `mapstructure:"routing_file"`
	SemanticRouter bool    `mapstructure:"semantic_router"`
	PagesDir       string  `mapstructure:"pages_dir"`
	// MergePriority 字段冲突时的优先顺序（为空则按完成顺序后写覆盖）
	MergePriority []string `mapstructure:"merge_priority"`
}

// SecurityConfig 凭证加密配置
type SecurityConfig struct {
	CredentialSecret string `mapstructure:"credential_secret"`
}

// AlertConfig 运维告警配置
type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Secret     string        `mapstructure:"secret"` // HMAC 签名密钥（可选）
	Timeout    time.Duration `mapstructure:"timeout"`
}

// AuthConfig 接口鉴权配置
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

var globalConfig *Config

// SetDefaults 写入全部默认值，配置文件与环境变量可覆盖
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 60)
	v.SetDefault("server.embedded_worker", true)
	v.SetDefault("server.rate_limit_rps", 2.0)
	v.SetDefault("server.rate_limit_per_minute", 60)
	v.SetDefault("server.rate_limit_burst", 5)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.path", "extracthub.db")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.mode", "standalone")
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.pool_size", 20)

	v.SetDefault("queue.concurrency", 4)
	v.SetDefault("queue.task_timeout", 30*time.Minute)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output_path", "stdout")

	v.SetDefault("gateway.markup_percent", 20.0)
	v.SetDefault("gateway.buffer_percent", 25.0)
	v.SetDefault("gateway.min_balance", 0.01)
	v.SetDefault("gateway.min_reserve", 0.001)
	v.SetDefault("gateway.max_attempts", 3)
	v.SetDefault("gateway.backoff_base", time.Second)
	v.SetDefault("gateway.backoff_max", 30*time.Second)
	v.SetDefault("gateway.attempt_timeout", 90*time.Second)
	v.SetDefault("gateway.rate_limit_cooldown", time.Minute)
	v.SetDefault("gateway.runaway_multiplier", 10.0)
	v.SetDefault("gateway.default_output_tokens", 4096)
	v.SetDefault("gateway.image_token_estimate", 1500)
	v.SetDefault("gateway.secret_cache_ttl", 5*time.Minute)
	v.SetDefault("gateway.estimator", "chars")
	v.SetDefault("gateway.ledger_backend", "db")
	v.SetDefault("gateway.fallback_input_price", 15.0)
	v.SetDefault("gateway.fallback_output_price", 75.0)

	v.SetDefault("provider.kind", "openai")
	v.SetDefault("provider.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("provider.timeout", 120*time.Second)

	v.SetDefault("extraction.model", "anthropic/claude-3.5-sonnet")
	v.SetDefault("extraction.router_model", "openai/gpt-4o-mini")
	v.SetDefault("extraction.temperature", 0.1)
	v.SetDefault("extraction.max_tokens", 4096)
	v.SetDefault("extraction.max_concurrency", 0)
	v.SetDefault("extraction.pages_dir", "./data/pages")

	// 敏感项没有默认值，仍需注册键名，APP_* 环境变量才能在 Unmarshal 时生效
	for _, key := range []string{
		"database.host", "database.user", "database.password", "database.dbname",
		"redis.password", "security.credential_secret",
		"alert.webhook_url", "alert.secret", "auth.jwt_secret",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("database.port", 5432)

	v.SetDefault("alert.timeout", 5*time.Second)
	v.SetDefault("auth.issuer", "extracthub")
}

// Load 加载配置
// env: 环境名称（dev, prod, test）
// configPath: 配置文件路径（可选）
func Load(env string, configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if configPath == "" {
		v.SetConfigName(env) // dev.yaml, prod.yaml
		v.AddConfigPath("./config")
		v.AddConfigPath("../config")
		v.AddConfigPath("../../config")
	} else {
		v.SetConfigFile(configPath)
	}

	v.SetConfigType("yaml")

	// 读取环境变量（优先级高于配置文件）
	v.SetEnvPrefix("APP")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_")) // APP_GATEWAY_MARKUP_PERCENT

	if err := v.ReadInConfig(); err != nil {
		// 没有配置文件时仅依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	globalConfig = &cfg
	return &cfg, nil
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	g := c.Gateway
	if g.MaxAttempts < 1 {
		return fmt.Errorf("gateway.max_attempts 必须 >= 1")
	}
	if g.RunawayMultiplier <= 1 {
		return fmt.Errorf("gateway.runaway_multiplier 必须 > 1")
	}
	if g.MarkupPercent < 0 || g.BufferPercent < 0 {
		return fmt.Errorf("gateway 加价与缓冲比例不能为负")
	}
	if g.FallbackInputPrice < 0 || g.FallbackOutputPrice < 0 || g.FallbackInputPrice+g.FallbackOutputPrice == 0 {
		return fmt.Errorf("gateway 兜底单价不能为负或全部为 0")
	}
	switch c.Provider.Kind {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("不支持的推理服务类型: %s", c.Provider.Kind)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", c.Database.Driver)
	}
	return nil
}

// Get 获取全局配置
func Get() *Config {
	if globalConfig == nil {
		panic("配置未初始化，请先调用 Load()")
	}
	return globalConfig
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Addr Redis 单节点地址
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

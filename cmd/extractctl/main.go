package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"extracthub/internal/app"
	"extracthub/internal/config"
	"extracthub/internal/logger"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	envName    string
	configPath string
	timeout    time.Duration
)

// rootCmd 运维命令行
var rootCmd = &cobra.Command{
	Use:   "extractctl",
	Short: "ExtractHub 运维命令行",
	Long: `ExtractHub 运维命令行：同步执行抽取任务、管理租户余额、凭证与模型价格。

配置读取顺序与服务端一致：config/<env>.yaml → APP_* 环境变量。`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envName, "env", envOr("APP_ENV", "dev"), "配置环境名称")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("APP_CONFIG"), "配置文件路径")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Minute, "命令超时，0 表示不限")

	rootCmd.AddCommand(runCmd, workerCmd, creditCmd, featureCmd, credentialCmd, priceCmd, tokenCmd, encryptCmd)
}

func main() {
	_ = godotenv.Load()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// loadConfig 加载配置并初始化日志
func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(envName, configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.Build(cfg.Log.Level, "console", "stderr")
	if err != nil {
		return nil, nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	return cfg, log, nil
}

// withContainer 组装组件后执行 fn；命令行不依赖 Redis，除非 useRedis
func withContainer(cmd *cobra.Command, useRedis bool, fn func(ctx context.Context, c *app.Container) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx := cmd.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	c, err := app.Build(ctx, cfg, log, useRedis || cfg.Gateway.LedgerBackend == "redis")
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

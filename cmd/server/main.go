package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"extracthub/api"
	"extracthub/internal/app"
	"extracthub/internal/config"
	"extracthub/internal/logger"
	"extracthub/internal/middleware"
	"extracthub/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// 0. 统一加载 .env，便于集中管理 APP_* 环境变量
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	// 1. 加载配置
	cfg, err := config.Load(env, os.Getenv("APP_CONFIG"))
	if err != nil {
		fmt.Printf("加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 2. 初始化日志
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		fmt.Printf("初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()

	log.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
	)
	if cfg.Auth.JWTSecret == "" {
		log.Fatal("未配置 auth.jwt_secret（APP_AUTH_JWT_SECRET）")
	}

	// 3. 组装组件（数据库、Redis、网关、抽取流水线）
	ctx := context.Background()
	container, err := app.Build(ctx, cfg, log, true)
	if err != nil {
		log.Fatal("初始化组件失败", zap.Error(err))
	}

	// 4. 路由
	gin.SetMode(cfg.Server.Mode)
	limiter := middleware.NewRateLimiter(&middleware.RateLimiterConfig{
		RequestsPerSecond: cfg.Server.RateLimitRPS,
		RequestsPerMinute: cfg.Server.RateLimitPerMinute,
		BurstSize:         cfg.Server.RateLimitBurst,
	})
	router := api.NewRouter(api.Deps{
		DB:          container.DB,
		Redis:       container.Redis,
		JWT:         container.JWT,
		Jobs:        container.Jobs,
		Accounts:    container.Ledger,
		Usage:       container.UsageLogs,
		Limiter:     limiter,
		CORSOrigins: cfg.Server.CORSAllowOrigins,
		Logger:      log,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// 5. 启动服务器（goroutine）
	go func() {
		log.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP 服务器启动失败", zap.Error(err))
		}
	}()

	// 6. 进程内队列消费者
	var workerServer *worker.Server
	switch {
	case !cfg.Server.EmbeddedWorker:
		log.Info("未启用内嵌 Worker，任务由独立进程消费")
	case container.Redis == nil:
		log.Warn("Redis 不可用，跳过内嵌 Worker")
	default:
		workerServer = worker.NewServer(cfg.Redis, cfg.Queue, container.Jobs, log)
		if err := workerServer.Start(); err != nil {
			log.Fatal("Worker 服务器启动失败", zap.Error(err))
		}
	}

	// 7. 优雅关闭
	gracefulShutdown(log, server, workerServer, limiter, container)
}

// loadEnvFile 依次尝试加载当前目录及上级目录的 .env 文件
func loadEnvFile() {
	if path := resolveEnvPath(); path != "" {
		if err := godotenv.Load(path); err != nil {
			fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		} else {
			fmt.Printf("已加载环境变量文件: %s\n", path)
		}
	}
}

// resolveEnvPath 从当前工作目录向上查找 .env
func resolveEnvPath() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	dir := filepath.Clean(wd)
	for i := 0; i < 8; i++ {
		path := filepath.Join(dir, ".env")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// gracefulShutdown 优雅关闭
func gracefulShutdown(
	log *zap.Logger,
	server *http.Server,
	workerServer *worker.Server,
	limiter *middleware.RateLimiter,
	container *app.Container,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("正在关闭服务器...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("服务器关闭异常", zap.Error(err))
	}
	// 等待进行中的抽取任务结束后再释放连接
	if workerServer != nil {
		workerServer.Shutdown()
	}
	limiter.Stop()
	container.Close()

	log.Info("服务器已安全关闭")
}

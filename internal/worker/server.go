package worker

import (
	"extracthub/internal/config"
	"extracthub/internal/infra/queue"
	"extracthub/internal/worker/handlers"
	"extracthub/internal/worker/tasks"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// Server 抽取任务队列消费者
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
	logger *zap.Logger
}

func NewServer(
	redisCfg config.RedisConfig,
	queueCfg config.QueueConfig,
	runner handlers.JobRunner,
	logger *zap.Logger,
) *Server {
	srv := asynq.NewServer(
		queue.RedisConnOpt(redisCfg),
		queue.DefaultServerConfig(queueCfg.Concurrency).ToAsynqConfig(logger),
	)

	mux := asynq.NewServeMux()

	extractionHandler := handlers.NewExtractionHandler(runner, logger)
	mux.HandleFunc(tasks.TypeRunExtraction, extractionHandler.HandleRunExtraction)

	return &Server{
		server: srv,
		mux:    mux,
		logger: logger,
	}
}

// Run 启动 Worker 服务器
func (s *Server) Run() error {
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.server.Shutdown()
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/api"
	"github.com/qs3c/resume_pipeline/internal/api/handler"
	"github.com/qs3c/resume_pipeline/internal/database"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/pubsub"
	"github.com/qs3c/resume_pipeline/internal/pkg/queue"
	"github.com/qs3c/resume_pipeline/internal/pkg/storage"
	"github.com/qs3c/resume_pipeline/internal/pkg/ws"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/service"
	"github.com/qs3c/resume_pipeline/internal/worker"
)

var configPath = flag.String("config", "config.yaml", "path to config file")

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	log := logger.New(&cfg.Log, "resume-server")
	logger.SetDefault(log)
	defer log.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 初始化数据库
	db, err := database.Open(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect database: %v", err)
	}
	logger.Info("Database connected (%s)", cfg.Database.Driver)

	// 初始化 Redis（队列和进度事件）
	rdb, err := database.NewRedis(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect redis: %v", err)
	}
	defer rdb.Close()

	store, err := storage.New(ctx, cfg)
	if err != nil {
		logger.Fatal("Failed to init storage: %v", err)
	}

	transport, err := queue.New(ctx, cfg, rdb)
	if err != nil {
		logger.Fatal("Failed to init queue: %v", err)
	}

	jobRepo := repository.NewJobRepository(db)
	dispatcher := worker.NewDispatcher(transport, worker.QueuesFromConfig(&cfg.Queue))
	publisher := pubsub.NewPublisher(rdb)
	jobService := service.NewJobService(jobRepo, store, dispatcher, publisher, cfg.Storage.UploadExpiry)

	// 进度事件转发给 WebSocket 订阅者
	wsHub := ws.NewHub()
	websocketHandler := handler.NewWebSocketHandler(wsHub, jobService)
	go func() {
		err := pubsub.NewSubscriber(rdb).Subscribe(ctx, nil, websocketHandler.Forward)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Job event subscription stopped: %v", err)
		}
	}()

	var uploadHandler *handler.UploadHandler
	if local, ok := store.(*storage.LocalStorage); ok {
		uploadHandler = handler.NewUploadHandler(local, cfg.Storage.MaxFileSize)
	}

	router := api.NewRouter(
		handler.NewJobHandler(jobService, cfg.Poller),
		websocketHandler,
		uploadHandler,
		cfg,
	)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router.Setup(),
	}

	go func() {
		logger.Info("Server starting on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed: %v", err)
	}
	logger.Info("Server stopped")
}

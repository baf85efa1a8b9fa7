package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/database"
	"github.com/qs3c/resume_pipeline/internal/extraction"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/pubsub"
	"github.com/qs3c/resume_pipeline/internal/pkg/queue"
	"github.com/qs3c/resume_pipeline/internal/pkg/storage"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/scoring"
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

	log := logger.New(&cfg.Log, "resume-worker")
	logger.SetDefault(log)
	defer log.Close()

	// 监听退出信号
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	db, err := database.Open(&cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect database: %v", err)
	}

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

	extractionService, err := extraction.NewServiceFromConfig(ctx, cfg, store)
	if err != nil {
		logger.Fatal("Failed to init extraction service: %v", err)
	}

	jobRepo := repository.NewJobRepository(db)
	queues := worker.QueuesFromConfig(&cfg.Queue)
	dispatcher := worker.NewDispatcher(transport, queues)

	pipeline := worker.NewPipeline(
		jobRepo,
		extraction.ClientFromConfig(cfg, jobRepo, extractionService),
		scoring.NewHTTPScorer(&cfg.Scoring),
		store,
		dispatcher,
		pubsub.NewPublisher(rdb),
		cfg.Queue.MaxReceives,
	)

	if cfg.Sweeper.Enabled {
		sweeper := worker.NewSweeper(jobRepo, dispatcher, &cfg.Sweeper)
		sweeper.Start(logger.WithComponent(ctx, "sweeper"))
		defer sweeper.Stop()
	}

	workers := cfg.Queue.MaxWorkers
	if workers <= 0 {
		workers = 1
	}
	opts := worker.ConsumerOptionsFromConfig(&cfg.Queue)

	g, gctx := errgroup.WithContext(ctx)
	for _, stage := range worker.Stages {
		consumer := worker.NewConsumer(transport, queues[stage], pipeline.Handler(stage), opts)
		for i := 0; i < workers; i++ {
			cctx := logger.WithFields(gctx, logger.Fields{
				logger.FieldComponent: "consumer",
				logger.FieldStage:     string(stage),
			})
			g.Go(func() error {
				return consumer.Run(cctx)
			})
		}
	}

	logger.Info("Worker started, %d consumer(s) per stage, provider %s", workers, cfg.Extraction.Provider)

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error: %v", err)
	}
	logger.Info("Worker shutdown complete")
}

package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/database"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/queue"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/worker"
)

var (
	staleAfter = flag.Duration("stale-after", 0, "Re-dispatch jobs idle longer than this (default sweeper.stale_after)")
	limit      = flag.Int("limit", 0, "Max jobs per pass (default sweeper.batch_limit)")
	stats      = flag.Bool("stats", true, "Print job counts by status after the pass")
)

// 手动执行一次卡住任务的补发
func main() {
	flag.Parse()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	log := logger.New(&cfg.Log, "resume-sweep")
	logger.SetDefault(log)
	defer log.Close()

	if *staleAfter > 0 {
		cfg.Sweeper.StaleAfter = *staleAfter
	}
	if *limit > 0 {
		cfg.Sweeper.BatchLimit = *limit
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
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

	transport, err := queue.New(ctx, cfg, rdb)
	if err != nil {
		logger.Fatal("Failed to init queue: %v", err)
	}

	jobRepo := repository.NewJobRepository(db)
	dispatcher := worker.NewDispatcher(transport, worker.QueuesFromConfig(&cfg.Queue))
	sweeper := worker.NewSweeper(jobRepo, dispatcher, &cfg.Sweeper)

	sent, err := sweeper.SweepOnce(logger.WithComponent(ctx, "sweep"))
	if err != nil {
		logger.Error("Sweep finished with errors: %v", err)
	}
	logger.Info("Re-dispatched %d stale job(s)", sent)

	if *stats {
		counts, err := jobRepo.CountByStatus(ctx)
		if err != nil {
			logger.Error("Failed to count jobs: %v", err)
			return
		}
		for status, n := range counts {
			logger.Info("  %-20s %d", status, n)
		}
	}
}

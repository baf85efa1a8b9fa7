package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
)

// Sweeper re-dispatches jobs that stopped moving, e.g. because a stage
// message was lost between a state change and its enqueue.
type Sweeper struct {
	jobs       JobStore
	dispatcher *Dispatcher
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time

	stopChan chan struct{}
	stopOnce sync.Once
	started  atomic.Bool
	done     chan struct{}
}

func NewSweeper(jobs JobStore, dispatcher *Dispatcher, cfg *config.SweeperConfig) *Sweeper {
	s := &Sweeper{
		jobs:       jobs,
		dispatcher: dispatcher,
		interval:   cfg.Interval,
		staleAfter: cfg.StaleAfter,
		limit:      cfg.BatchLimit,
		now:        time.Now,
		stopChan:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = 5 * time.Minute
	}
	if s.staleAfter <= 0 {
		s.staleAfter = 15 * time.Minute
	}
	if s.limit <= 0 {
		s.limit = 100
	}
	return s
}

// Start 启动定时扫描
func (s *Sweeper) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
	logger.CtxInfo(ctx, "sweeper started, interval %s, stale after %s", s.interval, s.staleAfter)
}

// Stop 停止定时扫描并等待当前一轮结束
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	if s.started.Load() {
		<-s.done
	}
}

func (s *Sweeper) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				logger.CtxError(ctx, "sweep failed: %v", err)
			}
		}
	}
}

// SweepOnce dispatches the next stage of every stale job and returns how many
// messages were sent.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	before := s.now().Add(-s.staleAfter)
	jobs, err := s.jobs.ListStale(ctx, before, s.limit)
	if err != nil {
		return 0, err
	}

	sent := 0
	var errs []error
	for _, job := range jobs {
		stage, id, err := s.dispatcher.DispatchNext(ctx, job)
		if errors.Is(err, ErrNoNextStage) {
			// CREATED 任务在等待用户上传
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		sent++
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldJobID:     job.ID,
			logger.FieldStage:     string(stage),
			logger.FieldMessageID: id,
		}).Info("stale job re-dispatched")
	}

	if len(jobs) > 0 {
		logger.CtxInfo(ctx, "sweep finished: %d stale, %d dispatched", len(jobs), sent)
	}
	return sent, errors.Join(errs...)
}

package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/queue"
)

var (
	ErrStageMismatch = errors.New("stage does not follow job status")
	ErrNoNextStage   = errors.New("job has no pending stage")
)

// Queues 阶段到队列名的映射
type Queues map[Stage]string

func QueuesFromConfig(cfg *config.QueueConfig) Queues {
	return Queues{
		StageExtractionStart: cfg.ExtractionStart,
		StageExtractionPoll:  cfg.ExtractionPoll,
		StageAnalysis:        cfg.Analysis,
	}
}

// NextStage 仅根据任务当前状态计算应当投递的阶段
func NextStage(job *model.Job) (Stage, bool) {
	switch job.Status {
	case model.StatusUploaded:
		return StageExtractionStart, true
	case model.StatusExtractionStarted:
		return StageExtractionPoll, true
	case model.StatusExtractionComplete:
		return StageAnalysis, true
	}
	return "", false
}

// Dispatcher enqueues the message that moves a job into its next stage.
// It never writes to the job store.
type Dispatcher struct {
	transport queue.Transport
	queues    Queues
}

func NewDispatcher(transport queue.Transport, queues Queues) *Dispatcher {
	return &Dispatcher{transport: transport, queues: queues}
}

func (d *Dispatcher) QueueFor(stage Stage) (string, error) {
	name, ok := d.queues[stage]
	if !ok || name == "" {
		return "", fmt.Errorf("no queue configured for stage %s", stage)
	}
	return name, nil
}

// Dispatch enqueues target for job and returns the message id. target must be
// the stage that follows the job's stored status.
func (d *Dispatcher) Dispatch(ctx context.Context, job *model.Job, target Stage) (string, error) {
	next, ok := NextStage(job)
	if !ok || next != target {
		return "", fmt.Errorf("%w: %s cannot run for job %s in %s", ErrStageMismatch, target, job.ID, job.Status)
	}

	name, err := d.QueueFor(target)
	if err != nil {
		return "", err
	}

	msg := &StageMessage{V: MessageVersion, JobID: job.ID, Stage: target, Bucket: job.Bucket}
	body, err := msg.Encode()
	if err != nil {
		return "", fmt.Errorf("failed to encode stage message: %w", err)
	}

	id, err := d.transport.Enqueue(ctx, name, body)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s for job %s: %w", target, job.ID, err)
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldJobID:     job.ID,
		logger.FieldStage:     string(target),
		logger.FieldMessageID: id,
		logger.FieldQueue:     name,
	}).Debug("stage dispatched")
	return id, nil
}

// DispatchNext dispatches whatever stage the stored status calls for.
func (d *Dispatcher) DispatchNext(ctx context.Context, job *model.Job) (Stage, string, error) {
	next, ok := NextStage(job)
	if !ok {
		return "", "", fmt.Errorf("%w: %s is %s", ErrNoNextStage, job.ID, job.Status)
	}
	id, err := d.Dispatch(ctx, job, next)
	return next, id, err
}

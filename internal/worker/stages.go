package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/qs3c/resume_pipeline/internal/extraction"
	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/queue"
	"github.com/qs3c/resume_pipeline/internal/pkg/storage"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/scoring"
)

// ErrExtractionPending 抽取尚未完成，消息稍后重投
var ErrExtractionPending = errors.New("extraction still in progress")

// 失败原因，写入 job.error.cause
const (
	CauseExternalServiceUnavailable = "ExternalServiceUnavailable"
	CauseExtractionRejected         = "ExtractionRejected"
	CauseExtractionFailed           = "ExtractionFailed"
	CauseExtractionTimedOut         = "ExtractionTimedOut"
	CauseScoringFailed              = "ScoringFailed"
	CauseResultNotStored            = "ResultNotStored"
)

type JobStore interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Mutate(ctx context.Context, id string, mutate model.Mutation) (*model.Job, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Job, error)
}

type Extractor interface {
	Start(ctx context.Context, jobID string, role model.DocumentRole, doc extraction.DocumentRef) (string, error)
	Poll(ctx context.Context, externalID string) (extraction.StatusReport, error)
	Fetch(ctx context.Context, externalID string) ([]extraction.Fragment, error)
}

// EventPublisher 状态变更通知，可为 nil
type EventPublisher interface {
	PublishJob(ctx context.Context, job *model.Job) error
}

// Pipeline holds the per-stage handlers. Every handler reads the job from the
// store, so replaying a message that was already processed changes nothing.
type Pipeline struct {
	jobs        JobStore
	extractor   Extractor
	scorer      scoring.Scorer
	storage     storage.ObjectStorage
	dispatcher  *Dispatcher
	events      EventPublisher
	maxReceives int
}

func NewPipeline(
	jobs JobStore,
	extractor Extractor,
	scorer scoring.Scorer,
	store storage.ObjectStorage,
	dispatcher *Dispatcher,
	events EventPublisher,
	maxReceives int,
) *Pipeline {
	if maxReceives <= 0 {
		maxReceives = 60
	}
	return &Pipeline{
		jobs:        jobs,
		extractor:   extractor,
		scorer:      scorer,
		storage:     store,
		dispatcher:  dispatcher,
		events:      events,
		maxReceives: maxReceives,
	}
}

// Handler returns the message handler for stage.
func (p *Pipeline) Handler(stage Stage) Handler {
	var run func(context.Context, *model.Job, *StageMessage, queue.Message) error
	switch stage {
	case StageExtractionStart:
		run = p.startExtraction
	case StageExtractionPoll:
		run = p.pollExtraction
	case StageAnalysis:
		run = p.analyze
	default:
		panic(fmt.Sprintf("worker: unknown stage %q", stage))
	}

	return func(ctx context.Context, msg queue.Message) error {
		sm, err := DecodeStageMessage(msg.Body)
		if err != nil {
			return err
		}
		if sm.Stage != stage {
			return fmt.Errorf("%w: %s message on %s queue", ErrMalformedMessage, sm.Stage, stage)
		}

		ctx = logger.WithFields(ctx, logger.Fields{
			logger.FieldJobID: sm.JobID,
			logger.FieldStage: string(stage),
		})

		job, err := p.jobs.GetByID(ctx, sm.JobID)
		if errors.Is(err, repository.ErrJobNotFound) {
			logger.CtxWarn(ctx, "job no longer exists, dropping message")
			return nil
		}
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			logger.CtxDebug(ctx, "job already %s, nothing to do", job.Status)
			return nil
		}
		return run(ctx, job, sm, msg)
	}
}

// startExtraction submits both documents and moves the job to EXTRACTION_STARTED.
func (p *Pipeline) startExtraction(ctx context.Context, job *model.Job, sm *StageMessage, _ queue.Message) error {
	switch job.Status {
	case model.StatusUploaded:
	case model.StatusExtractionStarted:
		// 状态已推进但下一阶段消息可能丢失，按存储状态补发
		return p.redispatch(ctx, job)
	default:
		logger.CtxWarn(ctx, "unexpected status %s for extraction start, dropping message", job.Status)
		return nil
	}

	for _, role := range model.Roles {
		doc, ok := job.Document(role)
		if !ok {
			return p.fail(ctx, job.ID, model.StatusExtractionStarted, CauseExtractionRejected, "missing "+string(role)+" document")
		}
		ref := extraction.DocumentRef{Bucket: bucketOf(sm, job), Key: doc.StorageKey}

		id, err := p.extractor.Start(ctx, job.ID, role, ref)
		switch {
		case err == nil:
			logger.CtxInfo(ctx, "extraction for %s started as %s", role, id)
		case errors.Is(err, extraction.ErrExternalServiceUnavailable):
			return p.fail(ctx, job.ID, model.StatusExtractionStarted, CauseExternalServiceUnavailable, err.Error())
		case errors.Is(err, extraction.ErrExtractionRejected):
			return p.fail(ctx, job.ID, model.StatusExtractionStarted, CauseExtractionRejected, err.Error())
		default:
			return err
		}
	}

	updated, err := p.jobs.Mutate(ctx, job.ID, advance(model.StatusExtractionStarted))
	if err != nil {
		return err
	}
	p.publish(ctx, updated)
	return p.redispatch(ctx, updated)
}

// pollExtraction waits for both extraction jobs to finish.
func (p *Pipeline) pollExtraction(ctx context.Context, job *model.Job, _ *StageMessage, msg queue.Message) error {
	switch job.Status {
	case model.StatusExtractionStarted:
	case model.StatusExtractionComplete:
		return p.redispatch(ctx, job)
	default:
		logger.CtxWarn(ctx, "unexpected status %s for extraction poll, dropping message", job.Status)
		return nil
	}

	pending := 0
	for _, role := range model.Roles {
		externalID, ok := job.ExternalJobID(role)
		if !ok {
			return p.fail(ctx, job.ID, model.StatusExtractionComplete, CauseExtractionFailed, "no external job for "+string(role))
		}

		report, err := p.extractor.Poll(ctx, externalID)
		if errors.Is(err, extraction.ErrExternalServiceUnavailable) {
			return p.retryOrFail(ctx, job.ID, msg, model.StatusExtractionComplete, CauseExternalServiceUnavailable, err)
		}
		if errors.Is(err, extraction.ErrExtractionRejected) {
			return p.fail(ctx, job.ID, model.StatusExtractionComplete, CauseExtractionFailed, err.Error())
		}
		if err != nil {
			return err
		}

		switch report.State {
		case extraction.StateFailed:
			detail := fmt.Sprintf("%s extraction %s failed", role, externalID)
			if report.Message != "" {
				detail += ": " + report.Message
			}
			return p.fail(ctx, job.ID, model.StatusExtractionComplete, CauseExtractionFailed, detail)
		case extraction.StateSucceeded:
		default:
			pending++
		}
	}

	if pending > 0 {
		if msg.ReceiveCount >= p.maxReceives {
			return p.fail(ctx, job.ID, model.StatusExtractionComplete, CauseExtractionTimedOut,
				fmt.Sprintf("%d extraction(s) still running after %d polls", pending, msg.ReceiveCount))
		}
		return ErrExtractionPending
	}

	updated, err := p.jobs.Mutate(ctx, job.ID, advance(model.StatusExtractionComplete))
	if err != nil {
		return err
	}
	p.publish(ctx, updated)
	return p.redispatch(ctx, updated)
}

// analyze scores the extracted texts and stores the result.
func (p *Pipeline) analyze(ctx context.Context, job *model.Job, _ *StageMessage, msg queue.Message) error {
	if job.Status != model.StatusExtractionComplete {
		logger.CtxWarn(ctx, "unexpected status %s for analysis, dropping message", job.Status)
		return nil
	}

	texts := make(map[model.DocumentRole]string, len(model.Roles))
	for _, role := range model.Roles {
		externalID, ok := job.ExternalJobID(role)
		if !ok {
			return p.fail(ctx, job.ID, model.StatusAnalysisComplete, CauseExtractionFailed, "no external job for "+string(role))
		}

		fragments, err := p.extractor.Fetch(ctx, externalID)
		switch {
		case err == nil:
		case errors.Is(err, extraction.ErrExternalServiceUnavailable):
			return p.retryOrFail(ctx, job.ID, msg, model.StatusAnalysisComplete, CauseExternalServiceUnavailable, err)
		case errors.Is(err, extraction.ErrNotSucceeded),
			errors.Is(err, extraction.ErrExtractionRejected),
			errors.Is(err, extraction.ErrPaginationLoop):
			return p.fail(ctx, job.ID, model.StatusAnalysisComplete, CauseExtractionFailed, err.Error())
		default:
			return err
		}
		texts[role] = extraction.JoinText(fragments)
	}

	result, err := p.scorer.Score(ctx, texts[model.RolePrimary], texts[model.RoleReference])
	switch {
	case err == nil:
	case errors.Is(err, scoring.ErrUnavailable):
		return p.retryOrFail(ctx, job.ID, msg, model.StatusAnalysisComplete, CauseScoringFailed, err)
	case ctx.Err() != nil:
		return err
	default:
		return p.fail(ctx, job.ID, model.StatusAnalysisComplete, CauseScoringFailed, err.Error())
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}
	key := model.ResultKey(job.ID)
	if err := p.storage.Put(ctx, key, data, "application/json"); err != nil {
		return p.retryOrFail(ctx, job.ID, msg, model.StatusAnalysisComplete, CauseResultNotStored, err)
	}

	updated, err := p.jobs.Mutate(ctx, job.ID, func(j *model.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.ResultRef = key
		return j.Advance(model.StatusAnalysisComplete)
	})
	if err != nil {
		return err
	}
	logger.CtxInfo(ctx, "analysis stored at %s, fit score %d", key, result.FitScore)
	p.publish(ctx, updated)
	return nil
}

// retryOrFail 未到投递上限时返回 err 等待重投，否则将任务置为失败
func (p *Pipeline) retryOrFail(ctx context.Context, jobID string, msg queue.Message, stage model.JobStatus, cause string, err error) error {
	if msg.ReceiveCount < p.maxReceives {
		return err
	}
	return p.fail(ctx, jobID, stage, cause, err.Error())
}

// fail records the first failure of a job. Later failures are no-ops.
func (p *Pipeline) fail(ctx context.Context, jobID string, stage model.JobStatus, cause, detail string) error {
	updated, err := p.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
		if j.Status == model.StatusAnalysisComplete {
			return nil
		}
		return j.Fail(stage, cause, detail)
	})
	if err != nil {
		return fmt.Errorf("failed to record %s failure: %w", cause, err)
	}
	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldStatus: string(updated.Status),
		"cause":            cause,
	}).Warnf("job failed: %s", detail)
	p.publish(ctx, updated)
	return nil
}

func (p *Pipeline) redispatch(ctx context.Context, job *model.Job) error {
	if _, ok := NextStage(job); !ok {
		return nil
	}
	_, _, err := p.dispatcher.DispatchNext(ctx, job)
	return err
}

func (p *Pipeline) publish(ctx context.Context, job *model.Job) {
	if p.events == nil {
		return
	}
	if err := p.events.PublishJob(ctx, job); err != nil {
		logger.CtxWarn(ctx, "failed to publish job event: %v", err)
	}
}

// advance 推进到 to；任务已越过 to 或已终结时保持不变
func advance(to model.JobStatus) model.Mutation {
	return func(j *model.Job) error {
		if j.Status.IsTerminal() || to.Before(j.Status) {
			return nil
		}
		return j.Advance(to)
	}
}

func bucketOf(sm *StageMessage, job *model.Job) string {
	if sm.Bucket != "" {
		return sm.Bucket
	}
	return job.Bucket
}

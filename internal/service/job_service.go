package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/model/dto"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/pubsub"
	"github.com/qs3c/resume_pipeline/internal/pkg/storage"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/worker"
)

var (
	ErrJobNotFound = repository.ErrJobNotFound
	ErrNotUploaded = errors.New("documents have not been uploaded")
	ErrUnknownFile = errors.New("unknown document role")
	ErrTimedOut    = errors.New("timed out waiting for job result")
)

// JobFailedError 任务已失败，携带记录的失败阶段和原因
type JobFailedError struct {
	JobID  string
	Stage  model.JobStatus
	Cause  string
	Detail string
}

func (e *JobFailedError) Error() string {
	msg := fmt.Sprintf("job %s failed at %s: %s", e.JobID, e.Stage, e.Cause)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func failedError(job *model.Job) *JobFailedError {
	e := &JobFailedError{JobID: job.ID}
	if job.Failure != nil {
		e.Stage = job.Failure.Stage
		e.Cause = job.Failure.Cause
		e.Detail = job.Failure.Detail
	}
	return e
}

type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Mutate(ctx context.Context, id string, mutate model.Mutation) (*model.Job, error)
}

type StageDispatcher interface {
	Dispatch(ctx context.Context, job *model.Job, target worker.Stage) (string, error)
}

// 文件名别名，兼容旧前端的 resume/jd 字段
var roleAliases = map[string]model.DocumentRole{
	string(model.RolePrimary):   model.RolePrimary,
	string(model.RoleReference): model.RoleReference,
	"resume":                    model.RolePrimary,
	"jd":                        model.RoleReference,
}

type JobService struct {
	jobs         JobStore
	storage      storage.ObjectStorage
	dispatcher   StageDispatcher
	events       worker.EventPublisher
	uploadExpiry time.Duration
	now          func() time.Time
}

func NewJobService(
	jobs JobStore,
	store storage.ObjectStorage,
	dispatcher StageDispatcher,
	events worker.EventPublisher,
	uploadExpiry time.Duration,
) *JobService {
	if uploadExpiry <= 0 {
		uploadExpiry = 15 * time.Minute
	}
	return &JobService{
		jobs:         jobs,
		storage:      store,
		dispatcher:   dispatcher,
		events:       events,
		uploadExpiry: uploadExpiry,
		now:          time.Now,
	}
}

// CreateJob 创建任务并为每个文档签发上传凭证
func (s *JobService) CreateJob(ctx context.Context, req *dto.CreateJobRequest) (*dto.CreateJobResponse, error) {
	names := make(map[model.DocumentRole]string, len(model.Roles))
	if req != nil {
		for key, name := range req.FileNames {
			role, ok := roleAliases[strings.ToLower(key)]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownFile, key)
			}
			names[role] = name
		}
	}

	now := s.now()
	job, err := model.NewJob(now, s.storage.Bucket(), names)
	if err != nil {
		return nil, err
	}

	uploads := make(map[string]*dto.UploadHandle, len(job.Documents))
	for _, doc := range job.Documents {
		signed, err := s.storage.PresignUpload(ctx, doc.StorageKey, "application/pdf", s.uploadExpiry)
		if err != nil {
			return nil, fmt.Errorf("failed to sign upload for %s: %w", doc.Role, err)
		}
		method := signed.Method
		if method == "" {
			method = http.MethodPut
		}
		uploads[string(doc.Role)] = &dto.UploadHandle{
			Role:       string(doc.Role),
			FileName:   doc.DisplayName,
			StorageKey: doc.StorageKey,
			UploadURL:  signed.URL,
			Method:     method,
			Headers:    signed.Headers,
			ExpiresAt:  signed.ExpiresAt.UTC().Format(time.RFC3339),
		}
	}

	// 签发成功后再落库，避免留下无法上传的任务
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	logger.CtxInfo(logger.WithJob(ctx, job.ID), "job created")

	return &dto.CreateJobResponse{
		JobID:     job.ID,
		Bucket:    job.Bucket,
		Status:    string(job.Status),
		Uploads:   uploads,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// SubmitJob confirms both documents are stored, moves the job to UPLOADED and
// starts extraction. Submitting an UPLOADED job again re-sends the extraction
// message; later states are returned unchanged.
func (s *JobService) SubmitJob(ctx context.Context, jobID string) (*model.Job, error) {
	ctx = logger.WithJob(ctx, jobID)

	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case model.StatusCreated:
		var missing []string
		for _, doc := range job.Documents {
			ok, err := s.storage.Exists(ctx, doc.StorageKey)
			if err != nil {
				return nil, fmt.Errorf("failed to check %s upload: %w", doc.Role, err)
			}
			if !ok {
				missing = append(missing, string(doc.Role))
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: missing %s", ErrNotUploaded, strings.Join(missing, ", "))
		}

		job, err = s.jobs.Mutate(ctx, jobID, func(j *model.Job) error {
			if j.Status != model.StatusCreated {
				return nil
			}
			return j.Advance(model.StatusUploaded)
		})
		if err != nil {
			return nil, err
		}
		s.publish(ctx, job)
		if job.Status != model.StatusUploaded {
			return job, nil
		}
	case model.StatusUploaded:
		logger.CtxInfo(ctx, "job already uploaded, re-sending extraction message")
	default:
		return job, nil
	}

	if _, err := s.dispatcher.Dispatch(ctx, job, worker.StageExtractionStart); err != nil {
		return nil, err
	}
	logger.CtxInfo(ctx, "job submitted")
	return job, nil
}

// GetJob returns the job and, once complete, its stored analysis.
func (s *JobService) GetJob(ctx context.Context, jobID string) (*dto.JobResponse, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.ToResponse(ctx, job), nil
}

// ToResponse 将任务转换为接口响应，完成的任务附带分析结果
func (s *JobService) ToResponse(ctx context.Context, job *model.Job) *dto.JobResponse {
	resp := &dto.JobResponse{
		JobID:     job.ID,
		Status:    string(job.Status),
		Progress:  pubsub.StatusProgress[job.Status],
		Message:   pubsub.StatusMessages[job.Status],
		Documents: make([]dto.DocumentInfo, 0, len(job.Documents)),
		ResultRef: job.ResultRef,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: job.UpdatedAt.UTC().Format(time.RFC3339),
	}
	for _, doc := range job.Documents {
		resp.Documents = append(resp.Documents, dto.DocumentInfo{
			Role:       string(doc.Role),
			FileName:   doc.DisplayName,
			StorageKey: doc.StorageKey,
		})
	}
	if len(job.ExternalJobIDs) > 0 {
		resp.ExternalJobIDs = make(map[string]string, len(job.ExternalJobIDs))
		for role, id := range job.ExternalJobIDs {
			resp.ExternalJobIDs[string(role)] = id
		}
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339)
	}
	if job.Failure != nil {
		resp.Error = &dto.JobError{
			Stage:  string(job.Failure.Stage),
			Cause:  job.Failure.Cause,
			Detail: job.Failure.Detail,
		}
	}

	if job.Status == model.StatusAnalysisComplete && job.ResultRef != "" {
		analysis, err := s.loadAnalysis(ctx, job.ResultRef)
		if err != nil {
			logger.CtxWarn(logger.WithJob(ctx, job.ID), "failed to load analysis %s: %v", job.ResultRef, err)
		}
		resp.Analysis = analysis
	}
	return resp
}

func (s *JobService) loadAnalysis(ctx context.Context, key string) (*dto.Analysis, error) {
	data, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var analysis dto.Analysis
	if err := json.Unmarshal(data, &analysis); err != nil {
		return nil, fmt.Errorf("invalid analysis document: %w", err)
	}
	return &analysis, nil
}

func (s *JobService) publish(ctx context.Context, job *model.Job) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishJob(ctx, job); err != nil {
		logger.CtxWarn(ctx, "failed to publish job event: %v", err)
	}
}

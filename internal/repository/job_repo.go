package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"gorm.io/gorm"

	"github.com/qs3c/resume_pipeline/internal/model"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrConflict    = errors.New("job was modified concurrently")
	ErrJobExists   = errors.New("job already exists")
)

// 版本号以外需要写回的列
var mutableColumns = []string{
	"status", "external_job_ids", "result_ref", "failure", "completed_at", "version", "updated_at",
}

type JobRepository struct {
	db          *gorm.DB
	maxAttempts uint
}

type JobRepositoryOption func(*JobRepository)

// WithMutateAttempts bounds how many times Mutate re-reads after a conflict.
func WithMutateAttempts(n uint) JobRepositoryOption {
	return func(r *JobRepository) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

func NewJobRepository(db *gorm.DB, opts ...JobRepositoryOption) *JobRepository {
	r := &JobRepository{db: db, maxAttempts: 8}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *JobRepository) Create(ctx context.Context, job *model.Job) error {
	if job.Status != model.StatusCreated {
		return fmt.Errorf("%w: new jobs start in %s", model.ErrInvalidTransition, model.StatusCreated)
	}
	if job.Version == 0 {
		job.Version = 1
	}
	err := r.db.WithContext(ctx).Create(job).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", ErrJobExists, job.ID)
	}
	return err
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var job model.Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Update applies mutate to a copy of current and writes it back if the stored
// version still matches. current is never modified; the returned job is the
// stored state. A mutation that changes nothing is not written.
func (r *JobRepository) Update(ctx context.Context, current *model.Job, mutate model.Mutation) (*model.Job, error) {
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := model.ValidateTransition(current, next); err != nil {
		return nil, err
	}
	if model.Unchanged(current, next) {
		return current.Clone(), nil
	}

	next.Version = current.Version + 1
	next.UpdatedAt = time.Now()

	res := r.db.WithContext(ctx).
		Model(&model.Job{ID: current.ID}).
		Where("version = ?", current.Version).
		Select(mutableColumns).
		Updates(next)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, current.ID); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s at version %d", ErrConflict, current.ID, current.Version)
	}
	return next, nil
}

// Mutate reads the latest job and applies mutate, re-reading and retrying on
// version conflicts. Errors returned by mutate are not retried.
func (r *JobRepository) Mutate(ctx context.Context, id string, mutate model.Mutation) (*model.Job, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond

	return backoff.Retry(ctx, func() (*model.Job, error) {
		current, err := r.GetByID(ctx, id)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		updated, err := r.Update(ctx, current, mutate)
		if errors.Is(err, ErrConflict) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return updated, nil
	}, backoff.WithBackOff(b), backoff.WithMaxTries(r.maxAttempts))
}

// ListStale returns non-terminal jobs not updated since before, oldest first.
func (r *JobRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]*model.Job, error) {
	var jobs []*model.Job
	err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []model.JobStatus{model.StatusAnalysisComplete, model.StatusFailed}).
		Where("updated_at < ?", before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// CountByStatus 按状态统计任务数
func (r *JobRepository) CountByStatus(ctx context.Context) (map[model.JobStatus]int64, error) {
	var rows []struct {
		Status model.JobStatus
		Count  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.Job{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[model.JobStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

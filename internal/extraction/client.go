package extraction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
)

// 防止服务端分页异常导致无限循环
const maxPages = 10000

// JobStore is the part of the job repository the client needs.
type JobStore interface {
	GetByID(ctx context.Context, id string) (*model.Job, error)
	Mutate(ctx context.Context, id string, mutate model.Mutation) (*model.Job, error)
}

type RetryPolicy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func RetryPolicyFromConfig(cfg *config.ExtractionConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    uint(cfg.MaxAttempts),
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
	}
}

type Client struct {
	store    JobStore
	service  Service
	retry    RetryPolicy
	callback *NotificationChannel
}

type ClientOption func(*Client)

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		if p.MaxAttempts > 0 {
			c.retry = p
		}
	}
}

// WithNotificationChannel asks the service to announce completion there.
func WithNotificationChannel(topicARN, roleARN string) ClientOption {
	return func(c *Client) {
		if topicARN != "" {
			c.callback = &NotificationChannel{TopicARN: topicARN, RoleARN: roleARN}
		}
	}
}

func NewClient(store JobStore, service Service, opts ...ClientOption) *Client {
	c := &Client{
		store:   store,
		service: service,
		retry: RetryPolicy{
			MaxAttempts:    5,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start submits the document for role and records the external id on the job.
// Repeated calls for the same job and role return the same external id and do
// not create new external work.
func (c *Client) Start(ctx context.Context, jobID string, role model.DocumentRole, doc DocumentRef) (string, error) {
	job, err := c.store.GetByID(ctx, jobID)
	if err != nil {
		return "", err
	}
	if id, ok := job.ExternalJobID(role); ok {
		return id, nil
	}

	token := IdempotencyToken(jobID, role)
	req := SubmitRequest{
		Document:         doc,
		IdempotencyToken: token,
		JobTag:           JobTag(jobID, role),
		Callback:         c.callback,
	}

	externalID, err := withRetry(ctx, c.retry, func() (string, error) {
		return c.service.Submit(ctx, req)
	})
	var already *AlreadySubmittedError
	if errors.As(err, &already) {
		logger.CtxInfo(ctx, "extraction for %s already submitted, reusing %s", role, already.ExternalID)
		externalID, err = already.ExternalID, nil
	}
	if err != nil {
		return "", err
	}

	_, err = c.store.Mutate(ctx, jobID, func(j *model.Job) error {
		return j.SetExternalJobID(role, externalID)
	})
	if errors.Is(err, model.ErrExternalJobIDConflict) {
		// 记录是写一次的，以已存的为准
		current, getErr := c.store.GetByID(ctx, jobID)
		if getErr != nil {
			return "", getErr
		}
		stored, _ := current.ExternalJobID(role)
		logger.CtxWarn(ctx, "external id for %s already recorded as %s, discarding %s", role, stored, externalID)
		return stored, nil
	}
	if err != nil {
		return "", fmt.Errorf("record external id for %s: %w", role, err)
	}
	return externalID, nil
}

// Poll reports the state of an external job.
func (c *Client) Poll(ctx context.Context, externalID string) (StatusReport, error) {
	return withRetry(ctx, c.retry, func() (StatusReport, error) {
		return c.service.Status(ctx, externalID)
	})
}

// Fetch returns every fragment of a succeeded job, following continuation
// tokens until the last page.
func (c *Client) Fetch(ctx context.Context, externalID string) ([]Fragment, error) {
	var (
		fragments []Fragment
		token     string
		seen      = make(map[string]struct{})
	)
	for i := 0; i < maxPages; i++ {
		page, err := withRetry(ctx, c.retry, func() (Page, error) {
			return c.service.Pages(ctx, externalID, token)
		})
		if err != nil {
			return nil, err
		}
		if page.State != StateSucceeded {
			return nil, fmt.Errorf("%w: %s is %s", ErrNotSucceeded, externalID, page.State)
		}
		fragments = append(fragments, page.Fragments...)

		if page.NextToken == "" {
			return fragments, nil
		}
		if _, dup := seen[page.NextToken]; dup {
			return nil, fmt.Errorf("%w: %s", ErrPaginationLoop, externalID)
		}
		seen[page.NextToken] = struct{}{}
		token = page.NextToken
	}
	return nil, fmt.Errorf("%w: %s exceeded %d pages", ErrPaginationLoop, externalID, maxPages)
}

// withRetry retries transient errors with exponential backoff. Other errors
// are returned as is; exhausting the budget yields ErrExternalServiceUnavailable.
func withRetry[T any](ctx context.Context, p RetryPolicy, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialBackoff
	b.MaxInterval = p.MaxBackoff

	var lastTransient error
	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		if IsTransient(err) {
			lastTransient = err
			return v, err
		}
		return v, backoff.Permanent(err)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(p.MaxAttempts))
	if err == nil {
		return res, nil
	}

	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if IsTransient(err) {
		return zero, fmt.Errorf("%w: %w", ErrExternalServiceUnavailable, lastTransient)
	}
	return zero, err
}

package extraction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/testutil"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}

// scriptedService 返回预设的分页结果
type scriptedService struct {
	mu       sync.Mutex
	pages    map[string]Page
	pageErrs []error
	calls    int
}

func (s *scriptedService) Submit(context.Context, SubmitRequest) (string, error) {
	return "", errors.New("not used")
}

func (s *scriptedService) Status(context.Context, string) (StatusReport, error) {
	return StatusReport{State: StateSucceeded}, nil
}

func (s *scriptedService) Pages(_ context.Context, _ string, continuation string) (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.pageErrs) > 0 {
		err := s.pageErrs[0]
		s.pageErrs = s.pageErrs[1:]
		return Page{}, err
	}
	return s.pages[continuation], nil
}

func setupClient(t *testing.T, svc Service) (*Client, *repository.JobRepository, *model.Job) {
	t.Helper()
	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	repo := repository.NewJobRepository(db)
	job := testutil.TestJob(t, db, model.StatusUploaded)
	return NewClient(repo, svc, WithRetryPolicy(fastRetry)), repo, job
}

func docRef(job *model.Job, role model.DocumentRole) DocumentRef {
	doc, _ := job.Document(role)
	return DocumentRef{Bucket: job.Bucket, Key: doc.StorageKey}
}

func TestClient_Start_Idempotent(t *testing.T) {
	svc := NewMemoryService()
	client, repo, job := setupClient(t, svc)
	ctx := context.Background()

	first, err := client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	require.NoError(t, err)
	second, err := client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, svc.SubmitCount())

	byToken, ok := svc.IDForToken(IdempotencyToken(job.ID, model.RolePrimary))
	require.True(t, ok)
	assert.Equal(t, first, byToken)

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, first, stored.ExternalJobIDs[model.RolePrimary])
}

func TestClient_Start_ReusesEarlierSubmission(t *testing.T) {
	svc := NewMemoryService()
	client, repo, job := setupClient(t, svc)
	ctx := context.Background()

	// 上次提交成功但未来得及写回任务记录
	earlier, err := svc.Submit(ctx, SubmitRequest{
		Document:         docRef(job, model.RoleReference),
		IdempotencyToken: IdempotencyToken(job.ID, model.RoleReference),
	})
	require.NoError(t, err)

	id, err := client.Start(ctx, job.ID, model.RoleReference, docRef(job, model.RoleReference))
	require.NoError(t, err)
	assert.Equal(t, earlier, id)
	assert.Equal(t, 1, svc.SubmitCount())

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, earlier, stored.ExternalJobIDs[model.RoleReference])
}

func TestClient_Start_ConcurrentCallersAgree(t *testing.T) {
	svc := NewMemoryService()
	client, _, job := setupClient(t, svc)
	ctx := context.Background()

	ids := make([]string, 4)
	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	assert.Equal(t, 1, svc.SubmitCount())
}

func TestClient_Start_TransientThenSuccess(t *testing.T) {
	svc := NewMemoryService()
	failures := 2
	svc.SubmitErr = func(SubmitRequest) error {
		if failures > 0 {
			failures--
			return Transient(errors.New("throttled"))
		}
		return nil
	}
	client, _, job := setupClient(t, svc)

	id, err := client.Start(context.Background(), job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
}

func TestClient_Start_RetriesExhausted(t *testing.T) {
	svc := NewMemoryService()
	calls := 0
	svc.SubmitErr = func(SubmitRequest) error {
		calls++
		return Transient(errors.New("throttled"))
	}
	client, repo, job := setupClient(t, svc)
	ctx := context.Background()

	_, err := client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	assert.ErrorIs(t, err, ErrExternalServiceUnavailable)
	assert.Equal(t, int(fastRetry.MaxAttempts), calls)

	stored, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.ExternalJobIDs)
}

func TestClient_Start_RejectedNotRetried(t *testing.T) {
	svc := NewMemoryService()
	calls := 0
	svc.SubmitErr = func(SubmitRequest) error {
		calls++
		return fmt.Errorf("%w: unsupported document format", ErrExtractionRejected)
	}
	client, _, job := setupClient(t, svc)

	_, err := client.Start(context.Background(), job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	assert.ErrorIs(t, err, ErrExtractionRejected)
	assert.NotErrorIs(t, err, ErrExternalServiceUnavailable)
	assert.Equal(t, 1, calls)
}

func TestClient_Start_UnknownJob(t *testing.T) {
	svc := NewMemoryService()
	client, _, _ := setupClient(t, svc)

	_, err := client.Start(context.Background(), "proc0_missing", model.RolePrimary, DocumentRef{})
	assert.ErrorIs(t, err, repository.ErrJobNotFound)
	assert.Zero(t, svc.SubmitCount())
}

func TestClient_Start_CanceledContext(t *testing.T) {
	svc := NewMemoryService()
	svc.SubmitErr = func(SubmitRequest) error { return Transient(errors.New("throttled")) }
	client, _, job := setupClient(t, svc)
	client.retry = RetryPolicy{MaxAttempts: 100, InitialBackoff: 50 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_Poll(t *testing.T) {
	svc := NewMemoryService()
	client, _, job := setupClient(t, svc)
	ctx := context.Background()

	id, err := client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	require.NoError(t, err)

	report, err := client.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateInProgress, report.State)

	svc.Complete(id, StateFailed, "unreadable document")
	report, err = client.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, report.State)
	assert.Equal(t, "unreadable document", report.Message)
}

func TestClient_Fetch_FollowsContinuation(t *testing.T) {
	svc := NewMemoryService()
	svc.SetPageSize(2)
	svc.AutoComplete = true
	svc.Loader = func(context.Context, DocumentRef) ([]string, error) {
		return []string{"Jane Doe", "Go engineer", "Kubernetes", "Redis", "SQL"}, nil
	}
	client, _, job := setupClient(t, svc)
	ctx := context.Background()

	id, err := client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	require.NoError(t, err)

	fragments, err := client.Fetch(ctx, id)
	require.NoError(t, err)
	require.Len(t, fragments, 5)
	assert.Equal(t, "Jane Doe\nGo engineer\nKubernetes\nRedis\nSQL", JoinText(fragments))
}

func TestClient_Fetch_NotSucceeded(t *testing.T) {
	svc := NewMemoryService()
	client, _, job := setupClient(t, svc)
	ctx := context.Background()

	id, err := client.Start(ctx, job.ID, model.RolePrimary, docRef(job, model.RolePrimary))
	require.NoError(t, err)

	_, err = client.Fetch(ctx, id)
	assert.ErrorIs(t, err, ErrNotSucceeded)
}

func TestClient_Fetch_PaginationLoop(t *testing.T) {
	svc := &scriptedService{pages: map[string]Page{
		"":   {State: StateSucceeded, Fragments: []Fragment{{Type: FragmentLine, Text: "a"}}, NextToken: "t1"},
		"t1": {State: StateSucceeded, Fragments: []Fragment{{Type: FragmentLine, Text: "b"}}, NextToken: "t2"},
		"t2": {State: StateSucceeded, NextToken: "t1"},
	}}
	client, _, _ := setupClient(t, svc)

	_, err := client.Fetch(context.Background(), "tx-1")
	assert.ErrorIs(t, err, ErrPaginationLoop)
}

func TestClient_Fetch_RetriesTransientPage(t *testing.T) {
	svc := &scriptedService{
		pages: map[string]Page{
			"": {State: StateSucceeded, Fragments: []Fragment{{Type: FragmentLine, Text: "only"}}},
		},
		pageErrs: []error{Transient(errors.New("throttled"))},
	}
	client, _, _ := setupClient(t, svc)

	fragments, err := client.Fetch(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, "only", JoinText(fragments))
	assert.Equal(t, 2, svc.calls)
}

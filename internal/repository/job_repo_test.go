package repository

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/testutil"
)

func TestJobRepository_Create(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewJobRepository(db)
	job, err := model.NewJob(time.Now(), testutil.TestBucket, nil)
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), job))

	found, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, found.Status)
	assert.Equal(t, int64(1), found.Version)
	assert.Equal(t, job.Documents, found.Documents)
}

func TestJobRepository_Create_Duplicate(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewJobRepository(db)
	job := testutil.TestJob(t, db, model.StatusCreated)

	err := repo.Create(context.Background(), job.Clone())
	assert.ErrorIs(t, err, ErrJobExists)
}

func TestJobRepository_Create_RejectsNonInitial(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewJobRepository(db)
	job, err := model.NewJob(time.Now(), testutil.TestBucket, nil)
	require.NoError(t, err)
	job.Status = model.StatusUploaded

	err = repo.Create(context.Background(), job)
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
}

func TestJobRepository_GetByID_NotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewJobRepository(db)

	_, err := repo.GetByID(context.Background(), "proc0_missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_Update(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusUploaded)

	updated, err := repo.Update(ctx, created, func(j *model.Job) error {
		if err := j.SetExternalJobID(model.RolePrimary, "tx-1"); err != nil {
			return err
		}
		return j.Advance(model.StatusExtractionStarted)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, model.StatusUploaded, created.Status, "caller's copy must stay untouched")

	found, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExtractionStarted, found.Status)
	assert.Equal(t, "tx-1", found.ExternalJobIDs[model.RolePrimary])
	assert.Equal(t, int64(2), found.Version)
}

func TestJobRepository_Update_StaleVersion(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusUploaded)

	_, err := repo.Update(ctx, created, func(j *model.Job) error {
		return j.Advance(model.StatusExtractionStarted)
	})
	require.NoError(t, err)

	_, err = repo.Update(ctx, created, func(j *model.Job) error {
		return j.Fail(model.StatusUploaded, "Late", "")
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestJobRepository_Update_InvalidTransition(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusCreated)

	_, err := repo.Update(ctx, created, func(j *model.Job) error {
		j.Status = model.StatusExtractionComplete
		return nil
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	found, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, found.Status)
	assert.Equal(t, int64(1), found.Version)
}

func TestJobRepository_Update_NoopKeepsVersion(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusExtractionStarted,
		testutil.WithExternalJobIDs(map[model.DocumentRole]string{model.RolePrimary: "tx-1"}))

	current, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)

	same, err := repo.Update(ctx, current, func(j *model.Job) error {
		return j.SetExternalJobID(model.RolePrimary, "tx-1")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), same.Version)
}

func TestJobRepository_Update_Deleted(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusUploaded)
	require.NoError(t, db.Delete(&model.Job{}, "id = ?", created.ID).Error)

	_, err := repo.Update(ctx, created, func(j *model.Job) error {
		return j.Advance(model.StatusExtractionStarted)
	})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJobRepository_Mutate_ExternalIDWriteOnce(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusExtractionStarted)

	_, err := repo.Mutate(ctx, created.ID, func(j *model.Job) error {
		return j.SetExternalJobID(model.RoleReference, "tx-ref")
	})
	require.NoError(t, err)

	_, err = repo.Mutate(ctx, created.ID, func(j *model.Job) error {
		return j.SetExternalJobID(model.RoleReference, "tx-other")
	})
	assert.ErrorIs(t, err, model.ErrExternalJobIDConflict)

	found, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "tx-ref", found.ExternalJobIDs[model.RoleReference])
}

func TestJobRepository_Mutate_ConcurrentWriters(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db, WithMutateAttempts(20))
	created := testutil.TestJob(t, db, model.StatusExtractionStarted)

	var wg sync.WaitGroup
	errs := make([]error, len(model.Roles))
	for i, role := range model.Roles {
		wg.Add(1)
		go func(i int, role model.DocumentRole) {
			defer wg.Done()
			_, errs[i] = repo.Mutate(ctx, created.ID, func(j *model.Job) error {
				return j.SetExternalJobID(role, "tx-"+string(role))
			})
		}(i, role)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	found, err := repo.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.True(t, found.HasAllExternalJobIDs())
	assert.Equal(t, int64(3), found.Version)
}

func TestJobRepository_Mutate_FirstFailureWins(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusExtractionStarted)

	_, err := repo.Mutate(ctx, created.ID, func(j *model.Job) error {
		return j.Fail(model.StatusExtractionStarted, "ExtractionFailed", "primary")
	})
	require.NoError(t, err)

	again, err := repo.Mutate(ctx, created.ID, func(j *model.Job) error {
		return j.Fail(model.StatusExtractionComplete, "ScoringFailed", "")
	})
	require.NoError(t, err)
	assert.Equal(t, "ExtractionFailed", again.Failure.Cause)
	assert.Equal(t, int64(2), again.Version)
}

func TestJobRepository_Mutate_PropagatesMutationError(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewJobRepository(db)
	created := testutil.TestJob(t, db, model.StatusUploaded)
	sentinel := errors.New("boom")

	calls := 0
	_, err := repo.Mutate(context.Background(), created.ID, func(j *model.Job) error {
		calls++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestJobRepository_ListStale(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)
	old := time.Now().Add(-time.Hour)

	stale := testutil.TestJob(t, db, model.StatusExtractionStarted)
	testutil.Backdate(t, db, stale.ID, old)
	done := testutil.TestJob(t, db, model.StatusAnalysisComplete)
	testutil.Backdate(t, db, done.ID, old)
	failed := testutil.TestJob(t, db, model.StatusFailed)
	testutil.Backdate(t, db, failed.ID, old)
	testutil.TestJob(t, db, model.StatusUploaded)

	jobs, err := repo.ListStale(ctx, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, stale.ID, jobs[0].ID)
}

func TestJobRepository_CountByStatus(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewJobRepository(db)
	testutil.TestJob(t, db, model.StatusCreated)
	testutil.TestJob(t, db, model.StatusCreated)
	testutil.TestJob(t, db, model.StatusFailed)

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[model.StatusCreated])
	assert.Equal(t, int64(1), counts[model.StatusFailed])
}

func TestJobRepository_Update_TerminalRecordIsFrozen(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	ctx := context.Background()
	repo := NewJobRepository(db)

	failed := testutil.TestJob(t, db, model.StatusFailed)
	_, err := repo.Update(ctx, failed, func(j *model.Job) error {
		j.Failure = &model.Failure{Stage: model.StatusAnalysisComplete, Cause: "Other", Detail: "second"}
		return nil
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	found, err := repo.GetByID(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, "TestFailure", found.Failure.Cause)
	assert.Equal(t, int64(1), found.Version)

	complete := testutil.TestJob(t, db, model.StatusAnalysisComplete, func(j *model.Job) {
		j.ResultRef = "output/" + j.ID + "/analysis.json"
	})
	_, err = repo.Update(ctx, complete, func(j *model.Job) error {
		j.ResultRef = "output/other.json"
		return nil
	})
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	found, err = repo.GetByID(ctx, complete.ID)
	require.NoError(t, err)
	assert.Equal(t, complete.ResultRef, found.ResultRef)
	assert.Equal(t, int64(1), found.Version)
}

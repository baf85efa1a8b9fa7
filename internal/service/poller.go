package service

import (
	"context"
	"fmt"
	"time"

	"github.com/qs3c/resume_pipeline/internal/model"
)

// AwaitResult polls the job until it completes, fails or maxWait elapses.
//
// A completed job is returned as is. A failed job returns *JobFailedError at
// once. On timeout the last observed job is returned together with an error
// wrapping ErrTimedOut; the job keeps progressing and the caller may wait again.
func (s *JobService) AwaitResult(ctx context.Context, jobID string, maxWait, interval time.Duration) (*model.Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	deadline := s.now().Add(maxWait)

	for {
		job, err := s.jobs.GetByID(ctx, jobID)
		if err != nil {
			return nil, err
		}

		switch job.Status {
		case model.StatusAnalysisComplete:
			return job, nil
		case model.StatusFailed:
			return job, failedError(job)
		}

		remaining := deadline.Sub(s.now())
		if remaining <= 0 {
			return job, fmt.Errorf("%w: job %s still %s after %s", ErrTimedOut, jobID, job.Status, maxWait)
		}

		wait := interval
		if remaining < wait {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return job, ctx.Err()
		case <-timer.C:
		}
	}
}

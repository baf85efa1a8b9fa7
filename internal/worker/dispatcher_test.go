package worker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/testutil"
)

func TestNextStage(t *testing.T) {
	tests := []struct {
		status model.JobStatus
		want   Stage
		ok     bool
	}{
		{model.StatusCreated, "", false},
		{model.StatusUploaded, StageExtractionStart, true},
		{model.StatusExtractionStarted, StageExtractionPoll, true},
		{model.StatusExtractionComplete, StageAnalysis, true},
		{model.StatusAnalysisComplete, "", false},
		{model.StatusFailed, "", false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got, ok := NextStage(&model.Job{Status: tt.status})
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDispatcher_Dispatch(t *testing.T) {
	h := newHarness(t)
	job := testutil.TestJob(t, h.db, model.StatusUploaded)

	id, err := h.dispatcher.Dispatch(context.Background(), job, StageExtractionStart)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msg := h.take(t, StageExtractionStart)
	assert.Equal(t, id, msg.ID)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Body, &payload))
	assert.Equal(t, map[string]interface{}{
		"v":      float64(MessageVersion),
		"job_id": job.ID,
		"stage":  string(StageExtractionStart),
		"bucket": testutil.TestBucket,
	}, payload)
}

func TestDispatcher_StageMismatch(t *testing.T) {
	h := newHarness(t)
	job := testutil.TestJob(t, h.db, model.StatusCreated)

	_, err := h.dispatcher.Dispatch(context.Background(), job, StageExtractionStart)
	assert.ErrorIs(t, err, ErrStageMismatch)
	assert.Zero(t, h.queued(t, StageExtractionStart))

	_, _, err = h.dispatcher.DispatchNext(context.Background(), job)
	assert.ErrorIs(t, err, ErrNoNextStage)
}

func TestDispatcher_EnqueueFailureLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t)
	job := testutil.TestJob(t, h.db, model.StatusUploaded)
	d := NewDispatcher(failingTransport{}, testQueues)

	_, err := d.Dispatch(context.Background(), job, StageExtractionStart)
	assert.ErrorIs(t, err, errQueueDown)

	stored := h.job(t, job.ID)
	assert.Equal(t, model.StatusUploaded, stored.Status)
	assert.Equal(t, job.Version, stored.Version)
}

func TestDispatcher_MissingQueue(t *testing.T) {
	d := NewDispatcher(failingTransport{}, Queues{})
	_, err := d.Dispatch(context.Background(), &model.Job{ID: "proc1_x", Status: model.StatusUploaded}, StageExtractionStart)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, errQueueDown)
}

func TestDecodeStageMessage(t *testing.T) {
	tests := []struct {
		name string
		body string
		ok   bool
	}{
		{"valid", `{"v":1,"job_id":"proc1_a","stage":"analysis","bucket":"b"}`, true},
		{"not json", `job`, false},
		{"future version", `{"v":2,"job_id":"proc1_a","stage":"analysis"}`, false},
		{"missing job", `{"v":1,"stage":"analysis"}`, false},
		{"unknown stage", `{"v":1,"job_id":"proc1_a","stage":"publish"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := DecodeStageMessage([]byte(tt.body))
			if tt.ok {
				require.NoError(t, err)
				assert.Equal(t, StageAnalysis, msg.Stage)
				return
			}
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

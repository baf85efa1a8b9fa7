package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/resume_pipeline/internal/extraction"
	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/pkg/queue"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/scoring"
	"github.com/qs3c/resume_pipeline/internal/testutil"
)

var testQueues = Queues{
	StageExtractionStart: "test:extraction_start",
	StageExtractionPoll:  "test:extraction_poll",
	StageAnalysis:        "test:analysis",
}

const testMaxReceives = 3

type recordedEvents struct {
	mu       sync.Mutex
	statuses []model.JobStatus
}

func (r *recordedEvents) PublishJob(_ context.Context, job *model.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, job.Status)
	return nil
}

func (r *recordedEvents) Statuses() []model.JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.JobStatus(nil), r.statuses...)
}

type harness struct {
	db         *gorm.DB
	repo       *repository.JobRepository
	transport  *queue.RedisTransport
	dispatcher *Dispatcher
	extractor  *extraction.MemoryService
	storage    *testutil.MemoryStorage
	events     *recordedEvents
	pipeline   *Pipeline

	mu         sync.Mutex
	scoreCalls int
	scoreErr   error
	scored     [2]string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	h := &harness{
		db:        db,
		repo:      repository.NewJobRepository(db),
		transport: queue.NewRedisTransport(client),
		extractor: extraction.NewMemoryService(),
		storage:   testutil.NewMemoryStorage(testutil.TestBucket),
		events:    &recordedEvents{},
	}
	h.extractor.Loader = func(_ context.Context, doc extraction.DocumentRef) ([]string, error) {
		if strings.HasSuffix(doc.Key, "resume.pdf") {
			return []string{"Jane Doe", "Go, Redis, MySQL"}, nil
		}
		return []string{"Backend Engineer", "Go, Kubernetes"}, nil
	}
	h.dispatcher = NewDispatcher(h.transport, testQueues)

	extractClient := extraction.NewClient(h.repo, h.extractor, extraction.WithRetryPolicy(extraction.RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}))
	scorer := scoring.ScorerFunc(func(_ context.Context, primary, reference string) (*scoring.Result, error) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.scoreCalls++
		h.scored = [2]string{primary, reference}
		if h.scoreErr != nil {
			return nil, h.scoreErr
		}
		return &scoring.Result{FitScore: 65, MissingSkills: []string{"Kubernetes"}, Suggestions: []string{"Mention Kubernetes"}}, nil
	})
	h.pipeline = NewPipeline(h.repo, extractClient, scorer, h.storage, h.dispatcher, h.events, testMaxReceives)
	return h
}

func (h *harness) ScoreCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.scoreCalls
}

func (h *harness) job(t *testing.T, id string) *model.Job {
	t.Helper()
	job, err := h.repo.GetByID(context.Background(), id)
	require.NoError(t, err)
	return job
}

// take 取出阶段队列中的一条消息
func (h *harness) take(t *testing.T, stage Stage) queue.Message {
	t.Helper()
	msgs, err := h.transport.DequeueBatch(context.Background(), testQueues[stage], 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, msgs, 1, "expected a message on %s", stage)
	return msgs[0]
}

func (h *harness) queued(t *testing.T, stage Stage) int64 {
	t.Helper()
	n, err := h.transport.Length(context.Background(), testQueues[stage])
	require.NoError(t, err)
	return n
}

func stageMessage(t *testing.T, jobID string, stage Stage, receives int) queue.Message {
	t.Helper()
	body, err := (&StageMessage{V: MessageVersion, JobID: jobID, Stage: stage, Bucket: testutil.TestBucket}).Encode()
	require.NoError(t, err)
	return queue.Message{ID: "msg-" + string(stage), Queue: testQueues[stage], Body: body, ReceiveCount: receives}
}

// failingTransport 入队总是失败
type failingTransport struct{}

var errQueueDown = errors.New("queue unavailable")

func (failingTransport) Enqueue(context.Context, string, []byte) (string, error) {
	return "", errQueueDown
}

func (failingTransport) DequeueBatch(context.Context, string, int, time.Duration) ([]queue.Message, error) {
	return nil, errQueueDown
}

func (failingTransport) Ack(context.Context, queue.Message) error { return errQueueDown }

func (failingTransport) Nack(context.Context, queue.Message, time.Duration) error { return errQueueDown }

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/model"
	"github.com/qs3c/resume_pipeline/internal/pkg/response"
	"github.com/qs3c/resume_pipeline/internal/repository"
	"github.com/qs3c/resume_pipeline/internal/service"
	"github.com/qs3c/resume_pipeline/internal/testutil"
	"github.com/qs3c/resume_pipeline/internal/worker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type recordingDispatcher struct {
	mu     sync.Mutex
	stages []worker.Stage
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ *model.Job, target worker.Stage) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages = append(d.stages, target)
	return "msg", nil
}

func (d *recordingDispatcher) Stages() []worker.Stage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]worker.Stage(nil), d.stages...)
}

// testContext 本地测试上下文
type testContext struct {
	DB         *gorm.DB
	Repo       *repository.JobRepository
	Storage    *testutil.MemoryStorage
	Dispatcher *recordingDispatcher
	Service    *service.JobService
}

func setupJobHandler(t *testing.T) (*JobHandler, *testContext) {
	t.Helper()

	db := testutil.SetupTestDB(t)
	t.Cleanup(func() { testutil.CleanupTestDB(t, db) })

	tc := &testContext{
		DB:         db,
		Repo:       repository.NewJobRepository(db),
		Storage:    testutil.NewMemoryStorage(testutil.TestBucket),
		Dispatcher: &recordingDispatcher{},
	}
	tc.Service = service.NewJobService(tc.Repo, tc.Storage, tc.Dispatcher, nil, time.Minute)

	h := NewJobHandler(tc.Service, config.PollerConfig{
		MaxWait:      200 * time.Millisecond,
		PollInterval: 10 * time.Millisecond,
	})
	return h, tc
}

func jobRouter(h *JobHandler) *gin.Engine {
	router := gin.New()
	router.POST("/api/v1/jobs", h.Create)
	router.GET("/api/v1/jobs/:id", h.Get)
	router.POST("/api/v1/jobs/:id/submit", h.Submit)
	return router
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w, resp
}

// decodeData 把响应 data 字段解到 out
func decodeData(t *testing.T, resp response.Response, out interface{}) {
	t.Helper()
	data, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, out))
}

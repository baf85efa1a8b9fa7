package testutil

import (
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/qs3c/resume_pipeline/internal/model"
)

const TestBucket = "test-bucket"

// TestJob 创建测试任务，状态及其余字段可通过 opts 调整
func TestJob(t *testing.T, db *gorm.DB, status model.JobStatus, opts ...func(*model.Job)) *model.Job {
	t.Helper()

	job, err := model.NewJob(time.Now(), TestBucket, map[model.DocumentRole]string{
		model.RolePrimary:   "resume.pdf",
		model.RoleReference: "jd.pdf",
	})
	if err != nil {
		t.Fatalf("Failed to build test job: %v", err)
	}
	job.Status = status
	if status == model.StatusFailed {
		job.Failure = &model.Failure{Stage: model.StatusUploaded, Cause: "TestFailure"}
	}

	for _, opt := range opts {
		opt(job)
	}

	// 直接写库，绕过 CREATED 校验
	if err := db.Create(job).Error; err != nil {
		t.Fatalf("Failed to create test job: %v", err)
	}

	return job
}

// WithExternalJobIDs 预置外部抽取任务 ID
func WithExternalJobIDs(ids map[model.DocumentRole]string) func(*model.Job) {
	return func(j *model.Job) {
		for role, id := range ids {
			j.ExternalJobIDs[role] = id
		}
	}
}

func WithUpdatedAt(ts time.Time) func(*model.Job) {
	return func(j *model.Job) {
		j.CreatedAt = ts
		j.UpdatedAt = ts
	}
}

// Backdate 修改任务的 updated_at，模拟长时间未推进的任务
func Backdate(t *testing.T, db *gorm.DB, jobID string, ts time.Time) {
	t.Helper()

	err := db.Model(&model.Job{}).Where("id = ?", jobID).UpdateColumn("updated_at", ts).Error
	if err != nil {
		t.Fatalf("Failed to backdate job: %v", err)
	}
}

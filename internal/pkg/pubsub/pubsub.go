package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/qs3c/resume_pipeline/internal/model"
)

const (
	ChannelJobEvents = "job_events"
	EventJobProgress = "job_progress"
)

// JobEvent 任务状态变更事件
type JobEvent struct {
	Type      string          `json:"type"`
	JobID     string          `json:"job_id"`
	Status    model.JobStatus `json:"status"`
	Progress  int             `json:"progress"`
	Message   string          `json:"message,omitempty"`
	Error     string          `json:"error,omitempty"`
	ResultRef string          `json:"result_ref,omitempty"`
}

// 状态对应的进度百分比
var StatusProgress = map[model.JobStatus]int{
	model.StatusCreated:            0,
	model.StatusUploaded:           20,
	model.StatusExtractionStarted:  40,
	model.StatusExtractionComplete: 70,
	model.StatusAnalysisComplete:   100,
}

var StatusMessages = map[model.JobStatus]string{
	model.StatusCreated:            "waiting for uploads",
	model.StatusUploaded:           "documents uploaded",
	model.StatusExtractionStarted:  "extracting text",
	model.StatusExtractionComplete: "scoring resume",
	model.StatusAnalysisComplete:   "analysis complete",
	model.StatusFailed:             "analysis failed",
}

// EventFromJob 由任务当前状态生成事件
func EventFromJob(job *model.Job) *JobEvent {
	ev := &JobEvent{
		Type:      EventJobProgress,
		JobID:     job.ID,
		Status:    job.Status,
		Progress:  StatusProgress[job.Status],
		Message:   StatusMessages[job.Status],
		ResultRef: job.ResultRef,
	}
	if job.Failure != nil {
		ev.Error = job.Failure.String()
		if job.Failure.Stage != "" {
			ev.Progress = StatusProgress[job.Failure.Stage]
		}
	}
	return ev
}

type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Publish(ctx context.Context, ev *JobEvent) error {
	if ev.Type == "" {
		ev.Type = EventJobProgress
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal job event: %w", err)
	}
	return p.client.Publish(ctx, ChannelJobEvents, data).Err()
}

// PublishJob 发布任务当前状态
func (p *Publisher) PublishJob(ctx context.Context, job *model.Job) error {
	return p.Publish(ctx, EventFromJob(job))
}

type Subscriber struct {
	client *redis.Client
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// Subscribe 阻塞消费事件直到 ctx 取消。ready 在订阅确认后关闭，可为 nil。
func (s *Subscriber) Subscribe(ctx context.Context, ready chan<- struct{}, handler func(*JobEvent)) error {
	sub := s.client.Subscribe(ctx, ChannelJobEvents)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", ChannelJobEvents, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}

			var ev JobEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue // 忽略解析错误
			}
			handler(&ev)
		}
	}
}

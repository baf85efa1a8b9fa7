package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/go-redis/redis/v8"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/pkg/awsutil"
)

var ErrUnknownReceipt = errors.New("message receipt is not in flight")

// Message 是一次投递。同一条消息可能被多次投递，ReceiveCount 从 1 开始计数。
type Message struct {
	ID           string
	Queue        string
	Body         []byte
	ReceiveCount int
	Receipt      string
}

// Transport 是至少一次语义的消息队列。
// 已取出但未 Ack 的消息在可见性超时后会重新投递。
type Transport interface {
	Enqueue(ctx context.Context, queue string, body []byte) (string, error)
	DequeueBatch(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	// Nack 让消息在 delay 后重新可见
	Nack(ctx context.Context, msg Message, delay time.Duration) error
}

// DeadLetterName 返回队列对应的死信队列名
func DeadLetterName(queue string) string {
	return queue + "-dlq"
}

// New 按 queue.transport 创建队列。redis 传输复用传入的客户端
func New(ctx context.Context, cfg *config.Config, rdb *redis.Client) (Transport, error) {
	switch cfg.Queue.Transport {
	case "redis":
		if rdb == nil {
			return nil, errors.New("redis transport requires a redis client")
		}
		return NewRedisTransport(rdb), nil
	case "sqs":
		awsCfg, err := awsutil.LoadConfig(ctx, &cfg.AWS)
		if err != nil {
			return nil, err
		}
		endpoint := awsutil.BaseEndpoint(&cfg.AWS)
		client := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != nil {
				o.BaseEndpoint = endpoint
			}
		})
		return NewSQSTransport(client, cfg.AWS.SQSWaitTimeSecond), nil
	default:
		return nil, fmt.Errorf("unsupported queue transport %q", cfg.Queue.Transport)
	}
}

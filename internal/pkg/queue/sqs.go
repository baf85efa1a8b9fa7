package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS 单次最多取 10 条
const sqsMaxBatch = 10

type sqsAPI interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSTransport 使用 AWS SQS 作为队列，队列名在首次使用时解析为 URL 并缓存
type SQSTransport struct {
	client   sqsAPI
	waitTime int32

	mu   sync.RWMutex
	urls map[string]string
}

func NewSQSTransport(client sqsAPI, waitTimeSeconds int32) *SQSTransport {
	return &SQSTransport{
		client:   client,
		waitTime: waitTimeSeconds,
		urls:     make(map[string]string),
	}
}

func (t *SQSTransport) queueURL(ctx context.Context, queue string) (string, error) {
	t.mu.RLock()
	url, ok := t.urls[queue]
	t.mu.RUnlock()
	if ok {
		return url, nil
	}

	out, err := t.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(queue)})
	if err != nil {
		return "", fmt.Errorf("failed to resolve queue %s: %w", queue, err)
	}
	url = aws.ToString(out.QueueUrl)

	t.mu.Lock()
	t.urls[queue] = url
	t.mu.Unlock()
	return url, nil
}

func (t *SQSTransport) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return "", err
	}
	out, err := t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(url),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue to %s: %w", queue, err)
	}
	return aws.ToString(out.MessageId), nil
}

func (t *SQSTransport) DequeueBatch(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if max > sqsMaxBatch {
		max = sqsMaxBatch
	}
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return nil, err
	}

	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(url),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   int32(visibility / time.Second),
		WaitTimeSeconds:     t.waitTime,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to receive from %s: %w", queue, err)
	}

	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		if count == 0 {
			count = 1
		}
		msgs = append(msgs, Message{
			ID:           aws.ToString(m.MessageId),
			Queue:        queue,
			Body:         []byte(aws.ToString(m.Body)),
			ReceiveCount: count,
			Receipt:      aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

func (t *SQSTransport) Ack(ctx context.Context, msg Message) error {
	url, err := t.queueURL(ctx, msg.Queue)
	if err != nil {
		return err
	}
	_, err = t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(url),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
	}
	return nil
}

func (t *SQSTransport) Nack(ctx context.Context, msg Message, delay time.Duration) error {
	url, err := t.queueURL(ctx, msg.Queue)
	if err != nil {
		return err
	}
	_, err = t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(url),
		ReceiptHandle:     aws.String(msg.Receipt),
		VisibilityTimeout: int32(delay / time.Second),
	})
	if err != nil {
		return fmt.Errorf("failed to nack %s: %w", msg.ID, err)
	}
	return nil
}

// Length 返回近似可见消息数
func (t *SQSTransport) Length(ctx context.Context, queue string) (int64, error) {
	url, err := t.queueURL(ctx, queue)
	if err != nil {
		return 0, err
	}
	out, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(url),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(out.Attributes[string(types.QueueAttributeNameApproximateNumberOfMessages)], 10, 64)
}

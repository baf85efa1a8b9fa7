package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/qs3c/resume_pipeline/config"
	"github.com/qs3c/resume_pipeline/internal/pkg/logger"
	"github.com/qs3c/resume_pipeline/internal/pkg/queue"
)

// Handler processes a single message. A nil error means the message is done.
type Handler func(ctx context.Context, msg queue.Message) error

// ConsumerOptions 批量消费参数，零值字段使用默认值
type ConsumerOptions struct {
	BatchSize         int
	Concurrency       int
	VisibilityTimeout time.Duration
	RetryDelay        time.Duration
	PollInterval      time.Duration
	MaxReceives       int
}

func ConsumerOptionsFromConfig(cfg *config.QueueConfig) ConsumerOptions {
	return ConsumerOptions{
		BatchSize:         cfg.BatchSize,
		Concurrency:       cfg.BatchConcurrency,
		VisibilityTimeout: cfg.VisibilityTimeout,
		RetryDelay:        cfg.RetryDelay,
		PollInterval:      cfg.PollInterval,
		MaxReceives:       cfg.MaxReceives,
	}
}

func (o *ConsumerOptions) setDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = o.BatchSize
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = time.Minute
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxReceives <= 0 {
		o.MaxReceives = 60
	}
}

// Consumer drains one queue in batches. Every message is handled on its own:
// successes are acked, failures are nacked for redelivery, and messages that
// keep failing are moved to the dead-letter queue.
type Consumer struct {
	transport queue.Transport
	queue     string
	handler   Handler
	opts      ConsumerOptions
}

func NewConsumer(transport queue.Transport, queueName string, handler Handler, opts ConsumerOptions) *Consumer {
	opts.setDefaults()
	return &Consumer{transport: transport, queue: queueName, handler: handler, opts: opts}
}

// BatchResult is the outcome of one batch, keyed by message id.
type BatchResult struct {
	Failed map[string]error
}

func (r *BatchResult) FailedIDs() []string {
	ids := make([]string, 0, len(r.Failed))
	for id := range r.Failed {
		ids = append(ids, id)
	}
	return ids
}

// ProcessBatch runs the handler over msgs and returns the ids that failed.
// A failing or panicking message never affects the others.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []queue.Message) []string {
	return c.processBatch(ctx, msgs).FailedIDs()
}

func (c *Consumer) processBatch(ctx context.Context, msgs []queue.Message) *BatchResult {
	result := &BatchResult{Failed: make(map[string]error)}
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(c.opts.Concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			if err := c.handle(ctx, msg); err != nil {
				mu.Lock()
				result.Failed[msg.ID] = err
				mu.Unlock()
			}
			// 失败只记录，不中断同批其他消息
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (c *Consumer) handle(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	ctx = logger.WithFields(ctx, logger.Fields{
		logger.FieldMessageID: msg.ID,
		logger.FieldQueue:     c.queue,
	})
	return c.handler(ctx, msg)
}

// RunOnce dequeues and settles one batch. It returns how many messages were
// received.
func (c *Consumer) RunOnce(ctx context.Context) (int, error) {
	msgs, err := c.transport.DequeueBatch(ctx, c.queue, c.opts.BatchSize, c.opts.VisibilityTimeout)
	if err != nil {
		return 0, fmt.Errorf("failed to dequeue from %s: %w", c.queue, err)
	}
	if len(msgs) == 0 {
		return 0, nil
	}

	start := time.Now()
	result := c.processBatch(ctx, msgs)

	var errs []error
	for _, msg := range msgs {
		failure, failed := result.Failed[msg.ID]
		if !failed {
			if err := c.transport.Ack(ctx, msg); err != nil && !errors.Is(err, queue.ErrUnknownReceipt) {
				errs = append(errs, err)
			}
			continue
		}
		if err := c.settleFailure(ctx, msg, failure); err != nil {
			errs = append(errs, err)
		}
	}

	logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldQueue:      c.queue,
		logger.FieldCount:      len(msgs),
		"failed":               len(result.Failed),
		logger.FieldDurationMs: time.Since(start).Milliseconds(),
	}).Debug("batch processed")

	return len(msgs), errors.Join(errs...)
}

func (c *Consumer) settleFailure(ctx context.Context, msg queue.Message, failure error) error {
	log := logger.FromContext(ctx).WithFields(logger.Fields{
		logger.FieldMessageID: msg.ID,
		logger.FieldQueue:     c.queue,
		"receive_count":       msg.ReceiveCount,
	}).WithError(failure)

	if errors.Is(failure, ErrMalformedMessage) || msg.ReceiveCount >= c.opts.MaxReceives {
		log.Error("moving message to dead-letter queue")
		return c.deadLetter(ctx, msg)
	}

	if errors.Is(failure, ErrExtractionPending) {
		log.Debug("message requeued")
	} else {
		log.Warn("message failed, will retry")
	}
	err := c.transport.Nack(ctx, msg, c.opts.RetryDelay)
	if errors.Is(err, queue.ErrUnknownReceipt) {
		// 可见性超时已过，消息已被重新投递
		return nil
	}
	return err
}

func (c *Consumer) deadLetter(ctx context.Context, msg queue.Message) error {
	if _, err := c.transport.Enqueue(ctx, queue.DeadLetterName(c.queue), msg.Body); err != nil {
		// 转移失败则保留原消息等待重投
		return fmt.Errorf("failed to dead-letter %s: %w", msg.ID, err)
	}
	if err := c.transport.Ack(ctx, msg); err != nil && !errors.Is(err, queue.ErrUnknownReceipt) {
		return err
	}
	return nil
}

// Run consumes until ctx is cancelled. An empty or failed poll waits
// PollInterval before the next one.
func (c *Consumer) Run(ctx context.Context) error {
	log := logger.FromContext(ctx).WithField(logger.FieldQueue, c.queue)
	log.Info("consumer started")

	for {
		n, err := c.RunOnce(ctx)
		if ctx.Err() != nil {
			log.Info("consumer stopped")
			return nil
		}
		if err != nil {
			log.WithError(err).Error("batch settlement failed")
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			log.Info("consumer stopped")
			return nil
		case <-time.After(c.opts.PollInterval):
		}
	}
}

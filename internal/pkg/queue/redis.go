package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// 到期的在途回执放回 ready 队尾，优先于新消息取出。
// 只有仍是最新一次投递的回执才会放回，已 Ack 或已重新投递的忽略。
var requeueScript = redis.NewScript(`
local receipts = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, receipt in ipairs(receipts) do
	redis.call('ZREM', KEYS[1], receipt)
	local id = string.match(receipt, '^(.*)#%d+$')
	if id and redis.call('HGET', ARGV[3] .. id, 'receipt') == receipt then
		redis.call('RPUSH', KEYS[2], id)
	end
end
return #receipts
`)

var dequeueScript = redis.NewScript(`
local out = {}
for i = 1, tonumber(ARGV[1]) do
	local id = redis.call('RPOP', KEYS[1])
	if not id then break end
	local key = ARGV[3] .. id
	local body = redis.call('HGET', key, 'body')
	if body then
		local n = redis.call('HINCRBY', key, 'receives', 1)
		local receipt = id .. '#' .. n
		redis.call('HSET', key, 'receipt', receipt)
		redis.call('ZADD', KEYS[2], ARGV[2], receipt)
		table.insert(out, id)
		table.insert(out, body)
		table.insert(out, n)
		table.insert(out, receipt)
	end
end
return out
`)

// 回执必须是该消息最近一次投递的回执
var ackScript = redis.NewScript(`
if redis.call('HGET', ARGV[1], 'receipt') ~= ARGV[2] then
	return 0
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', ARGV[1])
return 1
`)

// 只推迟仍在途的投递，已 Ack 或已超时的不再复活
var nackScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
	redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
	return 1
end
return 0
`)

// RedisTransport 基于 list + zset 实现可见性超时：
// {queue}:ready 存待取消息 ID，{queue}:inflight 以重新可见时间为分值，
// {queue}:msg:{id} 存消息体、投递次数和当前回执。回执为 {id}#{投递次数}，
// 每次投递各不相同，过期的回执无法删除已重新投递的消息。
type RedisTransport struct {
	client *redis.Client
	now    func() time.Time
}

type RedisOption func(*RedisTransport)

func WithClock(now func() time.Time) RedisOption {
	return func(t *RedisTransport) {
		t.now = now
	}
}

func NewRedisTransport(client *redis.Client, opts ...RedisOption) *RedisTransport {
	t := &RedisTransport{client: client, now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func readyKey(queue string) string    { return queue + ":ready" }
func inflightKey(queue string) string { return queue + ":inflight" }
func msgPrefix(queue string) string   { return queue + ":msg:" }

func (t *RedisTransport) Enqueue(ctx context.Context, queue string, body []byte) (string, error) {
	id := uuid.NewString()
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, msgPrefix(queue)+id, "body", body, "receives", 0)
		pipe.LPush(ctx, readyKey(queue), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue to %s: %w", queue, err)
	}
	return id, nil
}

func (t *RedisTransport) DequeueBatch(ctx context.Context, queue string, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if _, err := t.RequeueExpired(ctx, queue); err != nil {
		return nil, err
	}

	deadline := t.now().Add(visibility).UnixMilli()
	res, err := dequeueScript.Run(ctx, t.client,
		[]string{readyKey(queue), inflightKey(queue)},
		max, deadline, msgPrefix(queue),
	).Slice()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to dequeue from %s: %w", queue, err)
	}

	msgs := make([]Message, 0, len(res)/4)
	for i := 0; i+3 < len(res); i += 4 {
		id, _ := res[i].(string)
		body, _ := res[i+1].(string)
		receives, _ := res[i+2].(int64)
		receipt, _ := res[i+3].(string)
		msgs = append(msgs, Message{
			ID:           id,
			Queue:        queue,
			Body:         []byte(body),
			ReceiveCount: int(receives),
			Receipt:      receipt,
		})
	}
	return msgs, nil
}

// Ack 删除消息。超时后尚未被重新取出的投递仍可 Ack；
// 一旦消息被再次投递，旧回执失效并返回 ErrUnknownReceipt。
func (t *RedisTransport) Ack(ctx context.Context, msg Message) error {
	n, err := ackScript.Run(ctx, t.client,
		[]string{inflightKey(msg.Queue)},
		msgPrefix(msg.Queue)+msg.ID, msg.Receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownReceipt, msg.ID)
	}
	return nil
}

func (t *RedisTransport) Nack(ctx context.Context, msg Message, delay time.Duration) error {
	visibleAt := t.now().Add(delay).UnixMilli()
	n, err := nackScript.Run(ctx, t.client, []string{inflightKey(msg.Queue)}, visibleAt, msg.Receipt).Int()
	if err != nil {
		return fmt.Errorf("failed to nack %s: %w", msg.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownReceipt, msg.ID)
	}
	return nil
}

// RequeueExpired 把可见性已超时的在途消息放回 ready
func (t *RedisTransport) RequeueExpired(ctx context.Context, queue string) (int64, error) {
	n, err := requeueScript.Run(ctx, t.client,
		[]string{inflightKey(queue), readyKey(queue)},
		t.now().UnixMilli(), 1000, msgPrefix(queue),
	).Int64()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("failed to requeue expired messages: %w", err)
	}
	return n, nil
}

// Length 获取待取消息数（不含在途）
func (t *RedisTransport) Length(ctx context.Context, queue string) (int64, error) {
	return t.client.LLen(ctx, readyKey(queue)).Result()
}

// InFlight 获取在途消息数
func (t *RedisTransport) InFlight(ctx context.Context, queue string) (int64, error) {
	return t.client.ZCard(ctx, inflightKey(queue)).Result()
}

// Package queue provides durable at-least-once work queues. A received
// message stays invisible for the visibility timeout; if it is not deleted
// before the timeout expires it is delivered again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrInvalidReceipt = errors.New("invalid receipt handle")

// Message is one delivery of a queued body. ReceiptHandle identifies this
// delivery and is what Delete takes.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
	ReceiveCount  int
}

// Queue is the work-queue interface every pipeline stage consumes.
type Queue interface {
	Send(ctx context.Context, queue string, body []byte) (string, error)
	// Receive returns up to max messages, blocking for at most wait when the
	// queue is empty. An empty result is not an error.
	Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error)
	Delete(ctx context.Context, queue, receiptHandle string) error
}

const defaultPollInterval = 200 * time.Millisecond

// receiveScript requeues expired in-flight messages, then leases up to
// ARGV[3] ready messages until ARGV[2].
var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
local out = {}
for i = 1, tonumber(ARGV[3]) do
	local id = redis.call('RPOP', KEYS[1])
	if not id then break end
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		local n = redis.call('HINCRBY', KEYS[4], id, 1)
		table.insert(out, id)
		table.insert(out, body)
		table.insert(out, n)
	end
end
return out
`)

// deleteScript removes a message only if the receipt belongs to its latest
// delivery.
var deleteScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) == ARGV[2] then
	redis.call('ZREM', KEYS[2], ARGV[1])
	redis.call('HDEL', KEYS[1], ARGV[1])
	redis.call('HDEL', KEYS[3], ARGV[1])
	return 1
end
return 0
`)

// RedisQueue implements Queue on go-redis/v9. Each queue is a ready list, a
// sorted set of in-flight ids scored by their visibility deadline, and hashes
// holding bodies and receive counts.
type RedisQueue struct {
	client       redis.UniversalClient
	visibility   time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

type Option func(*RedisQueue)

// WithPollInterval sets how often an empty queue is re-checked during Receive.
func WithPollInterval(d time.Duration) Option {
	return func(q *RedisQueue) { q.pollInterval = d }
}

// WithClock overrides the time source used for visibility deadlines.
func WithClock(now func() time.Time) Option {
	return func(q *RedisQueue) { q.now = now }
}

// NewRedisQueue creates a RedisQueue whose received messages stay hidden for
// visibility.
func NewRedisQueue(client redis.UniversalClient, visibility time.Duration, opts ...Option) *RedisQueue {
	q := &RedisQueue{
		client:       client,
		visibility:   visibility,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *RedisQueue) Send(ctx context.Context, queue string, body []byte) (string, error) {
	id := uuid.NewString()
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, messagesKey(queue), id, body)
	pipe.LPush(ctx, readyKey(queue), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("send to %s: %w", queue, err)
	}
	return id, nil
}

// SendAll delivers body to every queue in one MULTI/EXEC transaction, so
// either all queues get a copy or none does. It returns the message ids in
// queue order.
func (q *RedisQueue) SendAll(ctx context.Context, queues []string, body []byte) ([]string, error) {
	if len(queues) == 0 {
		return nil, nil
	}
	ids := make([]string, len(queues))
	pipe := q.client.TxPipeline()
	for i, name := range queues {
		ids[i] = uuid.NewString()
		pipe.HSet(ctx, messagesKey(name), ids[i], body)
		pipe.LPush(ctx, readyKey(name), ids[i])
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("send to %s: %w", strings.Join(queues, ", "), err)
	}
	return ids, nil
}

func (q *RedisQueue) Receive(ctx context.Context, queue string, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.lease(ctx, queue, max)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(q.pollInterval, remaining))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RedisQueue) lease(ctx context.Context, queue string, max int) ([]Message, error) {
	now := q.now()
	keys := []string{readyKey(queue), inflightKey(queue), messagesKey(queue), receivesKey(queue)}
	res, err := receiveScript.Run(ctx, q.client, keys,
		now.UnixMilli(), now.Add(q.visibility).UnixMilli(), max).Slice()
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", queue, err)
	}

	msgs := make([]Message, 0, len(res)/3)
	for i := 0; i+2 < len(res); i += 3 {
		id, _ := res[i].(string)
		body, _ := res[i+1].(string)
		count, _ := res[i+2].(int64)
		msgs = append(msgs, Message{
			ID:            id,
			Body:          []byte(body),
			ReceiptHandle: id + ":" + strconv.FormatInt(count, 10),
			ReceiveCount:  int(count),
		})
	}
	return msgs, nil
}

// Delete acknowledges a delivery. A receipt from an earlier delivery of a
// message that has since been redelivered is ignored.
func (q *RedisQueue) Delete(ctx context.Context, queue, receiptHandle string) error {
	id, count, ok := strings.Cut(receiptHandle, ":")
	if !ok || id == "" || count == "" {
		return fmt.Errorf("%w: %q", ErrInvalidReceipt, receiptHandle)
	}
	keys := []string{messagesKey(queue), inflightKey(queue), receivesKey(queue)}
	if err := deleteScript.Run(ctx, q.client, keys, id, count).Err(); err != nil {
		return fmt.Errorf("delete from %s: %w", queue, err)
	}
	return nil
}

// Depth reports how many messages are waiting and how many are in flight.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (ready, inflight int64, err error) {
	pipe := q.client.Pipeline()
	r := pipe.LLen(ctx, readyKey(queue))
	f := pipe.ZCard(ctx, inflightKey(queue))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	return r.Val(), f.Val(), nil
}

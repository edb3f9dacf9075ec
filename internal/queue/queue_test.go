package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kiranshivaraju/gas/internal/queue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupQueue(t *testing.T) (*queue.RedisQueue, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	q := queue.NewRedisQueue(client, time.Minute,
		queue.WithClock(clock.Now),
		queue.WithPollInterval(10*time.Millisecond))
	return q, clock
}

func TestSendReceiveDelete(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	id, err := q.Send(ctx, "jobs", []byte(`{"job_id":"j1"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := q.Receive(ctx, "jobs", 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.JSONEq(t, `{"job_id":"j1"}`, string(msgs[0].Body))
	assert.Equal(t, 1, msgs[0].ReceiveCount)

	// Hidden while in flight.
	again, err := q.Receive(ctx, "jobs", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, q.Delete(ctx, "jobs", msgs[0].ReceiptHandle))

	ready, inflight, err := q.Depth(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, ready)
	assert.Zero(t, inflight)
}

func TestReceive_FIFOAndMax(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	for _, body := range []string{"a", "b", "c"} {
		_, err := q.Send(ctx, "jobs", []byte(body))
		require.NoError(t, err)
	}

	first, err := q.Receive(ctx, "jobs", 2, 0)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", string(first[0].Body))
	assert.Equal(t, "b", string(first[1].Body))

	rest, err := q.Receive(ctx, "jobs", 2, 0)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", string(rest[0].Body))
}

func TestReceive_RedeliversAfterVisibilityTimeout(t *testing.T) {
	q, clock := setupQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "jobs", []byte("payload"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, "jobs", 1, 0)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(2 * time.Minute)

	second, err := q.Receive(ctx, "jobs", 1, 0)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].ReceiveCount)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	// The stale receipt no longer acknowledges the message.
	require.NoError(t, q.Delete(ctx, "jobs", first[0].ReceiptHandle))
	_, inflight, err := q.Depth(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), inflight)

	require.NoError(t, q.Delete(ctx, "jobs", second[0].ReceiptHandle))
	_, inflight, err = q.Depth(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, inflight)
}

func TestReceive_WaitsForMessage(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = q.Send(ctx, "jobs", []byte("late"))
	}()

	msgs, err := q.Receive(ctx, "jobs", 1, 2*time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "late", string(msgs[0].Body))
}

func TestReceive_EmptyAfterWait(t *testing.T) {
	q, _ := setupQueue(t)

	start := time.Now()
	msgs, err := q.Receive(context.Background(), "jobs", 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestReceive_ContextCancelled(t *testing.T) {
	q, _ := setupQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := q.Receive(ctx, "jobs", 1, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDelete_InvalidReceipt(t *testing.T) {
	q, _ := setupQueue(t)
	err := q.Delete(context.Background(), "jobs", "garbage")
	assert.ErrorIs(t, err, queue.ErrInvalidReceipt)
}

func TestQueuesAreIsolated(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	_, err := q.Send(ctx, "a", []byte("1"))
	require.NoError(t, err)

	msgs, err := q.Receive(ctx, "b", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// setupRedis spins up a Redis container for the scripts to run against a real server.
func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	opts, err := redis.ParseURL("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisServer_RoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	client := setupRedis(t)
	q := queue.NewRedisQueue(client, 50*time.Millisecond, queue.WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	_, err := q.Send(ctx, "jobs", []byte("payload"))
	require.NoError(t, err)

	first, err := q.Receive(ctx, "jobs", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := q.Receive(ctx, "jobs", 1, time.Second)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].ReceiveCount)

	require.NoError(t, q.Delete(ctx, "jobs", second[0].ReceiptHandle))
	ready, inflight, err := q.Depth(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, ready+inflight)
}

func TestSendAll_DeliversToEveryQueue(t *testing.T) {
	q, _ := setupQueue(t)
	ctx := context.Background()

	ids, err := q.SendAll(ctx, []string{"archive", "notify"}, []byte(`{"job_id":"j1"}`))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	assert.NotEqual(t, ids[0], ids[1])

	for i, name := range []string{"archive", "notify"} {
		msgs, err := q.Receive(ctx, name, 10, 0)
		require.NoError(t, err)
		require.Len(t, msgs, 1, name)
		assert.Equal(t, ids[i], msgs[0].ID)
		assert.Equal(t, `{"job_id":"j1"}`, string(msgs[0].Body))
	}
}

func TestSendAll_FailureDeliversNothing(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := queue.NewRedisQueue(client, time.Minute)
	ctx := context.Background()

	mr.SetError("ERR redis down")
	_, err := q.SendAll(ctx, []string{"archive", "notify"}, []byte("x"))
	require.Error(t, err)
	mr.SetError("")

	for _, name := range []string{"archive", "notify"} {
		ready, inflight, err := q.Depth(ctx, name)
		require.NoError(t, err)
		assert.Zero(t, ready+inflight, name)
	}
}

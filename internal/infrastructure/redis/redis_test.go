package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestDistributedLock_AcquireRelease(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	first := NewDistributedLock(client, "tx:1", time.Second)
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists("lock:tx:1"))

	second := NewDistributedLock(client, "tx:1", time.Second)
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, second.Release(ctx))

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("lock:tx:1"))
}

func TestDistributedLock_Extend(t *testing.T) {
	client, mr := newTestClient(t)
	ctx := context.Background()

	lock := NewDistributedLock(client, "tx:2", time.Second)
	assert.Error(t, lock.Extend(ctx, time.Minute))

	_, err := lock.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, lock.Extend(ctx, time.Minute))
	assert.Equal(t, time.Minute, mr.TTL("lock:tx:2"))
}

func TestLocker_WithLock(t *testing.T) {
	client, mr := newTestClient(t)
	locker := NewLocker(client, time.Second)
	locker.retries = 2
	locker.retryDelay = time.Millisecond

	var ran atomic.Bool
	err := locker.WithLock(context.Background(), "tx:3", func(ctx context.Context) error {
		assert.True(t, mr.Exists("lock:tx:3"))
		ran.Store(true)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran.Load())
	assert.False(t, mr.Exists("lock:tx:3"))

	require.NoError(t, mr.Set("lock:tx:3", "someone-else"))
	err = locker.WithLock(context.Background(), "tx:3", func(ctx context.Context) error {
		t.Fatal("must not run while locked")
		return nil
	})
	assert.ErrorIs(t, err, domainErrors.ErrLockAcquisitionFailed)
}

func TestNotifier_NotifyThenWait(t *testing.T) {
	client, _ := newTestClient(t)
	n := NewNotifier(client)
	ctx := context.Background()
	agentID := uuid.New()

	require.NoError(t, n.Notify(ctx, agentID))
	require.NoError(t, n.Notify(ctx, agentID))

	woken, err := n.Wait(ctx, agentID, time.Second)
	require.NoError(t, err)
	assert.True(t, woken)

	// tokens collapse into one
	n2 := client.LLen(ctx, n.key(agentID)).Val()
	assert.Equal(t, int64(0), n2)
}

func TestNotifier_WaitTimesOut(t *testing.T) {
	client, _ := newTestClient(t)
	n := NewNotifier(client)

	woken, err := n.Wait(context.Background(), uuid.New(), time.Second)
	require.NoError(t, err)
	assert.False(t, woken)

	woken, err = n.Wait(context.Background(), uuid.New(), 0)
	require.NoError(t, err)
	assert.False(t, woken)
}

func TestNotifier_WakesBlockedWaiter(t *testing.T) {
	client, _ := newTestClient(t)
	n := NewNotifier(client)
	agentID := uuid.New()

	done := make(chan bool, 1)
	go func() {
		woken, _ := n.Wait(context.Background(), agentID, 5*time.Second)
		done <- woken
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, n.Notify(context.Background(), agentID))

	select {
	case woken := <-done:
		assert.True(t, woken)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestStreams_PublishReadAck(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	consumer := NewStreamConsumer(client, EventStream, "docs", "worker-1", 10, 10*time.Millisecond)
	require.NoError(t, consumer.CreateGroup(ctx))
	require.NoError(t, consumer.CreateGroup(ctx))

	producer := NewStreamProducer(client)
	require.NoError(t, producer.PublishTransactionEvent(ctx, "tx-1", "transaction.paid", map[string]any{"gross_cents": 4250}))

	events, err := consumer.Read(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "tx-1", events[0].TransactionID)
	assert.Equal(t, "transaction.paid", events[0].EventType)
	assert.Equal(t, float64(4250), events[0].Payload["gross_cents"])

	require.NoError(t, consumer.Ack(ctx, events[0].MessageID))

	events, err = consumer.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestStreams_PublishToDLQ(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, NewStreamProducer(client).PublishToDLQ(ctx, "tx-9", "render failed", nil))
	assert.Equal(t, int64(1), client.XLen(ctx, DLQStream).Val())
}

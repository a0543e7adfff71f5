package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"job-leaderboard/internal/config"
	"job-leaderboard/internal/models"
)

// These tests talk to real backends and are skipped unless
// TEST_REDIS_ADDR / TEST_NATS_URL are set.

func integrationOptions() Options {
	return Options{
		Name:              "test-" + uuid.NewString()[:8],
		Concurrency:       2,
		Retry:             RetryPolicy{MaxAttempts: 3, Backoff: 50 * time.Millisecond, MaxBackoff: 200 * time.Millisecond},
		VisibilityTimeout: time.Second,
		PollWait:          100 * time.Millisecond,
	}
}

func setupTestRedis(t *testing.T) redis.UniversalClient {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		t.Skipf("Redis not available at %s: %v", addr, err)
	}
	return client
}

func setupTestNATS(t *testing.T) *NATS {
	t.Helper()
	url := os.Getenv("TEST_NATS_URL")
	if url == "" {
		t.Skip("TEST_NATS_URL not set")
	}
	conn, err := ConnectNATS(config.NATSConfig{URL: url, MaxReconnect: 1, ReconnectWait: time.Second}, testLogger())
	if err != nil {
		t.Skipf("NATS not available at %s: %v", url, err)
	}
	q, err := NewNATS(conn, integrationOptions(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.js.DeleteStream(q.stream)
		_ = q.Close()
	})
	return q
}

func exerciseRetry(t *testing.T, q Queue) {
	ctx := context.Background()

	var mu sync.Mutex
	attempts := map[int64][]int{}
	stop := consume(t, q, models.LaneStatusUpdate, func(ctx context.Context, d Delivery) error {
		mu.Lock()
		defer mu.Unlock()
		attempts[d.Event.JobID] = append(attempts[d.Event.JobID], d.Attempt)
		if d.Event.JobID == 2 && d.Attempt == 1 {
			return errors.New("webhook returned 500")
		}
		return nil
	})
	defer stop()

	for _, id := range []int64{1, 2} {
		event := models.ChangeEvent{Kind: models.LaneStatusUpdate, JobID: id, NewStatus: "closed"}
		require.NoError(t, q.Enqueue(ctx, models.LaneStatusUpdate, event))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(attempts[1]) == 1 && len(attempts[2]) == 2
	}, 10*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, attempts[2])
}

func TestRedis_DeliveryAndRetry(t *testing.T) {
	client := setupTestRedis(t)
	q := NewRedis(client, integrationOptions(), testLogger())
	t.Cleanup(func() {
		ctx := context.Background()
		for _, lane := range models.Lanes {
			client.Del(ctx, q.streamKey(lane), q.delayedKey(lane), q.DeadLetterKey(lane))
		}
		_ = q.Close()
	})

	require.NoError(t, q.Ping(context.Background()))
	exerciseRetry(t, q)
}

func TestRedis_DeadLetter(t *testing.T) {
	client := setupTestRedis(t)
	opts := integrationOptions()
	opts.Retry.MaxAttempts = 1
	q := NewRedis(client, opts, testLogger())
	ctx := context.Background()
	t.Cleanup(func() {
		client.Del(ctx, q.streamKey(models.LaneNewJob), q.delayedKey(models.LaneNewJob), q.DeadLetterKey(models.LaneNewJob))
		_ = q.Close()
	})

	stop := consume(t, q, models.LaneNewJob, func(ctx context.Context, d Delivery) error {
		return errors.New("always fails")
	})
	defer stop()

	require.NoError(t, q.Enqueue(ctx, models.LaneNewJob, models.ChangeEvent{Kind: models.LaneNewJob, JobID: 5}))

	require.Eventually(t, func() bool {
		n, err := client.LLen(ctx, q.DeadLetterKey(models.LaneNewJob)).Result()
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRedis_ReclaimsAbandonedDelivery(t *testing.T) {
	client := setupTestRedis(t)
	opts := integrationOptions()
	ctx := context.Background()

	crashed := NewRedis(client, opts, testLogger())
	t.Cleanup(func() {
		client.Del(ctx, crashed.streamKey(models.LaneNewJob), crashed.delayedKey(models.LaneNewJob))
	})
	require.NoError(t, crashed.ensureGroup(ctx, models.LaneNewJob))
	require.NoError(t, crashed.Enqueue(ctx, models.LaneNewJob, models.ChangeEvent{Kind: models.LaneNewJob, JobID: 8}))

	// Read without acknowledging, as a consumer that dies mid-delivery would.
	_, err := crashed.fetch(ctx, models.LaneNewJob)
	require.NoError(t, err)

	survivor := NewRedis(client, opts, testLogger())
	var got sync.WaitGroup
	got.Add(1)
	var once sync.Once
	stop := consume(t, survivor, models.LaneNewJob, func(ctx context.Context, d Delivery) error {
		if d.Event.JobID == 8 {
			once.Do(got.Done)
		}
		return nil
	})
	defer stop()

	waitCh := make(chan struct{})
	go func() { got.Wait(); close(waitCh) }()
	select {
	case <-waitCh:
	case <-time.After(10 * time.Second):
		t.Fatal("abandoned delivery was not reclaimed")
	}
}

func TestRedis_AbandonedDeliveriesCountAsAttempts(t *testing.T) {
	client := setupTestRedis(t)
	opts := integrationOptions()
	opts.Retry.MaxAttempts = 2
	opts.VisibilityTimeout = 50 * time.Millisecond
	ctx := context.Background()

	first := NewRedis(client, opts, testLogger())
	lane := models.LaneStatusUpdate
	t.Cleanup(func() {
		client.Del(ctx, first.streamKey(lane), first.delayedKey(lane), first.DeadLetterKey(lane))
	})
	require.NoError(t, first.ensureGroup(ctx, lane))
	require.NoError(t, first.Enqueue(ctx, lane, models.ChangeEvent{Kind: lane, JobID: 9, NewStatus: "running"}))

	batch, err := first.fetch(ctx, lane)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 1, batch[0].deliveries)

	// A second consumer reclaims the entry and dies too.
	time.Sleep(2 * opts.VisibilityTimeout)
	second := NewRedis(client, opts, testLogger())
	batch, err = second.fetch(ctx, lane)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.EqualValues(t, 2, batch[0].deliveries)

	time.Sleep(2 * opts.VisibilityTimeout)
	var calls int
	var mu sync.Mutex
	survivor := NewRedis(client, opts, testLogger())
	stop := consume(t, survivor, lane, func(ctx context.Context, d Delivery) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	defer stop()

	require.Eventually(t, func() bool {
		n, err := client.LLen(ctx, survivor.DeadLetterKey(lane)).Result()
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls, "an entry past its attempts is not handed to the handler again")
}

func TestNATS_DeliveryAndRetry(t *testing.T) {
	q := setupTestNATS(t)
	require.NoError(t, q.Ping(context.Background()))
	exerciseRetry(t, q)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T, handler Handler) (*Queue, *redis.Client, *clock.Mock) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q, err := New(rdb, Options{Name: "test-queue", MaxAttempts: 3, BackoffDelay: 5 * time.Second}, handler)
	require.NoError(t, err)
	clk := clock.NewMock()
	q.clk = clk
	return q, rdb, clk
}

func popJobID(t *testing.T, rdb *redis.Client, q *Queue) string {
	t.Helper()
	id, err := rdb.RPop(context.Background(), q.pendingKey()).Result()
	require.NoError(t, err)
	return id
}

func TestEnqueueDeduplicatesByID(t *testing.T) {
	q, rdb, _ := newTestQueue(t, func(context.Context, Job) error { return nil })
	ctx := context.Background()

	added, err := q.Enqueue(ctx, Job{ID: "task-1", AppID: "app-1"})
	require.NoError(t, err)
	assert.True(t, added)

	added, err = q.Enqueue(ctx, Job{ID: "task-1", AppID: "app-1"})
	require.NoError(t, err)
	assert.False(t, added)

	n, err := rdb.LLen(ctx, q.pendingKey()).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestRunJobSuccess(t *testing.T) {
	var ran atomic.Int64
	q, rdb, _ := newTestQueue(t, func(_ context.Context, job Job) error {
		assert.Equal(t, "app-1", job.AppID)
		ran.Add(1)
		return nil
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{ID: "task-1", AppID: "app-1"})
	require.NoError(t, err)
	q.runJob(ctx, popJobID(t, rdb, q))

	assert.EqualValues(t, 1, ran.Load())
	assert.EqualValues(t, 1, rdb.ZCard(ctx, q.completedKey()).Val())
	assert.EqualValues(t, 0, rdb.HLen(ctx, q.activeKey()).Val())
	assert.EqualValues(t, 0, rdb.HLen(ctx, q.jobsKey()).Val())
}

func TestRunJobRetriesWithBackoff(t *testing.T) {
	q, rdb, clk := newTestQueue(t, func(context.Context, Job) error {
		return fmt.Errorf("upstream flaked")
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{ID: "task-1", AppID: "app-1"})
	require.NoError(t, err)
	q.runJob(ctx, popJobID(t, rdb, q))

	// First retry lands one backoff delay out.
	score, err := rdb.ZScore(ctx, q.delayedKey(), "task-1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, clk.Now().Add(5*time.Second).Unix(), int64(score))

	var job Job
	payload := rdb.HGet(ctx, q.jobsKey(), "task-1").Val()
	require.NoError(t, json.Unmarshal([]byte(payload), &job))
	assert.Equal(t, 1, job.Attempts)
	assert.EqualValues(t, 0, rdb.ZCard(ctx, q.failedKey()).Val())
}

func TestRunJobUnrecoverableSkipsRetry(t *testing.T) {
	q, rdb, _ := newTestQueue(t, func(context.Context, Job) error {
		return fmt.Errorf("%w: app is gone", ErrUnrecoverable)
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{ID: "task-1", AppID: "app-1"})
	require.NoError(t, err)
	q.runJob(ctx, popJobID(t, rdb, q))

	assert.EqualValues(t, 1, rdb.ZCard(ctx, q.failedKey()).Val())
	assert.EqualValues(t, 0, rdb.ZCard(ctx, q.delayedKey()).Val())
	assert.EqualValues(t, 0, rdb.HLen(ctx, q.jobsKey()).Val())
}

func TestRunJobExhaustsAttempts(t *testing.T) {
	q, rdb, _ := newTestQueue(t, func(context.Context, Job) error {
		return fmt.Errorf("still broken")
	})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{ID: "task-1", AppID: "app-1", Attempts: 2, MaxAttempts: 3})
	require.NoError(t, err)
	q.runJob(ctx, popJobID(t, rdb, q))

	assert.EqualValues(t, 1, rdb.ZCard(ctx, q.failedKey()).Val())
	assert.EqualValues(t, 0, rdb.ZCard(ctx, q.delayedKey()).Val())
}

func TestPromoteDelayedMovesDueJobs(t *testing.T) {
	q, rdb, clk := newTestQueue(t, func(context.Context, Job) error { return nil })
	ctx := context.Background()

	due := float64(clk.Now().Add(-time.Second).Unix())
	notYet := float64(clk.Now().Add(time.Hour).Unix())
	require.NoError(t, rdb.ZAdd(ctx, q.delayedKey(),
		redis.Z{Score: due, Member: "ready"},
		redis.Z{Score: notYet, Member: "later"}).Err())

	require.NoError(t, q.promoteDelayed(ctx))

	assert.EqualValues(t, 1, rdb.LLen(ctx, q.pendingKey()).Val())
	assert.Equal(t, "ready", rdb.RPop(ctx, q.pendingKey()).Val())
	assert.EqualValues(t, 1, rdb.ZCard(ctx, q.delayedKey()).Val())
}

func TestRequeueStalledReturnsExpiredLeases(t *testing.T) {
	q, rdb, clk := newTestQueue(t, func(context.Context, Job) error { return nil })
	ctx := context.Background()

	expired := strconv.FormatInt(clk.Now().Add(-time.Minute).Unix(), 10)
	healthy := strconv.FormatInt(clk.Now().Add(time.Hour).Unix(), 10)
	require.NoError(t, rdb.HSet(ctx, q.activeKey(), "stalled", expired, "running", healthy).Err())

	require.NoError(t, q.requeueStalled(ctx))

	assert.Equal(t, "stalled", rdb.RPop(ctx, q.pendingKey()).Val())
	assert.EqualValues(t, 1, rdb.HLen(ctx, q.activeKey()).Val())
}

func TestStats(t *testing.T) {
	q, rdb, clk := newTestQueue(t, func(context.Context, Job) error { return nil })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Job{ID: "task-1", AppID: "app-1"})
	require.NoError(t, err)
	require.NoError(t, rdb.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(clk.Now().Unix()), Member: "task-2"}).Err())

	stats, err := q.HealthCheck(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 1, stats.Delayed)
	assert.EqualValues(t, 0, stats.Active)
	assert.EqualValues(t, 0, stats.Paused)
}

func TestWorkersDrainTheQueue(t *testing.T) {
	var ran atomic.Int64
	done := make(chan struct{}, 3)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q, err := New(rdb, Options{Name: "drain-queue", Concurrency: 2}, func(_ context.Context, job Job) error {
		ran.Add(1)
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, Job{ID: fmt.Sprintf("task-%d", i), AppID: "app-1"})
		require.NoError(t, err)
	}

	q.Start(ctx)
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("workers did not drain the queue in time")
		}
	}
	require.NoError(t, q.Close())
	assert.EqualValues(t, 3, ran.Load())
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package queue runs verification jobs over Redis with at-least-once
// delivery and per-task deduplication.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/Phala-Network/trust-center/pkg/telemetry"
	"github.com/Phala-Network/trust-center/pkg/util/log"
	"github.com/Phala-Network/trust-center/pkg/verifier"
)

const (
	// DefaultConcurrency is the worker count when the options leave it zero.
	DefaultConcurrency = 5

	// jobTimeout is the hard deadline for one verification. Jobs that hit
	// it are not retried.
	jobTimeout = 5 * time.Minute

	leaseDuration   = jobTimeout + time.Minute
	promoteInterval = time.Second
	stalledInterval = 30 * time.Second
	popTimeout      = time.Second

	completedRetention = time.Hour
	completedMax       = 100
	failedRetention    = 24 * time.Hour
	failedMax          = 1000
)

// ErrUnrecoverable marks a job failure that retrying cannot fix.
var ErrUnrecoverable = errors.New("unrecoverable job error")

// Job is one unit of verification work. The id doubles as the task id and
// the dedup key. Flags, when set, override the process-wide verification
// flags for this job only.
type Job struct {
	ID           string          `json:"id"`
	AppID        string          `json:"app_id"`
	ForceRefresh bool            `json:"force_refresh,omitempty"`
	Flags        *verifier.Flags `json:"verification_flags,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	EnqueuedAt   time.Time       `json:"enqueued_at"`
}

// Handler processes one job.
type Handler func(ctx context.Context, job Job) error

// Options tunes one queue instance.
type Options struct {
	Name         string
	Concurrency  int
	MaxAttempts  int
	BackoffDelay time.Duration
}

// Stats is a point-in-time snapshot of the queue's sets. Paused is always
// zero; this queue has no pause switch, the field keeps the snapshot shape
// stable for consumers that expect one.
type Stats struct {
	Pending   int64 `json:"pending"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Paused    int64 `json:"paused"`
}

// Queue is a Redis-backed job queue. Pending ids live in a list, delayed
// ids in a sorted set scored by ready time, in-flight ids in a hash scored
// by lease deadline, and payloads in a hash keyed by job id.
type Queue struct {
	rdb     redis.UniversalClient
	opts    Options
	handler Handler
	clk     clock.Clock

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New builds a queue. The handler runs on Start'ed workers.
func New(rdb redis.UniversalClient, opts Options, handler Handler) (*Queue, error) {
	if rdb == nil {
		return nil, fmt.Errorf("queue: redis client is required")
	}
	if opts.Name == "" {
		return nil, fmt.Errorf("queue: name is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("queue: handler is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffDelay <= 0 {
		opts.BackoffDelay = 5 * time.Second
	}
	return &Queue{rdb: rdb, opts: opts, handler: handler, clk: clock.New()}, nil
}

func (q *Queue) pendingKey() string   { return q.opts.Name + ":pending" }
func (q *Queue) delayedKey() string   { return q.opts.Name + ":delayed" }
func (q *Queue) activeKey() string    { return q.opts.Name + ":active" }
func (q *Queue) completedKey() string { return q.opts.Name + ":completed" }
func (q *Queue) failedKey() string    { return q.opts.Name + ":failed" }
func (q *Queue) jobsKey() string      { return q.opts.Name + ":jobs" }

// Enqueue adds a job unless one with the same id is already tracked. It
// reports whether the job was actually added.
func (q *Queue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.ID == "" {
		return false, fmt.Errorf("queue: job id is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = q.clk.Now().UTC()
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}

	added, err := q.rdb.HSetNX(ctx, q.jobsKey(), job.ID, payload).Result()
	if err != nil {
		return false, fmt.Errorf("queue: register job %s: %w", job.ID, err)
	}
	if !added {
		log.Debugf("job %s already queued, skipping", job.ID)
		return false, nil
	}

	if err := q.rdb.LPush(ctx, q.pendingKey(), job.ID).Err(); err != nil {
		return false, fmt.Errorf("queue: push job %s: %w", job.ID, err)
	}
	q.updateDepth(ctx)
	return true, nil
}

// Start launches the workers and the maintenance loops.
func (q *Queue) Start(ctx context.Context) {
	ctx, q.cancel = context.WithCancel(ctx)
	q.group, ctx = errgroup.WithContext(ctx)

	for i := 0; i < q.opts.Concurrency; i++ {
		q.group.Go(func() error { return q.workerLoop(ctx) })
	}
	q.group.Go(func() error { return q.maintenanceLoop(ctx, promoteInterval, q.promoteDelayed) })
	q.group.Go(func() error { return q.maintenanceLoop(ctx, stalledInterval, q.requeueStalled) })

	log.Infof("queue %s started with %d workers", q.opts.Name, q.opts.Concurrency)
}

// Close stops the workers and waits for in-flight jobs to finish.
func (q *Queue) Close() error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()
	err := q.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (q *Queue) workerLoop(ctx context.Context) error {
	for {
		res, err := q.rdb.BRPop(ctx, popTimeout, q.pendingKey()).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			log.Warnf("queue %s: pop failed: %v", q.opts.Name, err)
			q.clk.Sleep(time.Second)
			continue
		}
		q.runJob(ctx, res[1])
	}
}

func (q *Queue) maintenanceLoop(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := q.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Warnf("queue %s: maintenance pass failed: %v", q.opts.Name, err)
			}
		}
	}
}

// runJob executes one popped job id through the handler and settles it.
func (q *Queue) runJob(ctx context.Context, id string) {
	now := q.clk.Now()

	payload, err := q.rdb.HGet(ctx, q.jobsKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		// Orphan id: the payload is gone, nothing to run.
		log.Warnf("queue %s: dropping orphan job id %s", q.opts.Name, id)
		return
	}
	if err != nil {
		log.Errorf("queue %s: load job %s: %v", q.opts.Name, id, err)
		return
	}

	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		log.Errorf("queue %s: job %s has a corrupt payload, discarding: %v", q.opts.Name, id, err)
		q.settle(ctx, id, q.failedKey(), failedRetention, failedMax, "failed")
		return
	}

	deadline := strconv.FormatInt(now.Add(leaseDuration).Unix(), 10)
	if err := q.rdb.HSet(ctx, q.activeKey(), id, deadline).Err(); err != nil {
		log.Errorf("queue %s: lease job %s: %v", q.opts.Name, id, err)
		return
	}

	jctx, cancel := context.WithTimeout(ctx, jobTimeout)
	err = q.handler(jctx, job)
	timedOut := errors.Is(jctx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		q.settle(ctx, id, q.completedKey(), completedRetention, completedMax, "completed")
	case timedOut || errors.Is(err, ErrUnrecoverable) || job.Attempts+1 >= job.MaxAttempts:
		log.Warnf("queue %s: job %s failed permanently (attempt %d, timed out %t): %v",
			q.opts.Name, id, job.Attempts+1, timedOut, err)
		q.settle(ctx, id, q.failedKey(), failedRetention, failedMax, "failed")
	default:
		q.retry(ctx, id, job, err)
	}
}

// settle moves a job into a terminal sorted set and trims it to the
// retention window and size cap.
func (q *Queue) settle(ctx context.Context, id, key string, retention time.Duration, maxKept int64, status string) {
	now := q.clk.Now()
	pipe := q.rdb.Pipeline()
	pipe.HDel(ctx, q.activeKey(), id)
	pipe.HDel(ctx, q.jobsKey(), id)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.Unix()), Member: id})
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.Add(-retention).Unix(), 10))
	pipe.ZRemRangeByRank(ctx, key, 0, -maxKept-1)
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("queue %s: settle job %s: %v", q.opts.Name, id, err)
	}
	telemetry.QueueJobsTotal.WithLabelValues(status).Inc()
	q.updateDepth(ctx)
}

// retry reschedules a failed job with exponential backoff.
func (q *Queue) retry(ctx context.Context, id string, job Job, cause error) {
	job.Attempts++
	delay := q.opts.BackoffDelay * (1 << (job.Attempts - 1))
	readyAt := q.clk.Now().Add(delay)
	log.Warnf("queue %s: job %s failed (attempt %d/%d), retrying in %s: %v",
		q.opts.Name, id, job.Attempts, job.MaxAttempts, delay, cause)

	payload, err := json.Marshal(job)
	if err != nil {
		log.Errorf("queue %s: re-encode job %s: %v", q.opts.Name, id, err)
		q.settle(ctx, id, q.failedKey(), failedRetention, failedMax, "failed")
		return
	}

	pipe := q.rdb.Pipeline()
	pipe.HSet(ctx, q.jobsKey(), id, payload)
	pipe.HDel(ctx, q.activeKey(), id)
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil && ctx.Err() == nil {
		log.Errorf("queue %s: reschedule job %s: %v", q.opts.Name, id, err)
	}
	telemetry.QueueJobsTotal.WithLabelValues("retried").Inc()
}

// promoteDelayed moves due delayed jobs back onto the pending list.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := strconv.FormatInt(q.clk.Now().Unix(), 10)
	ids, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, id := range ids {
		pipe := q.rdb.Pipeline()
		pipe.ZRem(ctx, q.delayedKey(), id)
		pipe.LPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	if len(ids) > 0 {
		q.updateDepth(ctx)
	}
	return nil
}

// requeueStalled returns jobs whose lease expired to the pending list.
// That happens when a worker crashed mid-job; the payload is still in the
// jobs hash, so the job simply runs again.
func (q *Queue) requeueStalled(ctx context.Context) error {
	leases, err := q.rdb.HGetAll(ctx, q.activeKey()).Result()
	if err != nil {
		return err
	}
	now := q.clk.Now().Unix()
	for id, raw := range leases {
		deadline, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || deadline >= now {
			continue
		}
		log.Warnf("queue %s: job %s lease expired, requeueing", q.opts.Name, id)
		pipe := q.rdb.Pipeline()
		pipe.HDel(ctx, q.activeKey(), id)
		pipe.LPush(ctx, q.pendingKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stats counts the queue's sets.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, q.pendingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	active := pipe.HLen(ctx, q.activeKey())
	completed := pipe.ZCard(ctx, q.completedKey())
	failed := pipe.ZCard(ctx, q.failedKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue: stats: %w", err)
	}
	return &Stats{
		Pending:   pending.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// HealthCheck pings Redis and snapshots the queue.
func (q *Queue) HealthCheck(ctx context.Context) (*Stats, error) {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("queue: redis ping: %w", err)
	}
	return q.Stats(ctx)
}

func (q *Queue) updateDepth(ctx context.Context) {
	n, err := q.rdb.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return
	}
	telemetry.QueueDepth.Set(float64(n))
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package ratelimit provides a token bucket keyed by a fixed global key,
// coordinated across processes through Redis when one is available and
// falling back to an in-process limiter otherwise.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/Phala-Network/trust-center/pkg/util/log"
)

// Limiter enforces a global requests-per-window budget. Waiters poll until
// a slot frees up or the context expires. Redis failures fail open: the
// local limiter alone decides and a warning is logged.
type Limiter struct {
	key    string
	limit  int
	window time.Duration

	rdb   redis.UniversalClient
	local *rate.Limiter
}

// New returns a limiter allowing limit events per window under the given
// global key. rdb may be nil for purely local limiting.
func New(key string, limit int, window time.Duration, rdb redis.UniversalClient) *Limiter {
	return &Limiter{
		key:    key,
		limit:  limit,
		window: window,
		rdb:    rdb,
		local:  rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
	}
}

// Wait blocks until a token is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.local.Wait(ctx); err != nil {
		return err
	}
	if l.rdb == nil {
		return nil
	}

	for {
		ok, err := l.tryDistributed(ctx)
		if err != nil {
			// Coordination loss must not take the feature down with it.
			log.Warnf("distributed rate limiter unavailable for %s, proceeding: %v", l.key, err)
			return nil
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.window / time.Duration(l.limit*2)):
		}
	}
}

// tryDistributed consumes one slot from the shared counter for the current
// window. The counter expires with the window so buckets reset on their own.
func (l *Limiter) tryDistributed(ctx context.Context) (bool, error) {
	bucket := time.Now().UnixNano() / int64(l.window)
	counterKey := fmt.Sprintf("ratelimit:%s:%d", l.key, bucket)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, counterKey)
	pipe.Expire(ctx, counterKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	if incr.Val() > int64(l.limit) {
		return false, nil
	}
	return true, nil
}

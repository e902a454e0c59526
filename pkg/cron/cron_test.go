// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package cron

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	s := New()
	defer shutdown(t, s)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Register("sync-tasks", "*/5 * * * *", noop))
	err := s.Register("sync-tasks", "*/5 * * * *", noop)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestTriggerRunsJobAndRecordsOutcome(t *testing.T) {
	s := New()
	defer shutdown(t, s)

	var runs atomic.Int64
	require.NoError(t, s.Register("sync-tasks", "*/5 * * * *", func(context.Context) error {
		runs.Add(1)
		return nil
	}))

	require.NoError(t, s.Trigger(context.Background(), "sync-tasks"))
	assert.EqualValues(t, 1, runs.Load())

	status := s.Status()
	require.Len(t, status, 1)
	assert.NotNil(t, status[0].LastRun)
	assert.Empty(t, status[0].LastError)
	assert.False(t, status[0].Scheduled)
}

func TestTriggerRecordsError(t *testing.T) {
	s := New()
	defer shutdown(t, s)

	require.NoError(t, s.Register("cleanup-failed-tasks", "0 2 * * *", func(context.Context) error {
		return fmt.Errorf("db unavailable")
	}))

	err := s.Trigger(context.Background(), "cleanup-failed-tasks")
	require.Error(t, err)
	assert.Equal(t, "db unavailable", s.Status()[0].LastError)
}

func TestTriggerUnknownJob(t *testing.T) {
	s := New()
	defer shutdown(t, s)

	err := s.Trigger(context.Background(), "no-such-job")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown job")
}

func TestStartStopToggleScheduling(t *testing.T) {
	s := New()
	defer shutdown(t, s)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Register("sync-profiles", "*/30 * * * *", noop))

	require.NoError(t, s.Start("sync-profiles"))
	status := s.Status()
	assert.True(t, status[0].Scheduled)
	require.NotNil(t, status[0].NextRun)

	// Starting twice is a no-op.
	require.NoError(t, s.Start("sync-profiles"))

	require.NoError(t, s.Stop("sync-profiles"))
	status = s.Status()
	assert.False(t, status[0].Scheduled)
	assert.Nil(t, status[0].NextRun)
}

func TestStartAllStopAll(t *testing.T) {
	s := New()
	defer shutdown(t, s)

	noop := func(context.Context) error { return nil }
	require.NoError(t, s.Register("sync-tasks", "*/5 * * * *", noop))
	require.NoError(t, s.Register("sync-profiles", "*/30 * * * *", noop))
	require.NoError(t, s.Register("cleanup-failed-tasks", "0 2 * * *", noop))

	require.NoError(t, s.StartAll())
	for _, st := range s.Status() {
		assert.True(t, st.Scheduled, st.Name)
	}

	require.NoError(t, s.StopAll())
	for _, st := range s.Status() {
		assert.False(t, st.Scheduled, st.Name)
	}
}

func TestStartRejectsBadPattern(t *testing.T) {
	s := New()
	defer shutdown(t, s)

	require.NoError(t, s.Register("broken", "not a pattern", func(context.Context) error { return nil }))
	err := s.Start("broken")
	require.Error(t, err)
}

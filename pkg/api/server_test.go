// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phala-Network/trust-center/pkg/cron"
	"github.com/Phala-Network/trust-center/pkg/queue"
)

type fakeQueueHealth struct {
	stats *queue.Stats
	err   error
}

func (f *fakeQueueHealth) HealthCheck(context.Context) (*queue.Stats, error) {
	return f.stats, f.err
}

type fakeTaskTimes struct {
	latest  *time.Time
	pingErr error
}

func (f *fakeTaskTimes) LatestCompletedAt(context.Context) (*time.Time, error) {
	return f.latest, nil
}

func (f *fakeTaskTimes) Ping(context.Context) error { return f.pingErr }

type fakeCron struct {
	started   []string
	stopped   []string
	triggered []string
	allOn     bool
	allOff    bool
}

func (f *fakeCron) Start(name string) error {
	if name == "missing" {
		return fmt.Errorf("cron: unknown job %q", name)
	}
	f.started = append(f.started, name)
	return nil
}

func (f *fakeCron) Stop(name string) error {
	f.stopped = append(f.stopped, name)
	return nil
}

func (f *fakeCron) Trigger(_ context.Context, name string) error {
	f.triggered = append(f.triggered, name)
	return nil
}

func (f *fakeCron) StartAll() error { f.allOn = true; return nil }
func (f *fakeCron) StopAll() error  { f.allOff = true; return nil }

func (f *fakeCron) Status() []cron.JobStatus {
	return []cron.JobStatus{{Name: "sync-tasks", Pattern: "*/5 * * * *", Scheduled: true}}
}

type fakeRefresher struct{ n int }

func (f *fakeRefresher) ForceRefreshAll(context.Context) (int, error) {
	f.n = 7
	return 7, nil
}

func newTestServer(t *testing.T) (*Server, *fakeCron, *fakeRefresher, *fakeTaskTimes, *fakeQueueHealth) {
	t.Helper()
	qh := &fakeQueueHealth{stats: &queue.Stats{Pending: 2}}
	tt := &fakeTaskTimes{}
	fc := &fakeCron{}
	fr := &fakeRefresher{}
	s, err := New("localhost:0", qh, tt, fc, fr, "secret-key")
	require.NoError(t, err)
	return s, fc, fr, tt, qh
}

func do(t *testing.T, s *Server, method, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "trust-center", body["service"])
	_, err := time.Parse(time.RFC3339, body["timestamp"])
	assert.NoError(t, err)
}

func TestHealthDetailed(t *testing.T) {
	s, _, _, tt, _ := newTestServer(t)
	latest := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	tt.latest = &latest

	rec := do(t, s, http.MethodGet, "/health/detailed", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2026-08-24T10:00:00Z", body["latestCompletedReportTime"])
	queueStats := body["queue"].(map[string]interface{})
	assert.EqualValues(t, 2, queueStats["pending"])
}

func TestHealthDetailedDegraded(t *testing.T) {
	s, _, _, tt, qh := newTestServer(t)
	tt.pingErr = fmt.Errorf("connection refused")
	qh.err = fmt.Errorf("redis down")

	rec := do(t, s, http.MethodGet, "/health/detailed", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "degraded")
}

func TestCronRoutesRequireKey(t *testing.T) {
	s, fc, _, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/cron/start/sync-tasks", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodPost, "/cron/start/sync-tasks", "wrong-key")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, fc.started)

	rec = do(t, s, http.MethodPost, "/cron/start/sync-tasks", "secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sync-tasks"}, fc.started)
}

func TestCronEmptyKeyLocksAdminRoutes(t *testing.T) {
	qh := &fakeQueueHealth{stats: &queue.Stats{}}
	s, err := New("localhost:0", qh, &fakeTaskTimes{}, &fakeCron{}, &fakeRefresher{}, "")
	require.NoError(t, err)

	rec := do(t, s, http.MethodGet, "/cron/status", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCronUnknownJobIs404(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodPost, "/cron/start/missing", "secret-key")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCronTriggerAndStatus(t *testing.T) {
	s, fc, _, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/cron/trigger/sync-profiles", "secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"sync-profiles"}, fc.triggered)

	rec = do(t, s, http.MethodGet, "/cron/status", "secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sync-tasks")
}

func TestCronStartAllStopAll(t *testing.T) {
	s, fc, _, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/cron/start-all", "secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fc.allOn)

	rec = do(t, s, http.MethodPost, "/cron/stop-all", "secret-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, fc.allOff)
}

func TestForceRefresh(t *testing.T) {
	s, _, fr, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/cron/force-refresh-apps", "secret-key")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, fr.n)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 7, body["enqueued"])
}

func TestMetricsExposed(t *testing.T) {
	s, _, _, _, _ := newTestServer(t)
	rec := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

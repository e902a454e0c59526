// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package syncer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phala-Network/trust-center/pkg/metabase"
	"github.com/Phala-Network/trust-center/pkg/queue"
	"github.com/Phala-Network/trust-center/pkg/store"
)

type fakeInventory struct {
	apps     []metabase.AppRow
	profiles []metabase.ProfileRow
	err      error
}

func (f *fakeInventory) FetchApps(context.Context) ([]metabase.AppRow, error) {
	return f.apps, f.err
}

func (f *fakeInventory) FetchProfiles(context.Context) ([]metabase.ProfileRow, error) {
	return f.profiles, f.err
}

type fakeAppStore struct {
	upserted    []store.App
	presentIDs  []string
	profiles    []store.Profile
	staleCutoff time.Time
	needing     []store.App
	valid       []store.App
}

func (f *fakeAppStore) UpsertApps(_ context.Context, apps []store.App) error {
	f.upserted = apps
	return nil
}

func (f *fakeAppStore) MarkMissingDeleted(_ context.Context, ids []string) (int64, error) {
	f.presentIDs = ids
	return 1, nil
}

func (f *fakeAppStore) UpsertProfiles(_ context.Context, profiles []store.Profile) error {
	f.profiles = profiles
	return nil
}

func (f *fakeAppStore) DeleteStaleProfiles(_ context.Context, cutoff time.Time) (int64, error) {
	f.staleCutoff = cutoff
	return 0, nil
}

func (f *fakeAppStore) AppsNeedingVerification(context.Context) ([]store.App, error) {
	return f.needing, nil
}

func (f *fakeAppStore) ValidApps(context.Context) ([]store.App, error) {
	return f.valid, nil
}

type fakeJobs struct {
	jobs    []queue.Job
	dupEach bool
}

func (f *fakeJobs) Enqueue(_ context.Context, job queue.Job) (bool, error) {
	f.jobs = append(f.jobs, job)
	if f.dupEach && len(f.jobs)%2 == 0 {
		return false, nil
	}
	return true, nil
}

func chainID(v int64) *int64 { return &v }

func newTestSyncer(t *testing.T, inv *fakeInventory, st *fakeAppStore, jobs *fakeJobs) *Syncer {
	t.Helper()
	s, err := New(inv, st, jobs)
	require.NoError(t, err)
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("job-%d", n)
	}
	return s
}

func TestSyncAppsRoutesByVersion(t *testing.T) {
	inv := &fakeInventory{apps: []metabase.AppRow{
		{
			ID: "app-1", Name: "modern", AppID: "0xAB12", BaseImage: "dstack-0.5.3",
			GatewayDomainSuffix: "dstack.example.com", KmsChainID: chainID(8453),
		},
		{
			ID: "app-2", Name: "mid", AppID: "0xcd34", BaseImage: "dstack-0.5.1",
			ContractAddress: "0xcontract", TproxyBaseDomain: "tproxy.example.com",
		},
		{
			ID: "app-3", Name: "legacy", AppID: "0xef56", BaseImage: "dstack-0.3.6",
			TproxyBaseDomain: "tproxy.example.com",
		},
	}}
	st := &fakeAppStore{}
	s := newTestSyncer(t, inv, st, &fakeJobs{})

	n, err := s.SyncApps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	require.Len(t, st.upserted, 3)

	modern := st.upserted[0]
	assert.Equal(t, "0xab12", modern.ContractAddress)
	assert.Equal(t, "dstack.example.com", modern.ModelOrDomain)
	assert.Equal(t, "OnChain", modern.GovernanceKind)
	assert.Equal(t, "Base", modern.GovernanceName)

	mid := st.upserted[1]
	assert.Equal(t, "0xcontract", mid.ContractAddress)
	assert.Equal(t, "tproxy.example.com", mid.ModelOrDomain)
	assert.Equal(t, "HostedBy", mid.GovernanceKind)

	legacy := st.upserted[2]
	assert.Empty(t, legacy.ContractAddress)
	assert.Equal(t, "tproxy.example.com", legacy.ModelOrDomain)

	assert.Equal(t, []string{"app-1", "app-2", "app-3"}, st.presentIDs)
}

func TestSyncAppsKeepsUnparseableImages(t *testing.T) {
	inv := &fakeInventory{apps: []metabase.AppRow{
		{ID: "app-1", Name: "odd", BaseImage: "not-an-image"},
	}}
	st := &fakeAppStore{}
	s := newTestSyncer(t, inv, st, &fakeJobs{})

	_, err := s.SyncApps(context.Background())
	require.NoError(t, err)
	require.Len(t, st.upserted, 1)
	assert.Empty(t, st.upserted[0].ContractAddress)
	assert.Empty(t, st.upserted[0].ModelOrDomain)
	assert.Equal(t, "not-an-image", st.upserted[0].BaseImage)
}

func TestSyncProfiles(t *testing.T) {
	inv := &fakeInventory{profiles: []metabase.ProfileRow{
		{EntityType: "user", EntityID: "u1", Data: []byte(`{"display_name":"Alice"}`)},
	}}
	st := &fakeAppStore{}
	s := newTestSyncer(t, inv, st, &fakeJobs{})
	start := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	n, err := s.SyncProfiles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, st.profiles, 1)
	assert.Equal(t, "u1", st.profiles[0].EntityID)
	assert.Equal(t, start, st.staleCutoff)
}

func TestEnqueueNeededCountsAdded(t *testing.T) {
	st := &fakeAppStore{needing: []store.App{{ID: "app-1"}, {ID: "app-2"}, {ID: "app-3"}}}
	jobs := &fakeJobs{dupEach: true}
	s := newTestSyncer(t, &fakeInventory{}, st, jobs)

	added, err := s.EnqueueNeeded(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	require.Len(t, jobs.jobs, 3)
	assert.False(t, jobs.jobs[0].ForceRefresh)
	assert.Equal(t, "app-1", jobs.jobs[0].AppID)
}

func TestForceRefreshAllSetsHint(t *testing.T) {
	st := &fakeAppStore{valid: []store.App{{ID: "app-1"}}}
	jobs := &fakeJobs{}
	s := newTestSyncer(t, &fakeInventory{}, st, jobs)

	added, err := s.ForceRefreshAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, added)
	require.Len(t, jobs.jobs, 1)
	assert.True(t, jobs.jobs[0].ForceRefresh)
}

func TestSyncAppsFetchError(t *testing.T) {
	inv := &fakeInventory{err: fmt.Errorf("metabase down")}
	s := newTestSyncer(t, inv, &fakeAppStore{}, &fakeJobs{})

	_, err := s.SyncApps(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "metabase down")
}

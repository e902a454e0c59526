// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package syncer mirrors the upstream inventory into the local store and
// feeds the verification queue.
package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Phala-Network/trust-center/pkg/metabase"
	"github.com/Phala-Network/trust-center/pkg/onchain"
	"github.com/Phala-Network/trust-center/pkg/queue"
	"github.com/Phala-Network/trust-center/pkg/store"
	"github.com/Phala-Network/trust-center/pkg/telemetry"
	"github.com/Phala-Network/trust-center/pkg/util/log"
	"github.com/Phala-Network/trust-center/pkg/version"
)

// Inventory reads the upstream records.
type Inventory interface {
	FetchApps(ctx context.Context) ([]metabase.AppRow, error)
	FetchProfiles(ctx context.Context) ([]metabase.ProfileRow, error)
}

// AppStore is the slice of the store the syncer writes through.
type AppStore interface {
	UpsertApps(ctx context.Context, apps []store.App) error
	MarkMissingDeleted(ctx context.Context, presentIDs []string) (int64, error)
	UpsertProfiles(ctx context.Context, profiles []store.Profile) error
	DeleteStaleProfiles(ctx context.Context, syncStart time.Time) (int64, error)
	AppsNeedingVerification(ctx context.Context) ([]store.App, error)
	ValidApps(ctx context.Context) ([]store.App, error)
}

// Jobs enqueues verification work.
type Jobs interface {
	Enqueue(ctx context.Context, job queue.Job) (bool, error)
}

// Syncer ties the inventory, the store and the queue together.
type Syncer struct {
	inventory Inventory
	store     AppStore
	jobs      Jobs
	now       func() time.Time
	newID     func() string
}

// New wires a syncer.
func New(inventory Inventory, appStore AppStore, jobs Jobs) (*Syncer, error) {
	if inventory == nil {
		return nil, fmt.Errorf("syncer: inventory is required")
	}
	if appStore == nil {
		return nil, fmt.Errorf("syncer: store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("syncer: queue is required")
	}
	return &Syncer{
		inventory: inventory,
		store:     appStore,
		jobs:      jobs,
		now:       time.Now,
		newID:     uuid.NewString,
	}, nil
}

// SyncApps mirrors the upstream app inventory. Routing and governance are
// derived here, once per sync, so verification reads them straight from
// the row.
func (s *Syncer) SyncApps(ctx context.Context) (int, error) {
	rows, err := s.inventory.FetchApps(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync apps: %w", err)
	}

	apps := make([]store.App, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		apps = append(apps, s.mapApp(row))
		ids = append(ids, row.ID)
	}

	if err := s.store.UpsertApps(ctx, apps); err != nil {
		return 0, fmt.Errorf("sync apps: %w", err)
	}
	deleted, err := s.store.MarkMissingDeleted(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("sync apps: %w", err)
	}
	if deleted > 0 {
		log.Infof("soft-deleted %d apps missing upstream", deleted)
	}

	telemetry.SyncedAppsTotal.Add(float64(len(apps)))
	log.Infof("synced %d apps from upstream", len(apps))
	return len(apps), nil
}

// mapApp routes one upstream row. A base image that does not parse leaves
// the app unroutable; it is kept in the mirror so operators can see it.
func (s *Syncer) mapApp(row metabase.AppRow) store.App {
	app := store.App{
		ID:                  row.ID,
		Name:                row.Name,
		ConfigType:          row.ConfigType,
		BaseImage:           row.BaseImage,
		KmsContractAddress:  row.KmsContractAddress,
		KmsChainID:          row.KmsChainID,
		GatewayDomainSuffix: row.GatewayDomainSuffix,
	}

	gov := onchain.GovernanceFor(row.KmsChainID)
	app.GovernanceKind = string(gov.Kind)
	app.GovernanceName = gov.Name

	ver, err := version.Parse(row.BaseImage)
	if err != nil {
		log.Warnf("app %s has unparseable base image %q: %v", row.ID, row.BaseImage, err)
		return app
	}
	app.ContractAddress, app.ModelOrDomain = version.NewPolicy(ver).Route(version.UpstreamApp{
		AppID:               row.AppID,
		ContractAddress:     row.ContractAddress,
		GatewayDomainSuffix: row.GatewayDomainSuffix,
		TproxyBaseDomain:    row.TproxyBaseDomain,
	})
	return app
}

// SyncProfiles mirrors the upstream profile set and drops records the
// upstream no longer has.
func (s *Syncer) SyncProfiles(ctx context.Context) (int, error) {
	start := s.now().UTC()
	rows, err := s.inventory.FetchProfiles(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync profiles: %w", err)
	}

	profiles := make([]store.Profile, 0, len(rows))
	for _, row := range rows {
		profiles = append(profiles, store.Profile{
			EntityType: row.EntityType,
			EntityID:   row.EntityID,
			Data:       []byte(row.Data),
		})
	}
	if err := s.store.UpsertProfiles(ctx, profiles); err != nil {
		return 0, fmt.Errorf("sync profiles: %w", err)
	}
	stale, err := s.store.DeleteStaleProfiles(ctx, start)
	if err != nil {
		return 0, fmt.Errorf("sync profiles: %w", err)
	}
	if stale > 0 {
		log.Infof("deleted %d stale profiles", stale)
	}
	return len(profiles), nil
}

// EnqueueNeeded schedules one job per app whose cooldown has lapsed and
// reports how many were actually enqueued.
func (s *Syncer) EnqueueNeeded(ctx context.Context) (int, error) {
	apps, err := s.store.AppsNeedingVerification(ctx)
	if err != nil {
		return 0, fmt.Errorf("enqueue needed: %w", err)
	}
	return s.enqueue(ctx, apps, false)
}

// ForceRefreshAll schedules every valid app regardless of cooldown. The
// force flag travels on the job as a hint; cooldown accounting is untouched.
func (s *Syncer) ForceRefreshAll(ctx context.Context) (int, error) {
	apps, err := s.store.ValidApps(ctx)
	if err != nil {
		return 0, fmt.Errorf("force refresh: %w", err)
	}
	return s.enqueue(ctx, apps, true)
}

func (s *Syncer) enqueue(ctx context.Context, apps []store.App, force bool) (int, error) {
	added := 0
	for _, app := range apps {
		ok, err := s.jobs.Enqueue(ctx, queue.Job{
			ID:           s.newID(),
			AppID:        app.ID,
			ForceRefresh: force,
		})
		if err != nil {
			return added, fmt.Errorf("enqueue app %s: %w", app.ID, err)
		}
		if ok {
			added++
		}
	}
	if added > 0 {
		log.Infof("enqueued %d verification jobs", added)
	}
	return added, nil
}

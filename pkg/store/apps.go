// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/Phala-Network/trust-center/pkg/util/log"
)

const appColumns = `id, name, config_type, base_image, contract_address, model_or_domain,
	kms_contract_address, kms_chain_id, gateway_domain_suffix, governance_kind,
	governance_name, deleted, last_synced_at`

// UpsertApps mirrors the upstream records into the apps table. Batches are
// chunked to stay under the parameter limit; duplicate ids within a batch
// collapse to the last record. Reappearing apps are resurrected.
func (s *Store) UpsertApps(ctx context.Context, apps []App) error {
	apps = dedupeLastWins(apps)
	now := s.now().UTC()

	for start := 0; start < len(apps); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(apps) {
			end = len(apps)
		}
		if err := s.upsertChunk(ctx, apps[start:end], now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertChunk(ctx context.Context, apps []App, now time.Time) error {
	if len(apps) == 0 {
		return nil
	}

	var (
		rows strings.Builder
		args []interface{}
	)
	for i, app := range apps {
		if i > 0 {
			rows.WriteString(", ")
		}
		base := i * 12
		fmt.Fprintf(&rows, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12)
		args = append(args,
			app.ID, app.Name, app.ConfigType, app.BaseImage, app.ContractAddress,
			app.ModelOrDomain, app.KmsContractAddress, app.KmsChainID,
			app.GatewayDomainSuffix, app.GovernanceKind, app.GovernanceName, now)
	}

	query := fmt.Sprintf(`INSERT INTO apps (id, name, config_type, base_image, contract_address,
		model_or_domain, kms_contract_address, kms_chain_id, gateway_domain_suffix,
		governance_kind, governance_name, last_synced_at)
	VALUES %s
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		config_type = EXCLUDED.config_type,
		base_image = EXCLUDED.base_image,
		contract_address = EXCLUDED.contract_address,
		model_or_domain = EXCLUDED.model_or_domain,
		kms_contract_address = EXCLUDED.kms_contract_address,
		kms_chain_id = EXCLUDED.kms_chain_id,
		gateway_domain_suffix = EXCLUDED.gateway_domain_suffix,
		governance_kind = EXCLUDED.governance_kind,
		governance_name = EXCLUDED.governance_name,
		deleted = FALSE,
		last_synced_at = EXCLUDED.last_synced_at`, rows.String())

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert apps chunk: %w", err)
	}
	return nil
}

// MarkMissingDeleted soft-deletes apps that disappeared from upstream.
func (s *Store) MarkMissingDeleted(ctx context.Context, presentIDs []string) (int64, error) {
	if len(presentIDs) == 0 {
		log.Warnf("upstream reported zero apps, skipping the deletion pass")
		return 0, nil
	}

	query, args, err := sqlx.In(`UPDATE apps SET deleted = TRUE WHERE deleted = FALSE AND id NOT IN (?)`, presentIDs)
	if err != nil {
		return 0, fmt.Errorf("build deletion query: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("mark missing apps deleted: %w", err)
	}
	return res.RowsAffected()
}

// GetApp loads one app; a missing row returns sql.ErrNoRows.
func (s *Store) GetApp(ctx context.Context, id string) (*App, error) {
	var app App
	err := s.db.GetContext(ctx, &app, `SELECT `+appColumns+` FROM apps WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	return &app, nil
}

// ValidApps returns apps that version routing left verifiable.
func (s *Store) ValidApps(ctx context.Context) ([]App, error) {
	var apps []App
	err := s.db.SelectContext(ctx, &apps, `SELECT `+appColumns+` FROM apps
		WHERE deleted = FALSE AND contract_address <> '' AND model_or_domain <> ''
		ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select valid apps: %w", err)
	}
	return apps, nil
}

// AppsNeedingVerification returns valid apps whose latest task is either
// absent or older than its cooldown: 24h after completion, 30min after
// failure or cancellation. Cancelled tasks share the failure cooldown so
// an app that becomes verifiable again is picked up on the next sweep.
// One query; "latest" is the newest task per app.
func (s *Store) AppsNeedingVerification(ctx context.Context) ([]App, error) {
	now := s.now().UTC()
	var apps []App
	err := s.db.SelectContext(ctx, &apps, `
		SELECT `+prefixColumns(appColumns, "a")+` FROM apps a
		LEFT JOIN (
			SELECT app_id, status, finished_at,
				ROW_NUMBER() OVER (PARTITION BY app_id ORDER BY created_at DESC) AS rn
			FROM verification_tasks
		) latest ON latest.app_id = a.id AND latest.rn = 1
		WHERE a.deleted = FALSE
			AND a.contract_address <> ''
			AND a.model_or_domain <> ''
			AND (
				latest.app_id IS NULL
				OR (latest.status = 'completed' AND latest.finished_at < $1)
				OR (latest.status IN ('failed', 'cancelled') AND latest.finished_at < $2)
			)
		ORDER BY a.id`,
		now.Add(-CompletedCooldown), now.Add(-FailedCooldown))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("select apps needing verification: %w", err)
	}
	return apps, nil
}

func dedupeLastWins(apps []App) []App {
	index := make(map[string]int, len(apps))
	var out []App
	for _, app := range apps {
		if i, ok := index[app.ID]; ok {
			out[i] = app
			continue
		}
		index[app.ID] = len(out)
		out = append(out, app)
	}
	return out
}

func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

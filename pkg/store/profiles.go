// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// UpsertProfiles mirrors upstream profile records, keyed by entity type and
// id.
func (s *Store) UpsertProfiles(ctx context.Context, profiles []Profile) error {
	now := s.now().UTC()
	for start := 0; start < len(profiles); start += upsertChunkSize {
		end := start + upsertChunkSize
		if end > len(profiles) {
			end = len(profiles)
		}
		if err := s.upsertProfileChunk(ctx, profiles[start:end], now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertProfileChunk(ctx context.Context, profiles []Profile, now time.Time) error {
	if len(profiles) == 0 {
		return nil
	}

	var (
		rows strings.Builder
		args []interface{}
	)
	for i, p := range profiles {
		if i > 0 {
			rows.WriteString(", ")
		}
		base := i * 4
		fmt.Fprintf(&rows, "($%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4)
		args = append(args, p.EntityType, p.EntityID, p.Data, now)
	}

	query := fmt.Sprintf(`INSERT INTO profiles (entity_type, entity_id, data, updated_at)
	VALUES %s
	ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		data = EXCLUDED.data,
		updated_at = EXCLUDED.updated_at`, rows.String())

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert profiles chunk: %w", err)
	}
	return nil
}

// DeleteStaleProfiles removes profiles not touched since the given sync
// start; callers run it right after a full upsert pass.
func (s *Store) DeleteStaleProfiles(ctx context.Context, syncStart time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM profiles WHERE updated_at < $1`, syncStart.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale profiles: %w", err)
	}
	return res.RowsAffected()
}

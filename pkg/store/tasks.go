// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Phala-Network/trust-center/pkg/util/log"
)

const pgUniqueViolation = "23505"

// CreateTask inserts a verification task. A duplicate id is a warning, not
// an error: enqueue and worker may race on task creation.
func (s *Store) CreateTask(ctx context.Context, task Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = s.now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO verification_tasks
		(id, app_id, status, queue_job_id, created_at, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.AppID, task.Status, task.QueueJobID, task.CreatedAt, task.StartedAt)
	if err != nil {
		if isUniqueViolation(err) {
			log.Warnf("task %s already exists, keeping the existing row", task.ID)
			return nil
		}
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// UpdateTask applies a partial update and reports whether a row changed.
// A missing row is a warning; task updates are best effort by design.
func (s *Store) UpdateTask(ctx context.Context, id string, patch TaskPatch) (bool, error) {
	var (
		sets []string
		args []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ErrorMessage != nil {
		add("error_message", *patch.ErrorMessage)
	}
	if patch.S3Bucket != nil {
		add("s3_bucket", *patch.S3Bucket)
	}
	if patch.S3Key != nil {
		add("s3_key", *patch.S3Key)
	}
	if patch.S3Filename != nil {
		add("s3_filename", *patch.S3Filename)
	}
	if patch.DataObjectIDs != nil {
		ids, err := json.Marshal(patch.DataObjectIDs)
		if err != nil {
			return false, fmt.Errorf("encode data object ids: %w", err)
		}
		add("data_object_ids", ids)
	}
	if patch.StartedAt != nil {
		add("started_at", *patch.StartedAt)
	}
	if patch.FinishedAt != nil {
		add("finished_at", *patch.FinishedAt)
	}
	if len(sets) == 0 {
		return false, nil
	}

	args = append(args, id)
	query := fmt.Sprintf("UPDATE verification_tasks SET %s WHERE id = $%d",
		strings.Join(sets, ", "), len(args))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update task %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		log.Warnf("task %s not found for update", id)
	}
	return n > 0, nil
}

// LatestCompletedAt returns when the newest completed task finished, or nil
// when none has.
func (s *Store) LatestCompletedAt(ctx context.Context) (*time.Time, error) {
	var finished time.Time
	err := s.db.GetContext(ctx, &finished, `SELECT finished_at FROM verification_tasks
		WHERE status = $1 AND finished_at IS NOT NULL
		ORDER BY finished_at DESC LIMIT 1`, TaskCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select latest completed task: %w", err)
	}
	return &finished, nil
}

// CleanupFailedTasks deletes failed and cancelled tasks older than the
// cutoff and returns how many went away.
func (s *Store) CleanupFailedTasks(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx, `DELETE FROM verification_tasks
		WHERE status IN ($1, $2) AND created_at < $3`,
		TaskFailed, TaskCancelled, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup failed tasks: %w", err)
	}
	return res.RowsAffected()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	// Fallback for drivers that do not expose structured errors.
	return strings.Contains(err.Error(), "duplicate key")
}

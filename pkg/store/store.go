// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package store persists the app mirror, verification tasks and profiles
// in Postgres.
package store

import (
	"context"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

const (
	// upsertChunkSize keeps multi-row upserts under the driver's
	// parameter limit.
	upsertChunkSize = 100

	// CompletedCooldown blocks re-verification after a successful task.
	CompletedCooldown = 24 * time.Hour
	// FailedCooldown blocks re-verification after a failed task.
	FailedCooldown = 30 * time.Minute
)

// Store wraps the database handle. The zero value is not usable; construct
// with Open or New.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open connects to Postgres and pings it.
func Open(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return New(db), nil
}

// New wraps an existing handle, used by tests.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package store

import (
	"time"

	"github.com/jmoiron/sqlx/types"
)

// App is one row of the upstream inventory mirror.
type App struct {
	ID                  string    `db:"id" json:"id"`
	Name                string    `db:"name" json:"name"`
	ConfigType          string    `db:"config_type" json:"config_type"`
	BaseImage           string    `db:"base_image" json:"base_image"`
	ContractAddress     string    `db:"contract_address" json:"contract_address"`
	ModelOrDomain       string    `db:"model_or_domain" json:"model_or_domain"`
	KmsContractAddress  string    `db:"kms_contract_address" json:"kms_contract_address"`
	KmsChainID          *int64    `db:"kms_chain_id" json:"kms_chain_id"`
	GatewayDomainSuffix string    `db:"gateway_domain_suffix" json:"gateway_domain_suffix"`
	GovernanceKind      string    `db:"governance_kind" json:"governance_kind"`
	GovernanceName      string    `db:"governance_name" json:"governance_name"`
	Deleted             bool      `db:"deleted" json:"deleted"`
	LastSyncedAt        time.Time `db:"last_synced_at" json:"last_synced_at"`
}

// Valid reports whether the app can be verified at all: version routing
// produced a contract address and a reachable domain.
func (a App) Valid() bool {
	return a.ContractAddress != "" && a.ModelOrDomain != "" && !a.Deleted
}

// TaskStatus is the lifecycle state of a verification task.
type TaskStatus string

// Task states; transitions are monotonic pending -> active -> terminal.
const (
	TaskPending   TaskStatus = "pending"
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Task is one verification attempt.
type Task struct {
	ID            string         `db:"id" json:"id"`
	AppID         string         `db:"app_id" json:"app_id"`
	Status        TaskStatus     `db:"status" json:"status"`
	QueueJobID    string         `db:"queue_job_id" json:"queue_job_id"`
	ErrorMessage  *string        `db:"error_message" json:"error_message,omitempty"`
	S3Bucket      *string        `db:"s3_bucket" json:"s3_bucket,omitempty"`
	S3Key         *string        `db:"s3_key" json:"s3_key,omitempty"`
	S3Filename    *string        `db:"s3_filename" json:"s3_filename,omitempty"`
	DataObjectIDs types.JSONText `db:"data_object_ids" json:"data_object_ids,omitempty"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	StartedAt     *time.Time     `db:"started_at" json:"started_at,omitempty"`
	FinishedAt    *time.Time     `db:"finished_at" json:"finished_at,omitempty"`
}

// TaskPatch is a partial task update; nil fields are left untouched.
type TaskPatch struct {
	Status        *TaskStatus
	ErrorMessage  *string
	S3Bucket      *string
	S3Key         *string
	S3Filename    *string
	DataObjectIDs []string
	StartedAt     *time.Time
	FinishedAt    *time.Time
}

// Profile is one upstream profile record, keyed by entity.
type Profile struct {
	EntityType string         `db:"entity_type" json:"entity_type"`
	EntityID   string         `db:"entity_id" json:"entity_id"`
	Data       types.JSONText `db:"data" json:"data"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

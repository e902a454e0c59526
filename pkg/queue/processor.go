// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Phala-Network/trust-center/pkg/artifact"
	"github.com/Phala-Network/trust-center/pkg/store"
	"github.com/Phala-Network/trust-center/pkg/util/log"
	"github.com/Phala-Network/trust-center/pkg/verification"
	"github.com/Phala-Network/trust-center/pkg/verifier"
)

// TaskStore is the slice of the store the processor writes through.
type TaskStore interface {
	GetApp(ctx context.Context, id string) (*store.App, error)
	CreateTask(ctx context.Context, task store.Task) error
	UpdateTask(ctx context.Context, id string, patch store.TaskPatch) (bool, error)
}

// ReportSink stores a finished report and says where it went.
type ReportSink interface {
	UploadJSON(ctx context.Context, payload interface{}) (*artifact.Location, error)
}

// Verifier runs one verification and always yields a report.
type Verifier interface {
	Verify(ctx context.Context, req verification.Request) *verification.Report
}

// Processor turns queue jobs into verification tasks: it re-checks the app,
// tracks the task row, runs the chain and stores the report.
type Processor struct {
	tasks      TaskStore
	sink       ReportSink
	newService func() Verifier
	flags      *verifier.Flags
	now        func() time.Time
}

// NewProcessor wires a processor. newService must return a fresh verifier
// per call; services hold per-run state and cannot be shared.
func NewProcessor(tasks TaskStore, sink ReportSink, newService func() Verifier, flags *verifier.Flags) (*Processor, error) {
	if tasks == nil {
		return nil, fmt.Errorf("processor: task store is required")
	}
	if sink == nil {
		return nil, fmt.Errorf("processor: report sink is required")
	}
	if newService == nil {
		return nil, fmt.Errorf("processor: service factory is required")
	}
	return &Processor{
		tasks:      tasks,
		sink:       sink,
		newService: newService,
		flags:      flags,
		now:        time.Now,
	}, nil
}

// Process handles one job. Verification outcomes land in the task row; only
// infrastructure trouble comes back as an error so the queue can retry.
func (p *Processor) Process(ctx context.Context, job Job) error {
	app, err := p.tasks.GetApp(ctx, job.AppID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Warnf("job %s: app %s is gone, dropping", job.ID, job.AppID)
		return fmt.Errorf("%w: app %s no longer exists", ErrUnrecoverable, job.AppID)
	}
	if err != nil {
		return fmt.Errorf("load app %s: %w", job.AppID, err)
	}

	started := p.now().UTC()
	if !app.Valid() {
		// The app may have been routed invalid or soft-deleted after the
		// job was enqueued.
		if err := p.tasks.CreateTask(ctx, p.baseTask(job, started, store.TaskCancelled)); err != nil {
			return err
		}
		p.patch(ctx, job.ID, p.terminalPatch(store.TaskCancelled, "app is not verifiable"))
		return nil
	}

	if err := p.tasks.CreateTask(ctx, p.baseTask(job, started, store.TaskActive)); err != nil {
		return err
	}

	flags := p.flags
	if job.Flags != nil {
		flags = job.Flags
	}
	report := p.newService().Verify(ctx, verification.Request{
		AppID:           app.ID,
		ContractAddress: app.ContractAddress,
		ModelOrDomain:   app.ModelOrDomain,
		Flags:           flags,
	})

	if !report.Success || len(report.Failures) > 0 {
		// The report carries the diagnosis; retrying through the queue
		// would only race the 30-minute failure cooldown. Component
		// failures fail the task even though the report itself was
		// produced cleanly.
		p.patch(ctx, job.ID, p.terminalPatch(store.TaskFailed, diagnosis(report)))
		return nil
	}

	loc, err := p.sink.UploadJSON(ctx, report)
	if err != nil {
		p.patch(ctx, job.ID, p.terminalPatch(store.TaskFailed, "post-processing failed: "+err.Error()))
		return fmt.Errorf("upload report for app %s: %w", job.AppID, err)
	}

	finished := p.now().UTC()
	status := store.TaskCompleted
	p.patch(ctx, job.ID, store.TaskPatch{
		Status:        &status,
		S3Bucket:      &loc.Bucket,
		S3Key:         &loc.Key,
		S3Filename:    &loc.Filename,
		DataObjectIDs: objectIDs(report),
		FinishedAt:    &finished,
	})
	log.Infof("job %s: app %s verified, report at %s/%s", job.ID, job.AppID, loc.Bucket, loc.Key)
	return nil
}

func (p *Processor) baseTask(job Job, started time.Time, status store.TaskStatus) store.Task {
	return store.Task{
		ID:         job.ID,
		AppID:      job.AppID,
		Status:     status,
		QueueJobID: job.ID,
		CreatedAt:  started,
		StartedAt:  &started,
	}
}

func (p *Processor) terminalPatch(status store.TaskStatus, message string) store.TaskPatch {
	finished := p.now().UTC()
	return store.TaskPatch{
		Status:       &status,
		ErrorMessage: &message,
		FinishedAt:   &finished,
	}
}

// patch applies a task update; persistence trouble here must not mask the
// verification outcome, so it is logged and swallowed.
func (p *Processor) patch(ctx context.Context, id string, patch store.TaskPatch) {
	if _, err := p.tasks.UpdateTask(ctx, id, patch); err != nil {
		log.Errorf("update task %s: %v", id, err)
	}
}

// diagnosis flattens a failed report into one error message, top-level
// errors first, then per-component failures.
func diagnosis(report *verification.Report) string {
	var msgs []string
	for _, e := range report.Errors {
		msgs = append(msgs, e.Message)
	}
	for _, f := range report.Failures {
		msgs = append(msgs, fmt.Sprintf("%s: %s", f.ComponentID, f.Error))
	}
	if len(msgs) == 0 {
		return "Unknown verification error occurred"
	}
	return strings.Join(msgs, "; ")
}

func objectIDs(report *verification.Report) []string {
	ids := make([]string, 0, len(report.DataObjects))
	for _, obj := range report.DataObjects {
		ids = append(ids, obj.ID)
	}
	return ids
}

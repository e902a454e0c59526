// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package verification drives one attestation verification end to end:
// fact gathering, chain execution, relationship wiring and report assembly.
package verification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Phala-Network/trust-center/pkg/dataobject"
	"github.com/Phala-Network/trust-center/pkg/fetcher"
	"github.com/Phala-Network/trust-center/pkg/telemetry"
	"github.com/Phala-Network/trust-center/pkg/util/log"
	"github.com/Phala-Network/trust-center/pkg/verifier"
)

// Request identifies the app to verify and optionally overrides the step
// flags.
type Request struct {
	AppID           string
	ContractAddress string
	ModelOrDomain   string
	Flags           *verifier.Flags
}

// ErrorEntry is one top-level error in the report.
type ErrorEntry struct {
	Message string `json:"message"`
}

// Report is the final verification artifact.
type Report struct {
	DataObjects []dataobject.Object `json:"dataObjects"`
	CompletedAt string              `json:"completedAt"`
	Errors      []ErrorEntry        `json:"errors"`
	Failures    []verifier.Failure  `json:"failures"`
	Success     bool                `json:"success"`
}

// CommitResolver maps a release tag to its git commit.
type CommitResolver interface {
	Resolve(ctx context.Context, tag string) (string, error)
}

// Service runs one verification at a time over a private collector. A
// service must not be shared between concurrent verifications; workers
// construct a fresh one per task.
type Service struct {
	deps      verifier.Deps
	commits   CommitResolver
	collector *dataobject.Collector
	now       func() time.Time
}

// NewService returns a verification service. commits may be nil, commit
// resolution is best effort.
func NewService(deps verifier.Deps, commits CommitResolver) *Service {
	return &Service{
		deps:      deps,
		commits:   commits,
		collector: dataobject.NewCollector(nil),
		now:       time.Now,
	}
}

// Verify runs the chain for the requested app. It always returns a report;
// catastrophic errors surface as report errors, not as a Go error.
func (s *Service) Verify(ctx context.Context, req Request) *Report {
	started := s.now()
	s.collector.Clear()

	flags := verifier.DefaultFlags()
	if req.Flags != nil {
		flags = *req.Flags
	}

	var topErrors []ErrorEntry
	var failures []verifier.Failure

	system, err := s.deps.SystemInfo.FetchSystemInfo(ctx, req.AppID)
	if err != nil {
		topErrors = append(topErrors, ErrorEntry{Message: mapError(err)})
		return s.finish(started, topErrors, failures)
	}

	policy, err := verifier.ChainPolicy(system)
	if err != nil {
		topErrors = append(topErrors, ErrorEntry{Message: mapError(err)})
		return s.finish(started, topErrors, failures)
	}

	appCfg := verifier.AppConfig{
		AppID:           req.AppID,
		ContractAddress: req.ContractAddress,
		ModelOrDomain:   req.ModelOrDomain,
		GitCommit:       s.resolveCommit(ctx, policy.Version().String()),
	}

	chain, err := verifier.BuildChain(s.collector, s.deps, appCfg, system)
	if err != nil {
		topErrors = append(topErrors, ErrorEntry{Message: mapError(err)})
		return s.finish(started, topErrors, failures)
	}

	out := verifier.ExecuteChain(ctx, chain, flags)
	for _, msg := range out.Errors {
		topErrors = append(topErrors, ErrorEntry{Message: mapError(errors.New(msg))})
	}
	failures = append(failures, out.Failures...)

	verifier.WireRelationships(s.collector, policy.SupportsOnchainKMS())
	return s.finish(started, topErrors, failures)
}

// resolveCommit turns the image version into a release commit. Failures are
// logged and ignored: a missing commit must never fail a verification.
func (s *Service) resolveCommit(ctx context.Context, ver string) string {
	if s.commits == nil {
		return ""
	}
	commit, err := s.commits.Resolve(ctx, "v"+ver)
	if err != nil {
		log.Warnf("resolve release commit for v%s: %v", ver, err)
		return ""
	}
	return commit
}

func (s *Service) finish(started time.Time, topErrors []ErrorEntry, failures []verifier.Failure) *Report {
	success := len(topErrors) == 0

	result := "success"
	if !success || len(failures) > 0 {
		result = "failure"
	}
	telemetry.VerificationsTotal.WithLabelValues(result).Inc()
	telemetry.VerificationDuration.Observe(s.now().Sub(started).Seconds())

	if topErrors == nil {
		topErrors = []ErrorEntry{}
	}
	if failures == nil {
		failures = []verifier.Failure{}
	}
	return &Report{
		DataObjects: dataobject.MaskObjects(s.collector.Objects()),
		CompletedAt: s.now().UTC().Format(time.RFC3339),
		Errors:      topErrors,
		Failures:    failures,
		Success:     success,
	}
}

// mapError normalizes raw error text into the report's user-facing shape.
func mapError(err error) string {
	if err == nil {
		return "Unknown verification error occurred"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "invalid URL"):
		return fmt.Sprintf("Verification failed due to invalid URL configuration: %s", msg)
	case errors.Is(err, fetcher.ErrUnavailable) || strings.Contains(msg, "Failed to fetch"):
		return fmt.Sprintf("Network error during verification: %s", msg)
	case msg != "":
		return msg
	default:
		return "Unknown verification error occurred"
	}
}

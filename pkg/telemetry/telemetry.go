// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package telemetry declares the service's prometheus metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VerificationsTotal counts finished verifications by result.
	VerificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_center",
		Name:      "verifications_total",
		Help:      "Finished verifications by result",
	}, []string{"result"})

	// VerificationDuration observes wall-clock verification time.
	VerificationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "trust_center",
		Name:      "verification_duration_seconds",
		Help:      "Wall-clock duration of verifications",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	// QueueJobsTotal counts queue jobs by terminal status.
	QueueJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_center",
		Name:      "queue_jobs_total",
		Help:      "Queue jobs by terminal status",
	}, []string{"status"})

	// QueueDepth tracks the pending queue length.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "trust_center",
		Name:      "queue_depth",
		Help:      "Jobs waiting in the verification queue",
	})

	// ITARequestsTotal counts ITA appraisal outcomes, cache hits included.
	ITARequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trust_center",
		Name:      "ita_requests_total",
		Help:      "ITA appraisal requests by outcome",
	}, []string{"outcome"})

	// SyncedAppsTotal counts apps mirrored from upstream per sync run.
	SyncedAppsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "trust_center",
		Name:      "synced_apps_total",
		Help:      "Apps upserted from the upstream inventory",
	})
)

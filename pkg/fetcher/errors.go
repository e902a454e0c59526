// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package fetcher gathers external facts for verifications: attestation
// endpoints, gateway rpc, certificate transparency logs, Intel Trust
// Authority appraisals, trusted measurement tools and OS image downloads.
package fetcher

import "errors"

var (
	// ErrAppNotFound means the cloud endpoint has no attestation data for
	// the app. HTTP 500 from the endpoint is mapped here as well.
	ErrAppNotFound = errors.New("app not found")

	// ErrUnavailable means the endpoint could not be reached.
	ErrUnavailable = errors.New("attestation endpoint unavailable")

	// ErrNoRunningInstances means every reported instance was missing a
	// quote, an event log or an image version.
	ErrNoRunningInstances = errors.New("no running instances with complete attestation data")
)

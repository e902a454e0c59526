// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package version parses dstack base-image versions and centralizes the
// feature gates that depend on them. Every call site that branches on a
// version consults a Policy instead of comparing strings.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	baseImageRe  = regexp.MustCompile(`^dstack(?:-(dev|nvidia|nvidia-dev))?-(\d+)\.(\d+)\.(\d+)(?:\.(\d+))?$`)
	kmsVersionRe = regexp.MustCompile(`^v(\d+)\.(\d+)\.(\d+)(?:\.(\d+))?\s*(?:\(git:([0-9a-fA-F]+)\))?$`)
)

// Version is a parsed dstack image version.
type Version struct {
	Major int
	Minor int
	Patch int
	Build int

	// Flavor flags carried by the base image name.
	Dev    bool
	Nvidia bool
}

// Parse parses a base image name of the form
// dstack[-dev|-nvidia[-dev]]-<major>.<minor>.<patch>[.<build>].
func Parse(baseImage string) (Version, error) {
	m := baseImageRe.FindStringSubmatch(strings.TrimSpace(baseImage))
	if m == nil {
		return Version{}, fmt.Errorf("unrecognized base image %q", baseImage)
	}

	v := Version{
		Dev:    strings.Contains(m[1], "dev"),
		Nvidia: strings.Contains(m[1], "nvidia"),
	}
	v.Major, _ = strconv.Atoi(m[2])
	v.Minor, _ = strconv.Atoi(m[3])
	v.Patch, _ = strconv.Atoi(m[4])
	if m[5] != "" {
		v.Build, _ = strconv.Atoi(m[5])
	}
	return v, nil
}

// ParseKmsVersion parses a KMS-reported version string such as
// "v0.5.3 (git:c06e524bd460fd9c9add)". The git revision may be absent.
func ParseKmsVersion(s string) (Version, string, error) {
	m := kmsVersionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, "", fmt.Errorf("unrecognized kms version %q", s)
	}

	var v Version
	v.Major, _ = strconv.Atoi(m[1])
	v.Minor, _ = strconv.Atoi(m[2])
	v.Patch, _ = strconv.Atoi(m[3])
	if m[4] != "" {
		v.Build, _ = strconv.Atoi(m[4])
	}
	return v, strings.ToLower(m[5]), nil
}

func (v Version) String() string {
	if v.Build != 0 {
		return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
	}
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Compare returns -1, 0 or 1 comparing v against (major, minor, patch).
func (v Version) Compare(major, minor, patch int) int {
	if v.Major != major {
		return sign(v.Major - major)
	}
	if v.Minor != minor {
		return sign(v.Minor - minor)
	}
	return sign(v.Patch - patch)
}

// AtLeast reports whether v >= major.minor.patch.
func (v Version) AtLeast(major, minor, patch int) bool {
	return v.Compare(major, minor, patch) >= 0
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}

// Policy answers the feature questions that depend on the image version.
type Policy struct {
	v Version
}

// NewPolicy returns the policy for a parsed version.
func NewPolicy(v Version) Policy {
	return Policy{v: v}
}

// Version returns the underlying parsed version.
func (p Policy) Version() Version {
	return p.v
}

// SupportsInfoRPC reports whether the guest agent exposes /prpc/Info.
// Older images only expose /prpc/Worker.Info.
func (p Policy) SupportsInfoRPC() bool {
	return p.v.AtLeast(0, 5, 0)
}

// SupportsOnchainKMS reports whether the KMS root of trust lives on-chain.
func (p Policy) SupportsOnchainKMS() bool {
	return p.v.AtLeast(0, 5, 3)
}

// IsLegacy reports whether the image predates the on-chain KMS. Legacy
// images get stub KMS and gateway verifiers.
func (p Policy) IsLegacy() bool {
	return !p.SupportsOnchainKMS()
}

// UpstreamApp carries the upstream fields consulted by the routing rule.
type UpstreamApp struct {
	AppID               string
	ContractAddress     string
	GatewayDomainSuffix string
	TproxyBaseDomain    string
}

// Route derives the effective contract address and model-or-domain for an
// app. The derivation is a pure function of the upstream record and the
// image version:
//
//	>= 0.5.3     0x<app_id>                  gateway domain suffix
//	0.5.1-0.5.2  upstream contract address   tproxy base domain
//	< 0.5.1      "" (invalid)                tproxy base domain
func (p Policy) Route(app UpstreamApp) (contractAddress, modelOrDomain string) {
	switch {
	case p.v.AtLeast(0, 5, 3):
		addr := strings.TrimPrefix(strings.ToLower(app.AppID), "0x")
		return "0x" + addr, app.GatewayDomainSuffix
	case p.v.AtLeast(0, 5, 1):
		return app.ContractAddress, app.TproxyBaseDomain
	default:
		return "", app.TproxyBaseDomain
	}
}

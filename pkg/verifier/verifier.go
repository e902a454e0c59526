// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package verifier implements the attestation verifier chain: KMS, gateway
// and application verifiers that each check hardware, operating system and
// source code evidence, writing data objects into a per-verification
// collector as they go.
package verifier

import (
	"context"
	"fmt"

	"github.com/Phala-Network/trust-center/pkg/util/log"
)

// Failure attributes a deterministic check failure to a component.
type Failure struct {
	ComponentID string `json:"componentId"`
	Error       string `json:"error"`
}

// Result is the outcome of one verification step. OK is false iff Failures
// is non-empty.
type Result struct {
	OK       bool
	Failures []Failure
}

func pass() Result {
	return Result{OK: true}
}

func failures(list ...Failure) Result {
	if len(list) == 0 {
		return pass()
	}
	return Result{Failures: list}
}

func failf(componentID, format string, args ...interface{}) Failure {
	return Failure{ComponentID: componentID, Error: fmt.Sprintf(format, args...)}
}

// Verifier checks one component of a deployment. Steps report deterministic
// findings through Result and reserve the error return for unexpected
// conditions (network faults, tool crashes), which the chain surfaces as
// top-level errors.
type Verifier interface {
	// Name is the component role, also the prefix of its data object ids.
	Name() string
	VerifyHardware(ctx context.Context) (Result, error)
	VerifyOperatingSystem(ctx context.Context) (Result, error)
	VerifySourceCode(ctx context.Context) (Result, error)
}

// DomainVerifier extends Verifier with the domain-control checks only the
// gateway performs.
type DomainVerifier interface {
	Verifier
	VerifyTEEControlledKey(ctx context.Context) (Result, error)
	VerifyCertificateKey(ctx context.Context) (Result, error)
	VerifyDNSCAA(ctx context.Context) (Result, error)
	VerifyCTLog(ctx context.Context) (Result, error)
}

// Flags selects which verification steps run.
type Flags struct {
	Hardware         bool `json:"hardware"`
	OS               bool `json:"os"`
	SourceCode       bool `json:"sourceCode"`
	TEEControlledKey bool `json:"teeControlledKey"`
	CertificateKey   bool `json:"certificateKey"`
	DNSCAA           bool `json:"dnsCAA"`
	CTLog            bool `json:"ctLog"`
}

// DefaultFlags enables every step except the certificate transparency
// lookup, which hits a heavily throttled public aggregator.
func DefaultFlags() Flags {
	return Flags{
		Hardware:         true,
		OS:               true,
		SourceCode:       true,
		TEEControlledKey: true,
		CertificateKey:   true,
		DNSCAA:           true,
		CTLog:            false,
	}
}

// ChainResult aggregates the outcome of a full chain execution. Failures
// are deterministic per-step findings; Errors are unexpected conditions
// (including recovered panics) that prevented a step from finishing.
type ChainResult struct {
	Failures []Failure
	Errors   []string
}

// ExecuteChain runs every enabled step of every verifier in a fixed order:
// hardware, operating system, source code, then the gateway-only domain
// steps. A failing or erroring step never skips the remaining verifiers.
func ExecuteChain(ctx context.Context, chain []Verifier, flags Flags) ChainResult {
	var out ChainResult
	for _, v := range chain {
		runStep(ctx, v.Name(), "hardware", flags.Hardware, v.VerifyHardware, &out)
		runStep(ctx, v.Name(), "operating system", flags.OS, v.VerifyOperatingSystem, &out)
		runStep(ctx, v.Name(), "source code", flags.SourceCode, v.VerifySourceCode, &out)

		dv, ok := v.(DomainVerifier)
		if !ok {
			continue
		}
		runStep(ctx, v.Name(), "tee controlled key", flags.TEEControlledKey, dv.VerifyTEEControlledKey, &out)
		runStep(ctx, v.Name(), "certificate key", flags.CertificateKey, dv.VerifyCertificateKey, &out)
		runStep(ctx, v.Name(), "dns caa", flags.DNSCAA, dv.VerifyDNSCAA, &out)
		runStep(ctx, v.Name(), "ct log", flags.CTLog, dv.VerifyCTLog, &out)
	}
	return out
}

func runStep(ctx context.Context, component, step string, enabled bool, fn func(context.Context) (Result, error), out *ChainResult) {
	if !enabled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("%s %s verification panicked: %v", component, step, r)
			out.Errors = append(out.Errors, fmt.Sprintf("%s %s verification panicked: %v", component, step, r))
		}
	}()

	res, err := fn(ctx)
	if err != nil {
		log.Warnf("%s %s verification errored: %v", component, step, err)
		out.Errors = append(out.Errors, fmt.Sprintf("%s %s verification: %v", component, step, err))
		return
	}
	if len(res.Failures) > 0 {
		log.Debugf("%s %s verification reported %d failures", component, step, len(res.Failures))
		out.Failures = append(out.Failures, res.Failures...)
	}
}

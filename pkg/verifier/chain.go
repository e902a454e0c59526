// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"fmt"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/dataobject"
	"github.com/Phala-Network/trust-center/pkg/version"
)

// ChainPolicy derives the version policy for a deployment from its first
// running instance.
func ChainPolicy(system *attestation.SystemInfo) (version.Policy, error) {
	if system == nil || len(system.Instances) == 0 {
		return version.Policy{}, fmt.Errorf("system info has no running instances")
	}
	v, err := version.Parse(system.Instances[0].ImageVersion)
	if err != nil {
		return version.Policy{}, err
	}
	return version.NewPolicy(v), nil
}

// BuildChain assembles the verifier chain for a deployment. On-chain
// governed images get the full KMS and gateway verifiers; older images get
// stubs for both, the app itself is always verified.
func BuildChain(collector *dataobject.Collector, deps Deps, app AppConfig, system *attestation.SystemInfo) ([]Verifier, error) {
	policy, err := ChainPolicy(system)
	if err != nil {
		return nil, err
	}
	instance := system.Instances[0]

	appVerifier, err := NewAppVerifier(collector, deps, app, instance, policy)
	if err != nil {
		return nil, err
	}

	if !policy.SupportsOnchainKMS() {
		return []Verifier{
			NewLegacyKmsVerifier(collector),
			NewLegacyGatewayVerifier(collector),
			appVerifier,
		}, nil
	}

	kms, err := NewKmsVerifier(collector, deps, system.KmsInfo)
	if err != nil {
		return nil, fmt.Errorf("build kms verifier: %w", err)
	}
	gateway, err := NewGatewayVerifier(collector, deps, system.KmsInfo.GatewayAppID, system.KmsInfo.GatewayAppURL)
	if err != nil {
		return nil, fmt.Errorf("build gateway verifier: %w", err)
	}
	return []Verifier{kms, gateway, appVerifier}, nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"context"
	"sync"

	"github.com/Phala-Network/trust-center/pkg/dataobject"
)

const dstackRepo = "https://github.com/Dstack-TEE/dstack"

// legacyStub emits a fixed set of descriptive objects for components that
// predate on-chain governance. Images before 0.5.3 expose no registry to
// verify against, so the stub records what the component is without making
// claims the evidence cannot back.
type legacyStub struct {
	base
	displayName string

	emitOnce sync.Once
}

func newLegacyStub(collector *dataobject.Collector, role, displayName string) *legacyStub {
	return &legacyStub{
		base:        base{role: role, collector: collector},
		displayName: displayName,
	}
}

func (v *legacyStub) emitObjects() {
	v.emitOnce.Do(func() {
		v.emit("main", v.displayName, "Hosted "+v.displayName+" on a pre-0.5.3 image",
			map[string]interface{}{
				"hosted_by": "Phala Network",
			})
		v.emit("source", v.displayName+" Source Code", "Upstream source of the hosted component",
			map[string]interface{}{
				"github_repo": dstackRepo,
			})
		v.emit("cpu", v.displayName+" CPU", "Intel TDX trust domain hardware",
			map[string]interface{}{
				"manufacturer":     "Intel Corporation",
				"security_feature": "Intel Trust Domain Extensions (TDX)",
			})
	})
}

func (v *legacyStub) VerifyHardware(context.Context) (Result, error) {
	v.emitObjects()
	return pass(), nil
}

func (v *legacyStub) VerifyOperatingSystem(context.Context) (Result, error) {
	v.emitObjects()
	return pass(), nil
}

func (v *legacyStub) VerifySourceCode(context.Context) (Result, error) {
	v.emitObjects()
	return pass(), nil
}

// NewLegacyKmsVerifier returns the stub used for the KMS of pre-on-chain
// deployments.
func NewLegacyKmsVerifier(collector *dataobject.Collector) Verifier {
	return newLegacyStub(collector, "kms", "Key Management Service")
}

// NewLegacyGatewayVerifier returns the stub used for the gateway of
// pre-on-chain deployments.
func NewLegacyGatewayVerifier(collector *dataobject.Collector) Verifier {
	return newLegacyStub(collector, "gateway", "Gateway")
}

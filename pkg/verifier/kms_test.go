// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/dataobject"
	"github.com/Phala-Network/trust-center/pkg/onchain"
)

func kmsFixture(t *testing.T) (Deps, attestation.KmsInfo, *dataobject.Collector) {
	t.Helper()
	events, td, info, measured := appFixture(t)

	rawEvents, err := json.Marshal(events)
	require.NoError(t, err)

	reg := &fakeRegistry{kms: &onchain.KmsInfo{
		K256Pubkey: "0x02aa",
		CaPubkey:   "0x04bb",
		Quote:      "0x5555",
		EventLog:   "0x" + hex.EncodeToString(rawEvents),
	}}

	deps := Deps{
		Registry: reg,
		AppRPC:   &fakeInfo{info: info},
		Tool: &fakeTool{
			verdict:  &attestation.QuoteVerification{Status: attestation.StatusUpToDate},
			decoded:  &attestation.DecodedQuote{Report: attestation.QuoteReport{TD10: td}},
			measured: measured,
		},
		Images: fakeImages{},
	}
	kms := attestation.KmsInfo{
		ContractAddress: "0x2222222222222222222222222222222222222222",
		Version:         "v0.5.3 (git:c06e524bd460fd9c9add)",
		URL:             "https://kms.example.com",
		GatewayAppID:    "11bb",
	}
	return deps, kms, dataobject.NewCollector(nil)
}

func TestKmsVerifierFullPass(t *testing.T) {
	deps, kms, c := kmsFixture(t)
	kv, err := NewKmsVerifier(c, deps, kms)
	require.NoError(t, err)
	ctx := context.Background()

	res, err := kv.VerifyHardware(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK, "failures: %v", res.Failures)

	res, err = kv.VerifyOperatingSystem(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK, "failures: %v", res.Failures)

	res, err = kv.VerifySourceCode(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK, "failures: %v", res.Failures)

	main, ok := c.Get("kms-main")
	require.True(t, ok)
	assert.Equal(t, "0x04bb", main.Fields["cert_pubkey"])
	assert.Equal(t, "11bb", main.Fields["gateway_app_id"])
	assert.Equal(t, "c06e524bd460fd9c9add", main.Fields["git_revision"])
}

func TestKmsVerifierRequiresRegistry(t *testing.T) {
	_, kms, c := kmsFixture(t)
	_, err := NewKmsVerifier(c, Deps{}, kms)
	assert.ErrorContains(t, err, "registry")
}

func TestKmsVerifierRejectsBadVersion(t *testing.T) {
	deps, kms, c := kmsFixture(t)
	kms.Version = "garbage"
	kv, err := NewKmsVerifier(c, deps, kms)
	require.NoError(t, err)

	_, err = kv.VerifyHardware(context.Background())
	assert.Error(t, err)
}

func TestKmsVerifierMeasuresVersionedImage(t *testing.T) {
	deps, kms, c := kmsFixture(t)
	kv, err := NewKmsVerifier(c, deps, kms)
	require.NoError(t, err)

	_, err = kv.VerifyOperatingSystem(context.Background())
	require.NoError(t, err)

	// Image name follows the KMS-reported version, not any instance.
	obj, ok := c.Get("kms-os")
	require.True(t, ok)
	assert.Equal(t, "dstack-0.5.3", obj.Fields["image_version"])
}

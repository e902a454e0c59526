// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/dataobject"
	"github.com/Phala-Network/trust-center/pkg/onchain"
	"github.com/Phala-Network/trust-center/pkg/version"
)

// KmsVerifier checks the KMS component of an on-chain governed deployment.
// Its root of trust is the quote recorded in the KMS auth contract; OS and
// source evidence come from the KMS guest agent itself.
type KmsVerifier struct {
	base
	deps Deps
	kms  attestation.KmsInfo

	prepOnce sync.Once
	prepErr  error

	onchainInfo *onchain.KmsInfo
	chainEvents []attestation.EventLogEntry
	info        *attestation.AppInfo
	kmsVersion  version.Version
	gitRev      string
}

// NewKmsVerifier returns a verifier for the KMS described by the upstream
// kms_info record.
func NewKmsVerifier(collector *dataobject.Collector, deps Deps, kms attestation.KmsInfo) (*KmsVerifier, error) {
	if collector == nil {
		return nil, fmt.Errorf("kms verifier requires a collector")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("kms verifier requires an on-chain registry")
	}
	if kms.ContractAddress == "" {
		return nil, fmt.Errorf("kms verifier requires a kms contract address")
	}
	return &KmsVerifier{
		base: base{role: "kms", collector: collector, tool: deps.Tool, images: deps.Images},
		deps: deps,
		kms:  kms,
	}, nil
}

// prepare gathers the on-chain record and the KMS guest agent report once;
// every step shares the result.
func (v *KmsVerifier) prepare(ctx context.Context) error {
	v.prepOnce.Do(func() {
		v.prepErr = v.doPrepare(ctx)
	})
	return v.prepErr
}

func (v *KmsVerifier) doPrepare(ctx context.Context) error {
	ver, gitRev, err := version.ParseKmsVersion(v.kms.Version)
	if err != nil {
		return err
	}
	v.kmsVersion, v.gitRev = ver, gitRev

	info, err := v.deps.Registry.KmsInfo(ctx, v.kms.ContractAddress)
	if err != nil {
		return fmt.Errorf("read kms registry: %w", err)
	}
	v.onchainInfo = info

	events, err := decodeChainEventLog(info.EventLog)
	if err != nil {
		return fmt.Errorf("decode on-chain kms event log: %w", err)
	}
	v.chainEvents = events

	if v.kms.URL != "" {
		agent, err := v.deps.AppRPC.FetchAppInfo(ctx, v.kms.URL, version.NewPolicy(ver))
		if err != nil {
			return fmt.Errorf("fetch kms agent info: %w", err)
		}
		v.info = agent
	}

	gov := onchain.GovernanceFor(v.kms.ChainID)
	v.emit("main", "Key Management Service", "dstack KMS, the root of trust for app keys",
		map[string]interface{}{
			"contract_address": v.kms.ContractAddress,
			"version":          v.kms.Version,
			"git_revision":     v.gitRev,
			"k256_pubkey":      info.K256Pubkey,
			"cert_pubkey":      info.CaPubkey,
			"gateway_app_id":   v.kms.GatewayAppID,
			"governance":       gov,
		})
	return nil
}

// VerifyHardware checks the quote recorded on-chain and replays the event
// log stored next to it.
func (v *KmsVerifier) VerifyHardware(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	return v.verifyQuoteEvidence(ctx, v.onchainInfo.Quote, v.chainEvents)
}

// VerifyOperatingSystem measures the dstack image matching the KMS version
// against the registers the KMS guest agent reports.
func (v *KmsVerifier) VerifyOperatingSystem(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	if v.info == nil {
		return Result{}, fmt.Errorf("kms agent info unavailable, no kms url reported")
	}
	imageName := "dstack-" + v.kmsVersion.String()
	return v.verifyOSEvidence(ctx, imageName, &v.info.VmConfig, v.info.TcbInfo)
}

// VerifySourceCode recomputes the KMS compose hash and checks it against
// the KMS's own event log.
func (v *KmsVerifier) VerifySourceCode(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	if v.info == nil {
		return Result{}, fmt.Errorf("kms agent info unavailable, no kms url reported")
	}
	return v.verifyComposeEvidence(ctx, v.info.TcbInfo.AppCompose, v.info.TcbInfo.EventLog, nil, "")
}

// decodeChainEventLog decodes the registry's hex-encoded JSON event log.
func decodeChainEventLog(hexJSON string) ([]attestation.EventLogEntry, error) {
	raw, err := hex.DecodeString(attestation.StripHexPrefix(hexJSON))
	if err != nil {
		return nil, fmt.Errorf("event log is not hex: %w", err)
	}
	var events []attestation.EventLogEntry
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("event log is not JSON: %w", err)
	}
	return events, nil
}

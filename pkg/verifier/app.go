// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/dataobject"
	"github.com/Phala-Network/trust-center/pkg/version"
)

// AppConfig identifies the application under verification.
type AppConfig struct {
	AppID           string
	ContractAddress string
	ModelOrDomain   string
	// GitCommit is the resolved release commit for the image version; empty
	// when resolution failed or was skipped.
	GitCommit string
}

// AppVerifier checks the application itself: instance quote, event log
// replay, OS measurement and compose hash, plus GPU evidence on NVIDIA
// images.
type AppVerifier struct {
	base
	deps     Deps
	cfg      AppConfig
	instance attestation.Instance
	policy   version.Policy

	prepOnce sync.Once
	prepErr  error
	info     *attestation.AppInfo
}

// NewAppVerifier returns a verifier for one running instance of an app.
func NewAppVerifier(collector *dataobject.Collector, deps Deps, cfg AppConfig, instance attestation.Instance, policy version.Policy) (*AppVerifier, error) {
	if collector == nil {
		return nil, fmt.Errorf("app verifier requires a collector")
	}
	if cfg.AppID == "" {
		return nil, fmt.Errorf("app verifier requires an app id")
	}
	return &AppVerifier{
		base:     base{role: "app", collector: collector, tool: deps.Tool, images: deps.Images},
		deps:     deps,
		cfg:      cfg,
		instance: instance,
		policy:   policy,
	}, nil
}

// rpcEndpoint is the guest agent address behind the gateway: the app id
// and agent port prefixed onto the app's domain.
func (v *AppVerifier) rpcEndpoint() string {
	appID := attestation.StripHexPrefix(strings.ToLower(v.cfg.AppID))
	return fmt.Sprintf("https://%s-8090.%s", appID, v.cfg.ModelOrDomain)
}

func (v *AppVerifier) prepare(ctx context.Context) error {
	v.prepOnce.Do(func() {
		v.prepErr = v.doPrepare(ctx)
	})
	return v.prepErr
}

func (v *AppVerifier) doPrepare(ctx context.Context) error {
	info, err := v.deps.AppRPC.FetchAppInfo(ctx, v.rpcEndpoint(), v.policy)
	if err != nil {
		return fmt.Errorf("fetch app agent info: %w", err)
	}
	v.info = info

	fields := map[string]interface{}{
		"app_id":           v.cfg.AppID,
		"contract_address": v.cfg.ContractAddress,
		"model_or_domain":  v.cfg.ModelOrDomain,
		"app_cert":         info.AppCert,
		"app_name":         info.AppName,
		"device_id":        info.DeviceID,
		"instance_id":      info.InstanceID,
		"image_version":    v.instance.ImageVersion,
	}
	if v.cfg.GitCommit != "" {
		fields["git_commit"] = v.cfg.GitCommit
	}
	v.emit("main", "Application", "The confidential application under verification", fields)
	return nil
}

// VerifyHardware checks the instance quote, replays the event log against
// the TD registers and, on NVIDIA images, appraises GPU evidence.
func (v *AppVerifier) VerifyHardware(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	res, err := v.verifyQuoteEvidence(ctx, v.instance.Quote, v.instance.EventLog)
	if err != nil {
		return Result{}, err
	}

	if v.policy.Version().Nvidia {
		gpuFailures, err := v.verifyGPUEvidence(ctx)
		if err != nil {
			return Result{}, err
		}
		res = failures(append(res.Failures, gpuFailures...)...)
	}
	return res, nil
}

// verifyGPUEvidence sends the evidence to Intel Trust Authority and records
// the appraisal verdict.
func (v *AppVerifier) verifyGPUEvidence(ctx context.Context) ([]Failure, error) {
	if v.deps.ITA == nil || v.deps.ITAAPIKey == "" {
		return []Failure{failf(v.mainID(), "GPU verification failed: image carries GPU evidence but no appraisal service is configured")}, nil
	}

	claims, err := v.deps.ITA.Appraise(ctx, v.instance.Quote, v.deps.ITAAPIKey)
	if err != nil {
		return nil, fmt.Errorf("appraise gpu evidence: %w", err)
	}
	if claims == nil {
		return []Failure{failf(v.mainID(), "GPU verification failed: appraisal returned no token")}, nil
	}

	v.emit("gpu", "Application GPU", "NVIDIA confidential-compute device",
		map[string]interface{}{
			"manufacturer":     "NVIDIA Corporation",
			"security_feature": "NVIDIA Confidential Computing",
		})
	gpuFields := map[string]interface{}{}
	for _, key := range []string{"attester_tcb_status", "attester_type", "ver", "eat_nonce"} {
		if val, ok := claims[key]; ok {
			gpuFields[key] = val
		}
	}
	v.emit("gpu-quote", "GPU Appraisal", "Intel Trust Authority appraisal of the GPU evidence", gpuFields)
	v.collector.AddRelationships(dataobject.Edge{
		TargetID: v.objectID("gpu"),
		Relation: dataobject.Relation{ObjectID: v.objectID("gpu-quote")},
	})

	if status, ok := claims["attester_tcb_status"].(string); ok && status != attestation.StatusUpToDate {
		return []Failure{failf(v.mainID(), "GPU verification failed: attester TCB status is %q", status)}, nil
	}
	return nil, nil
}

// VerifyOperatingSystem measures the app's image against its reported TCB.
// Modern images are measured with the instance's vm shape; legacy images
// only through their metadata.
func (v *AppVerifier) VerifyOperatingSystem(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	var vm *attestation.VmConfig
	if v.policy.SupportsOnchainKMS() {
		vm = &v.info.VmConfig
	}
	return v.verifyOSEvidence(ctx, v.instance.ImageVersion, vm, v.info.TcbInfo)
}

// VerifySourceCode recomputes the compose hash and checks it against the
// RTMR3 event log and, for on-chain governed apps, the app auth contract.
func (v *AppVerifier) VerifySourceCode(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	var registry Registry
	contract := ""
	if v.policy.SupportsOnchainKMS() && v.deps.Registry != nil {
		registry = v.deps.Registry
		contract = v.cfg.ContractAddress
	}
	return v.verifyComposeEvidence(ctx, v.info.TcbInfo.AppCompose, v.info.TcbInfo.EventLog, registry, contract)
}

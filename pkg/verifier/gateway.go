// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"context"
	"fmt"
	"sync"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/dataobject"
	"github.com/Phala-Network/trust-center/pkg/fetcher"
	"github.com/Phala-Network/trust-center/pkg/version"
)

const acmeIssuer = "letsencrypt.org"

// GatewayVerifier checks the gateway component: its own attestation
// evidence plus the domain-control properties that prove the TEE, and only
// the TEE, terminates TLS for the base domain.
type GatewayVerifier struct {
	base
	deps  Deps
	appID string
	url   string

	prepOnce sync.Once
	prepErr  error

	instance attestation.Instance
	policy   version.Policy
	info     *attestation.AppInfo
	acme     *fetcher.AcmeInfo
}

// NewGatewayVerifier returns a verifier for the gateway app reported in
// kms_info.
func NewGatewayVerifier(collector *dataobject.Collector, deps Deps, gatewayAppID, gatewayURL string) (*GatewayVerifier, error) {
	if collector == nil {
		return nil, fmt.Errorf("gateway verifier requires a collector")
	}
	if gatewayAppID == "" || gatewayURL == "" {
		return nil, fmt.Errorf("gateway verifier requires the gateway app id and url")
	}
	return &GatewayVerifier{
		base:  base{role: "gateway", collector: collector, tool: deps.Tool, images: deps.Images},
		deps:  deps,
		appID: gatewayAppID,
		url:   gatewayURL,
	}, nil
}

func (v *GatewayVerifier) prepare(ctx context.Context) error {
	v.prepOnce.Do(func() {
		v.prepErr = v.doPrepare(ctx)
	})
	return v.prepErr
}

func (v *GatewayVerifier) doPrepare(ctx context.Context) error {
	system, err := v.deps.SystemInfo.FetchSystemInfo(ctx, v.appID)
	if err != nil {
		return fmt.Errorf("fetch gateway system info: %w", err)
	}
	v.instance = system.Instances[0]

	ver, err := version.Parse(v.instance.ImageVersion)
	if err != nil {
		return fmt.Errorf("parse gateway image version: %w", err)
	}
	v.policy = version.NewPolicy(ver)

	info, err := v.deps.Gateway.FetchAppInfo(ctx, v.url)
	if err != nil {
		return fmt.Errorf("fetch gateway agent info: %w", err)
	}
	v.info = info

	acme, err := v.deps.Gateway.FetchAcmeInfo(ctx, v.url)
	if err != nil {
		return fmt.Errorf("fetch gateway acme info: %w", err)
	}
	v.acme = acme

	v.emit("main", "Gateway", "dstack gateway terminating TLS inside the TEE",
		map[string]interface{}{
			"app_id":        v.appID,
			"app_cert":      info.AppCert,
			"base_domain":   acme.BaseDomain,
			"account_uri":   acme.AccountURI,
			"image_version": v.instance.ImageVersion,
		})
	return nil
}

// VerifyHardware checks the gateway instance quote and replays its event log.
func (v *GatewayVerifier) VerifyHardware(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	return v.verifyQuoteEvidence(ctx, v.instance.Quote, v.instance.EventLog)
}

// VerifyOperatingSystem measures the gateway image against its reported TCB.
func (v *GatewayVerifier) VerifyOperatingSystem(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	var vm *attestation.VmConfig
	if v.policy.SupportsOnchainKMS() {
		vm = &v.info.VmConfig
	}
	return v.verifyOSEvidence(ctx, v.instance.ImageVersion, vm, v.info.TcbInfo)
}

// VerifySourceCode checks the gateway compose hash against its event log.
func (v *GatewayVerifier) VerifySourceCode(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	return v.verifyComposeEvidence(ctx, v.info.TcbInfo.AppCompose, v.info.TcbInfo.EventLog, nil, "")
}

// VerifyTEEControlledKey checks that the ACME account key was generated
// inside the TEE by verifying the quote bound to it.
func (v *GatewayVerifier) VerifyTEEControlledKey(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	if v.acme.AccountQuote == "" {
		return failures(failf(v.mainID(), "Domain verification failed: gateway reports no quote for its ACME account key")), nil
	}
	verdict, err := v.tool.VerifyQuote(ctx, v.acme.AccountQuote)
	if err != nil {
		return Result{}, fmt.Errorf("verify acme account quote: %w", err)
	}
	if verdict.Status != attestation.StatusUpToDate {
		return failures(failf(v.mainID(), "Domain verification failed: ACME account key quote status is %q", verdict.Status)), nil
	}
	return pass(), nil
}

// VerifyCertificateKey checks the active certificate's public key against
// the gateway's TEE key history.
func (v *GatewayVerifier) VerifyCertificateKey(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	if v.acme.CertPublicKey == "" {
		return failures(failf(v.mainID(), "Domain verification failed: gateway reports no active certificate key")), nil
	}
	if !v.acme.CertSignedByCA {
		return failures(failf(v.mainID(), "Domain verification failed: active certificate is not signed by the ACME CA")), nil
	}
	if len(v.acme.HistKeys) > 0 && !contains(v.acme.HistKeys, v.acme.CertPublicKey) {
		return failures(failf(v.mainID(), "Domain verification failed: active certificate key is not in the TEE key history")), nil
	}
	return pass(), nil
}

// VerifyDNSCAA checks that the base domain restricts issuance to the ACME
// CA the gateway uses.
func (v *GatewayVerifier) VerifyDNSCAA(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	records, err := v.deps.DNS.QueryCAA(ctx, v.acme.BaseDomain)
	if err != nil {
		return Result{}, fmt.Errorf("query caa for %s: %w", v.acme.BaseDomain, err)
	}

	var issuers []string
	for _, rec := range records {
		if rec.Tag == "issue" || rec.Tag == "issuewild" {
			issuers = append(issuers, rec.Value)
		}
	}
	if len(issuers) == 0 {
		return failures(failf(v.mainID(), "Domain verification failed: %s publishes no CAA issue records", v.acme.BaseDomain)), nil
	}
	var found []Failure
	for _, issuer := range issuers {
		if issuer != acmeIssuer {
			found = append(found, failf(v.mainID(), "Domain verification failed: CAA permits unexpected issuer %q on %s", issuer, v.acme.BaseDomain))
		}
	}
	return failures(found...), nil
}

// VerifyCTLog queries the transparency aggregator for the base domain and
// records the result as a data object.
func (v *GatewayVerifier) VerifyCTLog(ctx context.Context) (Result, error) {
	if err := v.prepare(ctx); err != nil {
		return Result{}, err
	}
	certs, err := v.deps.CT.Query(ctx, v.acme.BaseDomain)
	if err != nil {
		return Result{}, fmt.Errorf("query ct log for %s: %w", v.acme.BaseDomain, err)
	}

	fields := map[string]interface{}{
		"domain":            v.acme.BaseDomain,
		"certificate_count": len(certs),
	}
	if len(certs) > 0 {
		fields["latest_issuer"] = certs[0].IssuerName
		fields["latest_not_after"] = certs[0].NotAfter
	}
	v.emit("ct-log", "Certificate Transparency", "Public CT log records for the base domain", fields)
	v.collector.AddRelationships(dataobject.Edge{
		TargetID: v.objectID("ct-log"),
		Relation: dataobject.Relation{ObjectID: v.mainID(), SourceField: "base_domain", SelfField: "domain"},
	})

	if len(certs) == 0 {
		return failures(failf(v.mainID(), "Domain verification failed: no CT log entries for %s", v.acme.BaseDomain)), nil
	}
	return pass(), nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

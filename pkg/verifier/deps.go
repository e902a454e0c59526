// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"context"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/fetcher"
	"github.com/Phala-Network/trust-center/pkg/onchain"
	"github.com/Phala-Network/trust-center/pkg/version"
)

// SystemInfoFetcher reports the running instances of a cloud app.
type SystemInfoFetcher interface {
	FetchSystemInfo(ctx context.Context, appID string) (*attestation.SystemInfo, error)
}

// InfoFetcher reads a guest agent report, routing to the endpoint the image
// version supports.
type InfoFetcher interface {
	FetchAppInfo(ctx context.Context, rpcEndpoint string, policy version.Policy) (*attestation.AppInfo, error)
}

// GatewayFetcher reads the gateway's rpc surface.
type GatewayFetcher interface {
	FetchAcmeInfo(ctx context.Context, rpcBase string) (*fetcher.AcmeInfo, error)
	FetchAppInfo(ctx context.Context, rpcBase string) (*attestation.AppInfo, error)
}

// QuoteTool runs the local DCAP and image measurement binaries.
type QuoteTool interface {
	VerifyQuote(ctx context.Context, quoteHex string) (*attestation.QuoteVerification, error)
	DecodeQuote(ctx context.Context, quoteHex string) (*attestation.DecodedQuote, error)
	MeasureImage(ctx context.Context, imageDir string, vmConfig *attestation.VmConfig) (*fetcher.ImageMeasurement, error)
}

// ImageEnsurer materializes an OS image on disk and returns its directory.
type ImageEnsurer interface {
	Ensure(ctx context.Context, name string) (string, error)
}

// Appraiser asks Intel Trust Authority to appraise attestation evidence.
type Appraiser interface {
	Appraise(ctx context.Context, quoteHex, apiKey string) (map[string]interface{}, error)
}

// CTQuerier lists certificates a transparency aggregator knows for a domain.
type CTQuerier interface {
	Query(ctx context.Context, domain string) ([]fetcher.CTCertificate, error)
}

// CAAQuerier resolves CAA records.
type CAAQuerier interface {
	QueryCAA(ctx context.Context, domain string) ([]fetcher.CAARecord, error)
}

// Registry reads the on-chain KMS and app registries.
type Registry interface {
	KmsInfo(ctx context.Context, contractAddress string) (*onchain.KmsInfo, error)
	ComposeHashRegistered(ctx context.Context, appContract, composeHash string) (bool, error)
}

// Deps bundles the fact fetchers a chain draws on. Registry may be nil when
// no chain RPC is configured; ITA may be nil when no ITA key is set.
type Deps struct {
	SystemInfo SystemInfoFetcher
	AppRPC     InfoFetcher
	Gateway    GatewayFetcher
	Tool       QuoteTool
	Images     ImageEnsurer
	ITA        Appraiser
	ITAAPIKey  string
	CT         CTQuerier
	DNS        CAAQuerier
	Registry   Registry
}

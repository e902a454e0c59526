// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Phala-Network/trust-center/pkg/attestation"
)

// AcmeInfo is the gateway's ACME account description: the TEE-controlled
// account key and the certificate history for the base domain.
type AcmeInfo struct {
	AccountURI     string   `json:"account_uri"`
	AccountQuote   string   `json:"account_quote"`
	HistKeys       []string `json:"hist_keys"`
	ActiveCert     string   `json:"active_cert"`
	BaseDomain     string   `json:"base_domain"`
	CertPublicKey  string   `json:"cert_public_key"`
	CertSignedByCA bool     `json:"cert_signed_by_ca"`
}

// GatewayClient talks to the gateway's rpc surface.
type GatewayClient struct {
	client *resty.Client
}

// NewGatewayClient returns a gateway rpc client.
func NewGatewayClient() *GatewayClient {
	return &GatewayClient{
		client: resty.New().
			SetTimeout(defaultFetchTimeout).
			SetHeader("Accept", "application/json"),
	}
}

// FetchAcmeInfo retrieves the gateway's ACME account state.
func (c *GatewayClient) FetchAcmeInfo(ctx context.Context, rpcBase string) (*AcmeInfo, error) {
	var info AcmeInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get(strings.TrimRight(rpcBase, "/") + "/prpc/AcmeInfo")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return &info, nil
}

// FetchAppInfo retrieves the gateway's own guest agent report.
func (c *GatewayClient) FetchAppInfo(ctx context.Context, rpcBase string) (*attestation.AppInfo, error) {
	var info attestation.AppInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get(strings.TrimRight(rpcBase, "/") + "/prpc/Info")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return &info, nil
}

// decodeTcbInfo parses a tcb_info JSON string into the typed struct.
func decodeTcbInfo(raw string, out *attestation.TcbInfo) error {
	return json.Unmarshal([]byte(raw), out)
}

// retryAfterDelay reads a Retry-After header value in seconds; zero when
// absent or unparsable.
func retryAfterDelay(header string) time.Duration {
	if header == "" {
		return 0
	}
	var secs int
	if _, err := fmt.Sscanf(header, "%d", &secs); err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

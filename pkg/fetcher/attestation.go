// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/util/log"
	"github.com/Phala-Network/trust-center/pkg/version"
)

const defaultFetchTimeout = 30 * time.Second

// AttestationClient fetches attestation evidence from the cloud inventory
// endpoint and from individual guest agents.
type AttestationClient struct {
	cloudAPIURL string
	client      *resty.Client
}

// NewAttestationClient returns a client against the given cloud API base URL.
func NewAttestationClient(cloudAPIURL string) *AttestationClient {
	return &AttestationClient{
		cloudAPIURL: strings.TrimRight(cloudAPIURL, "/"),
		client: resty.New().
			SetTimeout(defaultFetchTimeout).
			SetHeader("Accept", "application/json"),
	}
}

// FetchSystemInfo retrieves the running-instance description of an app. An
// HTTP 500 is mapped to ErrAppNotFound because the upstream endpoint
// reports unknown apps that way. Instances missing any of quote, event log
// or image version are dropped; if none survive the call fails with
// ErrNoRunningInstances.
func (c *AttestationClient) FetchSystemInfo(ctx context.Context, appID string) (*attestation.SystemInfo, error) {
	var info attestation.SystemInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&info).
		Get(fmt.Sprintf("%s/api/v1/apps/%s/attestations", c.cloudAPIURL, appID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() == http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: %s", ErrAppNotFound, appID)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}

	kept := info.Instances[:0]
	for _, inst := range info.Instances {
		if inst.Quote == "" || len(inst.EventLog) == 0 || inst.ImageVersion == "" {
			log.Debugf("dropping incomplete instance of app %s (image %q)", appID, inst.ImageVersion)
			continue
		}
		quote, err := attestation.NormalizeQuote(inst.Quote)
		if err != nil {
			log.Debugf("dropping instance of app %s with malformed quote: %v", appID, err)
			continue
		}
		inst.Quote = quote
		kept = append(kept, inst)
	}
	info.Instances = kept
	if len(info.Instances) == 0 {
		return nil, ErrNoRunningInstances
	}
	return &info, nil
}

// FetchAppInfo queries the guest agent's info rpc. Images from 0.5.0 on
// expose /prpc/Info; older ones expose /prpc/Worker.Info with a reduced
// schema that gets converted into the modern shape.
func (c *AttestationClient) FetchAppInfo(ctx context.Context, rpcEndpoint string, policy version.Policy) (*attestation.AppInfo, error) {
	base := strings.TrimRight(rpcEndpoint, "/")

	if policy.SupportsInfoRPC() {
		var info attestation.AppInfo
		resp, err := c.client.R().
			SetContext(ctx).
			SetResult(&info).
			Get(base + "/prpc/Info")
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		if resp.IsError() {
			return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
		}
		return &info, nil
	}

	var legacy legacyWorkerInfo
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&legacy).
		Get(base + "/prpc/Worker.Info")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return legacy.convert(), nil
}

// legacyWorkerInfo is the pre-0.5.0 Worker.Info response. The tcb_info
// arrives as a JSON string and several modern fields don't exist at all.
type legacyWorkerInfo struct {
	AppID      string `json:"app_id"`
	InstanceID string `json:"instance_id"`
	AppCert    string `json:"app_cert"`
	TcbInfo    string `json:"tcb_info"`
	AppName    string `json:"app_name"`
}

func (l *legacyWorkerInfo) convert() *attestation.AppInfo {
	info := &attestation.AppInfo{
		AppID:      l.AppID,
		InstanceID: l.InstanceID,
		AppName:    l.AppName,
		AppCert:    l.AppCert,
		// Legacy guests never report a vm shape; these are the launch
		// defaults the images of that era were built with.
		VmConfig: attestation.VmConfig{
			CPUCount:   1,
			MemorySize: 2 * 1024 * 1024 * 1024,
		},
	}
	if l.TcbInfo != "" {
		if err := decodeTcbInfo(l.TcbInfo, &info.TcbInfo); err != nil {
			log.Warnf("legacy tcb_info for app %s is malformed: %v", l.AppID, err)
		}
	}
	return info
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"github.com/Phala-Network/trust-center/pkg/util/ratelimit"
)

const (
	ctDefaultURL   = "https://crt.sh"
	ctCacheTTL     = 10 * time.Minute
	ctQueryTimeout = 30 * time.Second
)

// CTCertificate is one certificate record from the transparency aggregator.
type CTCertificate struct {
	ID           int64  `json:"id"`
	IssuerName   string `json:"issuer_name"`
	CommonName   string `json:"common_name"`
	NameValue    string `json:"name_value"`
	NotBefore    string `json:"not_before"`
	NotAfter     string `json:"not_after"`
	SerialNumber string `json:"serial_number"`
	EntryTime    string `json:"entry_timestamp"`
}

// CTLogClient queries a certificate transparency aggregator. The aggregator
// enforces a strict request budget, so queries share a global two-per-second
// limiter and identical queries within ten minutes come out of a cache.
type CTLogClient struct {
	url     string
	client  *resty.Client
	cache   *gocache.Cache
	limiter *ratelimit.Limiter
}

// NewCTLogClient returns a transparency log client. rdb may be nil.
func NewCTLogClient(rdb redis.UniversalClient) *CTLogClient {
	return &CTLogClient{
		url:     ctDefaultURL,
		client:  resty.New().SetTimeout(ctQueryTimeout),
		cache:   gocache.New(ctCacheTTL, 2*ctCacheTTL),
		limiter: ratelimit.New("ctlog", 2, time.Second, rdb),
	}
}

// SetURL overrides the aggregator base URL.
func (c *CTLogClient) SetURL(url string) {
	c.url = url
}

// Query returns the certificates issued for the domain, newest first as
// reported by the aggregator.
func (c *CTLogClient) Query(ctx context.Context, domain string) ([]CTCertificate, error) {
	if cached, ok := c.cache.Get(domain); ok {
		return cached.([]CTCertificate), nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var certs []CTCertificate
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":      domain,
			"output": "json",
		}).
		SetResult(&certs).
		Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("ct log query: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("ct log query: status %d", resp.StatusCode())
	}

	c.cache.Set(domain, certs, gocache.DefaultExpiration)
	return certs, nil
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
)

const (
	dnsDefaultURL = "https://dns.google/resolve"
	typeCAA       = 257
)

// CAARecord is one parsed CAA record: a tag such as "issue" and its value,
// typically a CA domain.
type CAARecord struct {
	Tag   string
	Value string
}

// DNSClient resolves CAA records over DNS-over-HTTPS. Plain resolvers in the
// runtime cannot ask for CAA, so the query goes through a public DoH JSON
// endpoint.
type DNSClient struct {
	url    string
	client *resty.Client
}

// NewDNSClient returns a DoH client against the default resolver.
func NewDNSClient() *DNSClient {
	return &DNSClient{
		url:    dnsDefaultURL,
		client: resty.New().SetTimeout(defaultFetchTimeout),
	}
}

// SetURL overrides the DoH endpoint.
func (c *DNSClient) SetURL(url string) {
	c.url = url
}

type dohResponse struct {
	Status int `json:"Status"`
	Answer []struct {
		Type int    `json:"type"`
		Data string `json:"data"`
	} `json:"Answer"`
}

// QueryCAA returns the CAA records for a domain. An empty slice means the
// domain publishes none.
func (c *DNSClient) QueryCAA(ctx context.Context, domain string) ([]CAARecord, error) {
	var resp dohResponse
	r, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"name": domain,
			"type": "CAA",
		}).
		SetHeader("Accept", "application/dns-json").
		SetResult(&resp).
		Get(c.url)
	if err != nil {
		return nil, fmt.Errorf("caa query for %s: %w", domain, err)
	}
	if r.IsError() {
		return nil, fmt.Errorf("caa query for %s: status %d", domain, r.StatusCode())
	}
	if resp.Status != 0 {
		return nil, fmt.Errorf("caa query for %s: dns rcode %d", domain, resp.Status)
	}

	var records []CAARecord
	for _, ans := range resp.Answer {
		if ans.Type != typeCAA {
			continue
		}
		if rec, ok := parseCAAData(ans.Data); ok {
			records = append(records, rec)
		}
	}
	return records, nil
}

// parseCAAData parses the presentation format `<flags> <tag> "<value>"`.
func parseCAAData(data string) (CAARecord, bool) {
	parts := strings.Fields(data)
	if len(parts) < 3 {
		return CAARecord{}, false
	}
	value := strings.Trim(strings.Join(parts[2:], " "), `"`)
	return CAARecord{Tag: strings.ToLower(parts[1]), Value: value}, true
}

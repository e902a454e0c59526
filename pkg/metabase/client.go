// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package metabase reads the upstream inventory through saved Metabase cards.
package metabase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const queryTimeout = 60 * time.Second

// AppRow is one app record as the inventory card exports it.
type AppRow struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	AppID               string `json:"app_id"`
	ConfigType          string `json:"config_type"`
	BaseImage           string `json:"base_image"`
	ContractAddress     string `json:"contract_address"`
	GatewayDomainSuffix string `json:"gateway_domain_suffix"`
	TproxyBaseDomain    string `json:"tproxy_base_domain"`
	KmsContractAddress  string `json:"kms_contract_address"`
	KmsChainID          *int64 `json:"kms_chain_id"`
}

// ProfileRow is one profile record as the profile card exports it.
type ProfileRow struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Data       json.RawMessage `json:"data"`
}

// Client queries saved cards over the Metabase HTTP API.
type Client struct {
	http           *resty.Client
	appsCardID     int
	profilesCardID int
}

// NewClient builds a client authenticated with a Metabase API key.
func NewClient(baseURL, apiKey string, appsCardID, profilesCardID int) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(queryTimeout).
			SetHeader("X-API-KEY", apiKey).
			SetHeader("Accept", "application/json").
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
		appsCardID:     appsCardID,
		profilesCardID: profilesCardID,
	}
}

// queryCard runs a saved card and decodes its JSON export into out.
func (c *Client) queryCard(ctx context.Context, cardID int, out interface{}) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(out).
		Post(fmt.Sprintf("/api/card/%d/query/json", cardID))
	if err != nil {
		return fmt.Errorf("metabase: query card %d: %w", cardID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("metabase: query card %d: status %d", cardID, resp.StatusCode())
	}
	return nil
}

// FetchApps returns the full app inventory.
func (c *Client) FetchApps(ctx context.Context) ([]AppRow, error) {
	var rows []AppRow
	if err := c.queryCard(ctx, c.appsCardID, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// FetchProfiles returns the current profile set.
func (c *Client) FetchProfiles(ctx context.Context) ([]ProfileRow, error) {
	var rows []ProfileRow
	if err := c.queryCard(ctx, c.profilesCardID, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

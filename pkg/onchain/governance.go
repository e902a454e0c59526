// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package onchain

import "fmt"

// GovernanceKind says who controls an app's key management.
type GovernanceKind string

const (
	// GovernanceOnChain means key management is governed by a contract on a
	// public chain.
	GovernanceOnChain GovernanceKind = "OnChain"
	// GovernanceHosted means key management is operated by a hosting party.
	GovernanceHosted GovernanceKind = "HostedBy"
)

// Governance classifies an app's key-management authority for display.
type Governance struct {
	Kind     GovernanceKind `json:"kind"`
	Name     string         `json:"name"`
	Explorer string         `json:"explorer,omitempty"`
	ChainID  *int64         `json:"chain_id,omitempty"`
}

// GovernanceFor maps a KMS chain id to its governance classification. A nil
// chain id means the KMS is hosted rather than chain-governed.
func GovernanceFor(chainID *int64) Governance {
	if chainID == nil {
		return Governance{Kind: GovernanceHosted, Name: "Phala"}
	}
	switch *chainID {
	case 1:
		return Governance{Kind: GovernanceOnChain, Name: "Ethereum", Explorer: "https://etherscan.io", ChainID: chainID}
	case 8453:
		return Governance{Kind: GovernanceOnChain, Name: "Base", Explorer: "https://basescan.org", ChainID: chainID}
	default:
		return Governance{Kind: GovernanceOnChain, Name: fmt.Sprintf("Chain %d", *chainID), ChainID: chainID}
	}
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import "github.com/Phala-Network/trust-center/pkg/dataobject"

// WireRelationships applies the cross-verifier measured-by edges after the
// chain has run: the KMS vouches for the gateway identity and signs the app
// and gateway certificates. With on-chain governance the edges bind concrete
// fields; without it only the component identities can be related.
func WireRelationships(c *dataobject.Collector, onchainKMS bool) {
	if !onchainKMS {
		c.AddRelationships(
			dataobject.Edge{TargetID: "gateway-main", Relation: dataobject.Relation{ObjectID: "kms-main"}},
			dataobject.Edge{TargetID: "app-main", Relation: dataobject.Relation{ObjectID: "kms-main"}},
		)
		return
	}

	c.AddRelationships(
		dataobject.Edge{
			TargetID: "gateway-main",
			Relation: dataobject.Relation{ObjectID: "kms-main", SourceField: "gateway_app_id", SelfField: "app_id"},
		},
		dataobject.Edge{
			TargetID: "gateway-main",
			Relation: dataobject.Relation{ObjectID: "kms-main", SourceField: "cert_pubkey", SelfField: "app_cert"},
		},
		dataobject.Edge{
			TargetID: "app-main",
			Relation: dataobject.Relation{ObjectID: "kms-main", SourceField: "cert_pubkey", SelfField: "app_cert"},
		},
	)
}

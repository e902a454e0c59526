// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package onchain

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	lastCall ethereum.CallMsg
	output   []byte
	err      error
}

func (f *fakeCaller) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	f.lastCall = call
	return f.output, f.err
}

const kmsContract = "0x1111111111111111111111111111111111111111"

func TestKmsInfoDecodesContractOutput(t *testing.T) {
	out, err := kmsABI.Methods["kmsInfo"].Outputs.Pack(
		[]byte{0x02, 0xaa}, []byte{0x04, 0xbb}, []byte{0x05, 0xcc}, []byte(`[]`),
	)
	require.NoError(t, err)

	caller := &fakeCaller{output: out}
	r := NewRegistry(caller)

	info, err := r.KmsInfo(context.Background(), kmsContract)
	require.NoError(t, err)
	assert.Equal(t, "0x02aa", info.K256Pubkey)
	assert.Equal(t, "0x04bb", info.CaPubkey)
	assert.Equal(t, "0x05cc", info.Quote)
	assert.Equal(t, "0x5b5d", info.EventLog)
	assert.Equal(t, strings.ToLower(kmsContract), strings.ToLower(caller.lastCall.To.Hex()))
}

func TestKmsInfoRejectsEmptyQuote(t *testing.T) {
	out, err := kmsABI.Methods["kmsInfo"].Outputs.Pack([]byte{}, []byte{}, []byte{}, []byte{})
	require.NoError(t, err)

	r := NewRegistry(&fakeCaller{output: out})
	_, err = r.KmsInfo(context.Background(), kmsContract)
	assert.ErrorContains(t, err, "no quote")
}

func TestKmsInfoRejectsBadAddress(t *testing.T) {
	r := NewRegistry(&fakeCaller{})
	_, err := r.KmsInfo(context.Background(), "not-an-address")
	assert.ErrorContains(t, err, "invalid contract address")
}

func TestComposeHashRegistered(t *testing.T) {
	hash := strings.Repeat("ab", 32)
	for _, allowed := range []bool{true, false} {
		out, err := appABI.Methods["allowedComposeHashes"].Outputs.Pack(allowed)
		require.NoError(t, err)

		r := NewRegistry(&fakeCaller{output: out})
		got, err := r.ComposeHashRegistered(context.Background(), kmsContract, "0x"+hash)
		require.NoError(t, err)
		assert.Equal(t, allowed, got)
	}
}

func TestComposeHashRegisteredRejectsShortHash(t *testing.T) {
	r := NewRegistry(&fakeCaller{})
	_, err := r.ComposeHashRegistered(context.Background(), kmsContract, "0xabcd")
	assert.ErrorContains(t, err, "invalid compose hash")
}

func TestGovernanceFor(t *testing.T) {
	base := int64(8453)
	eth := int64(1)
	other := int64(42161)

	g := GovernanceFor(&base)
	assert.Equal(t, GovernanceOnChain, g.Kind)
	assert.Equal(t, "Base", g.Name)
	assert.Equal(t, "https://basescan.org", g.Explorer)

	g = GovernanceFor(&eth)
	assert.Equal(t, "Ethereum", g.Name)
	assert.Equal(t, "https://etherscan.io", g.Explorer)

	g = GovernanceFor(nil)
	assert.Equal(t, GovernanceHosted, g.Kind)
	assert.Equal(t, "Phala", g.Name)
	assert.Empty(t, g.Explorer)

	g = GovernanceFor(&other)
	assert.Equal(t, GovernanceOnChain, g.Kind)
	assert.Equal(t, "Chain 42161", g.Name)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package onchain reads the dstack KMS and app registries from an EVM chain.
package onchain

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

// The registries expose read-only views; only the getters we consult are
// declared here.
const (
	kmsAuthABI = `[{"inputs":[],"name":"kmsInfo","outputs":[{"internalType":"bytes","name":"k256Pubkey","type":"bytes"},{"internalType":"bytes","name":"caPubkey","type":"bytes"},{"internalType":"bytes","name":"quote","type":"bytes"},{"internalType":"bytes","name":"eventlog","type":"bytes"}],"stateMutability":"view","type":"function"}]`

	appAuthABI = `[{"inputs":[{"internalType":"bytes32","name":"composeHash","type":"bytes32"}],"name":"allowedComposeHashes","outputs":[{"internalType":"bool","name":"","type":"bool"}],"stateMutability":"view","type":"function"}]`
)

var (
	kmsABI = mustABI(kmsAuthABI)
	appABI = mustABI(appAuthABI)
)

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}

// KmsInfo is the KMS root of trust as recorded on-chain: the attestation
// quote the KMS booted with, its event log (hex-encoded JSON), and the two
// public keys it derives app identities from.
type KmsInfo struct {
	K256Pubkey string
	CaPubkey   string
	Quote      string
	EventLog   string
}

// Caller is the subset of an eth client the registry needs.
type Caller interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Registry reads the KMS auth and app auth contracts.
type Registry struct {
	caller Caller
}

// Dial connects to an EVM RPC endpoint and returns a registry over it.
func Dial(ctx context.Context, rpcURL string) (*Registry, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial eth rpc %s: %w", rpcURL, err)
	}
	return NewRegistry(client), nil
}

// NewRegistry returns a registry reading through the given caller.
func NewRegistry(caller Caller) *Registry {
	return &Registry{caller: caller}
}

// KmsInfo reads the KMS root of trust from the KMS auth contract.
func (r *Registry) KmsInfo(ctx context.Context, contractAddress string) (*KmsInfo, error) {
	addr, err := parseAddress(contractAddress)
	if err != nil {
		return nil, err
	}

	data, err := kmsABI.Pack("kmsInfo")
	if err != nil {
		return nil, fmt.Errorf("pack kmsInfo call: %w", err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call kmsInfo on %s: %w", contractAddress, err)
	}

	values, err := kmsABI.Unpack("kmsInfo", out)
	if err != nil {
		return nil, fmt.Errorf("unpack kmsInfo result: %w", err)
	}
	if len(values) != 4 {
		return nil, fmt.Errorf("kmsInfo returned %d values, want 4", len(values))
	}

	info := &KmsInfo{
		K256Pubkey: bytesToHex(values[0]),
		CaPubkey:   bytesToHex(values[1]),
		Quote:      bytesToHex(values[2]),
		EventLog:   bytesToHex(values[3]),
	}
	if info.Quote == "" {
		return nil, fmt.Errorf("kms contract %s holds no quote", contractAddress)
	}
	return info, nil
}

// ComposeHashRegistered reports whether the app auth contract allows the
// given compose hash. The hash is the 32-byte SHA-256 in hex.
func (r *Registry) ComposeHashRegistered(ctx context.Context, appContract, composeHash string) (bool, error) {
	addr, err := parseAddress(appContract)
	if err != nil {
		return false, err
	}
	hash, err := parseHash(composeHash)
	if err != nil {
		return false, err
	}

	data, err := appABI.Pack("allowedComposeHashes", hash)
	if err != nil {
		return false, fmt.Errorf("pack allowedComposeHashes call: %w", err)
	}
	out, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
	if err != nil {
		return false, fmt.Errorf("call allowedComposeHashes on %s: %w", appContract, err)
	}

	values, err := appABI.Unpack("allowedComposeHashes", out)
	if err != nil {
		return false, fmt.Errorf("unpack allowedComposeHashes result: %w", err)
	}
	allowed, ok := values[0].(bool)
	if !ok {
		return false, fmt.Errorf("allowedComposeHashes returned %T, want bool", values[0])
	}
	return allowed, nil
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid contract address %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseHash(s string) ([32]byte, error) {
	var hash [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(s), "0x"))
	if err != nil || len(raw) != 32 {
		return hash, fmt.Errorf("invalid compose hash %q", s)
	}
	copy(hash[:], raw)
	return hash, nil
}

func bytesToHex(v interface{}) string {
	b, ok := v.([]byte)
	if !ok || len(b) == 0 {
		return ""
	}
	return "0x" + hex.EncodeToString(b)
}

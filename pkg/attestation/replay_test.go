// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package attestation

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func expectedChain(digests ...[]byte) string {
	mr := make([]byte, rtmrSize)
	for _, d := range digests {
		padded := make([]byte, rtmrSize)
		copy(padded, d)
		h := sha512.New384()
		h.Write(mr)
		h.Write(padded)
		mr = h.Sum(nil)
	}
	return hex.EncodeToString(mr)
}

func TestReplayEmptyLog(t *testing.T) {
	mrs, err := ReplayRTMRs(nil)
	require.NoError(t, err)
	zero := hex.EncodeToString(make([]byte, rtmrSize))
	for i := 0; i < NumRTMRs; i++ {
		assert.Equal(t, zero, mrs[i])
	}
}

func TestReplaySingleRegister(t *testing.T) {
	d1 := sha512.Sum384([]byte("kernel"))
	d2 := sha512.Sum384([]byte("initrd"))

	events := []EventLogEntry{
		{IMR: 1, Digest: hex.EncodeToString(d1[:])},
		{IMR: 1, Digest: hex.EncodeToString(d2[:])},
	}
	mrs, err := ReplayRTMRs(events)
	require.NoError(t, err)

	assert.Equal(t, expectedChain(d1[:], d2[:]), mrs[1])
	assert.Equal(t, hex.EncodeToString(make([]byte, rtmrSize)), mrs[0])
}

func TestReplayShortDigestIsPadded(t *testing.T) {
	// compose-hash events carry 32-byte SHA-256 digests.
	short := sha256.Sum256([]byte("compose"))
	events := []EventLogEntry{{IMR: 3, Digest: hex.EncodeToString(short[:])}}

	mrs, err := ReplayRTMRs(events)
	require.NoError(t, err)
	assert.Equal(t, expectedChain(short[:]), mrs[3])
}

func TestReplayInterleavedRegisters(t *testing.T) {
	a := sha512.Sum384([]byte("a"))
	b := sha512.Sum384([]byte("b"))
	c := sha512.Sum384([]byte("c"))

	events := []EventLogEntry{
		{IMR: 0, Digest: hex.EncodeToString(a[:])},
		{IMR: 2, Digest: hex.EncodeToString(b[:])},
		{IMR: 0, Digest: hex.EncodeToString(c[:])},
	}
	mrs, err := ReplayRTMRs(events)
	require.NoError(t, err)

	assert.Equal(t, expectedChain(a[:], c[:]), mrs[0])
	assert.Equal(t, expectedChain(b[:]), mrs[2])
}

func TestReplayRejectsBadInput(t *testing.T) {
	_, err := ReplayRTMRs([]EventLogEntry{{IMR: 4, Digest: "00"}})
	assert.Error(t, err)

	_, err = ReplayRTMRs([]EventLogEntry{{IMR: 0, Digest: "zz"}})
	assert.Error(t, err)

	long := make([]byte, rtmrSize+1)
	_, err = ReplayRTMRs([]EventLogEntry{{IMR: 0, Digest: hex.EncodeToString(long)}})
	assert.Error(t, err)
}

func TestComposeHash(t *testing.T) {
	want := sha256.Sum256([]byte(`{"name":"demo"}`))
	assert.Equal(t, hex.EncodeToString(want[:]), ComposeHash(`{"name":"demo"}`))
}

func TestFindComposeHashEvent(t *testing.T) {
	events := []EventLogEntry{
		{IMR: 3, Event: "app-id", EventPayload: "00aa"},
		{IMR: 3, Event: "compose-hash", EventPayload: "0xABCD"},
	}
	payload, ok := FindComposeHashEvent(events)
	require.True(t, ok)
	assert.Equal(t, "abcd", payload)

	_, ok = FindComposeHashEvent([]EventLogEntry{{IMR: 1, Event: "compose-hash", EventPayload: "aa"}})
	assert.False(t, ok)
}

func TestNormalizeQuote(t *testing.T) {
	q, err := NormalizeQuote("0xAB12")
	require.NoError(t, err)
	assert.Equal(t, "0xab12", q)

	q, err = NormalizeQuote("ab12")
	require.NoError(t, err)
	assert.Equal(t, "0xab12", q)

	_, err = NormalizeQuote("xyz")
	assert.Error(t, err)
	_, err = NormalizeQuote("abc")
	assert.Error(t, err)
	_, err = NormalizeQuote("")
	assert.Error(t, err)
}

// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package attestation

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// NumRTMRs is the number of runtime measurement registers on TDX.
	NumRTMRs = 4

	rtmrSize = 48

	composeHashEvent = "compose-hash"
)

// ReplayRTMRs recomputes RTMR0..3 from an event log. Each register starts
// as 48 zero bytes; every event digest is decoded from hex, right-padded to
// 48 bytes, and folded in with SHA-384(mr || digest). Entries with an IMR
// outside 0..3 or a non-hex digest produce an error.
func ReplayRTMRs(events []EventLogEntry) ([NumRTMRs]string, error) {
	var out [NumRTMRs]string

	var mrs [NumRTMRs][]byte
	for i := range mrs {
		mrs[i] = make([]byte, rtmrSize)
	}

	for idx, ev := range events {
		if ev.IMR < 0 || ev.IMR >= NumRTMRs {
			return out, fmt.Errorf("event %d has invalid imr %d", idx, ev.IMR)
		}
		digest, err := hex.DecodeString(StripHexPrefix(ev.Digest))
		if err != nil {
			return out, fmt.Errorf("event %d digest is not hex: %w", idx, err)
		}
		if len(digest) > rtmrSize {
			return out, fmt.Errorf("event %d digest is %d bytes, want at most %d", idx, len(digest), rtmrSize)
		}
		padded := make([]byte, rtmrSize)
		copy(padded, digest)

		h := sha512.New384()
		h.Write(mrs[ev.IMR])
		h.Write(padded)
		mrs[ev.IMR] = h.Sum(nil)
	}

	for i := range mrs {
		out[i] = hex.EncodeToString(mrs[i])
	}
	return out, nil
}

// ComposeHash returns the SHA-256 of the app_compose manifest as lowercase hex.
func ComposeHash(appCompose string) string {
	sum := sha256.Sum256([]byte(appCompose))
	return hex.EncodeToString(sum[:])
}

// FindComposeHashEvent returns the payload of the RTMR3 compose-hash event,
// which records the hash the guest measured at boot.
func FindComposeHashEvent(events []EventLogEntry) (string, bool) {
	for _, ev := range events {
		if ev.IMR == 3 && ev.Event == composeHashEvent {
			return strings.ToLower(StripHexPrefix(ev.EventPayload)), true
		}
	}
	return "", false
}

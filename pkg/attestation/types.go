// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

// Package attestation defines the wire types exchanged with dstack guests
// and the measurement arithmetic used to check them: RTMR replay over event
// logs and compose-hash recomputation.
package attestation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// EventLogEntry is one digest-producing event extending a runtime
// measurement register.
type EventLogEntry struct {
	IMR          int    `json:"imr"`
	EventType    uint32 `json:"event_type"`
	Digest       string `json:"digest"`
	Event        string `json:"event"`
	EventPayload string `json:"event_payload"`
}

// KmsInfo is the KMS description reported by the upstream inventory.
type KmsInfo struct {
	ContractAddress string `json:"contract_address"`
	ChainID         *int64 `json:"chain_id"`
	Version         string `json:"version"`
	URL             string `json:"url"`
	GatewayAppID    string `json:"gateway_app_id"`
	GatewayAppURL   string `json:"gateway_app_url"`
}

// Instance is one running CVM of an app.
type Instance struct {
	Quote        string          `json:"quote"`
	EventLog     []EventLogEntry `json:"eventlog"`
	ImageVersion string          `json:"image_version"`
}

// SystemInfo is the upstream-reported description of a running app.
type SystemInfo struct {
	AppID           string     `json:"app_id"`
	ContractAddress string     `json:"contract_address"`
	KmsInfo         KmsInfo    `json:"kms_info"`
	Instances       []Instance `json:"instances"`
}

// VmConfig describes the measured virtual machine shape.
type VmConfig struct {
	CPUCount               int   `json:"cpu_count"`
	MemorySize             int64 `json:"memory_size"`
	NumGPUs                int   `json:"num_gpus"`
	NumNvswitches          int   `json:"num_nvswitches"`
	HotplugOff             bool  `json:"hotplug_off"`
	QemuSinglePassAddPages bool  `json:"qemu_single_pass_add_pages"`
	PIC                    bool  `json:"pic"`
	PciHole64Size          int64 `json:"pci_hole64_size"`
	Hugepages              bool  `json:"hugepages"`
}

// TcbInfo carries the guest-reported trusted computing base.
type TcbInfo struct {
	MRTD         string          `json:"mrtd"`
	RTMR0        string          `json:"rtmr0"`
	RTMR1        string          `json:"rtmr1"`
	RTMR2        string          `json:"rtmr2"`
	RTMR3        string          `json:"rtmr3"`
	MrAggregated string          `json:"mr_aggregated"`
	OsImageHash  string          `json:"os_image_hash"`
	ComposeHash  string          `json:"compose_hash"`
	DeviceID     string          `json:"device_id"`
	AppCompose   string          `json:"app_compose"`
	EventLog     []EventLogEntry `json:"event_log"`
}

// AppInfo is the full guest agent report from /prpc/Info.
type AppInfo struct {
	AppID         string   `json:"app_id"`
	InstanceID    string   `json:"instance_id"`
	AppName       string   `json:"app_name"`
	DeviceID      string   `json:"device_id"`
	TcbInfo       TcbInfo  `json:"tcb_info"`
	AppCert       string   `json:"app_cert"`
	PublicLogs    bool     `json:"public_logs"`
	PublicSysinfo bool     `json:"public_sysinfo"`
	VmConfig      VmConfig `json:"vm_config"`
}

// Bundle is the evidence set a verification operates on.
type Bundle struct {
	SigningAddress string          `json:"signing_address"`
	IntelQuote     string          `json:"intel_quote"`
	NvidiaPayload  string          `json:"nvidia_payload,omitempty"`
	EventLog       []EventLogEntry `json:"event_log"`
	Info           AppInfo         `json:"info"`
}

// TD10Report is the register block of a decoded TDX v4 quote.
type TD10Report struct {
	TeeTcbSvn      string `json:"tee_tcb_svn"`
	MrSeam         string `json:"mr_seam"`
	MrSignerSeam   string `json:"mr_signer_seam"`
	SeamAttributes string `json:"seam_attributes"`
	TdAttributes   string `json:"td_attributes"`
	Xfam           string `json:"xfam"`
	MrTd           string `json:"mr_td"`
	MrConfigID     string `json:"mr_config_id"`
	MrOwner        string `json:"mr_owner"`
	MrOwnerConfig  string `json:"mr_owner_config"`
	RtMr0          string `json:"rt_mr0"`
	RtMr1          string `json:"rt_mr1"`
	RtMr2          string `json:"rt_mr2"`
	RtMr3          string `json:"rt_mr3"`
	ReportData     string `json:"report_data"`
}

// QuoteVerification is the DCAP verification tool output.
type QuoteVerification struct {
	Status     string          `json:"status"`
	Advisories []string        `json:"advisory_ids"`
	Report     json.RawMessage `json:"report"`
}

// QuoteHeader is the version block of a decoded quote.
type QuoteHeader struct {
	Version     int    `json:"version"`
	TeeType     string `json:"tee_type"`
	Attestation string `json:"attestation_key_type"`
}

// QuoteReport wraps the report variants a quote can carry; only TD10 is
// used here.
type QuoteReport struct {
	TD10 *TD10Report `json:"TD10"`
}

// DecodedQuote is the quote decode tool output.
type DecodedQuote struct {
	Header QuoteHeader `json:"header"`
	Report QuoteReport `json:"report"`
}

// StatusUpToDate is the DCAP status accepted by hardware verification.
const StatusUpToDate = "UpToDate"

var hexRe = regexp.MustCompile(`^[0-9a-f]*$`)

// NormalizeQuote lowercases a quote hex string and guarantees a 0x prefix.
func NormalizeQuote(quote string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(quote))
	s = strings.TrimPrefix(s, "0x")
	if s == "" || !hexRe.MatchString(s) || len(s)%2 != 0 {
		return "", fmt.Errorf("quote is not valid hex")
	}
	return "0x" + s, nil
}

// StripHexPrefix removes a leading 0x/0X if present.
func StripHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

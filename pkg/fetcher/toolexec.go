// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/Phala-Network/trust-center/pkg/attestation"
)

// ToolExec invokes the trusted local binaries that understand the DCAP wire
// format and the image measurement procedure. Inputs go through temporary
// files, never through a shell, and the files are removed on every path.
type ToolExec struct {
	dcapQvlPath        string
	dstackMrPath       string
	legacyDstackMrPath string
}

// NewToolExec returns a tool runner with the given binary paths.
func NewToolExec(dcapQvlPath, dstackMrPath, legacyDstackMrPath string) *ToolExec {
	return &ToolExec{
		dcapQvlPath:        dcapQvlPath,
		dstackMrPath:       dstackMrPath,
		legacyDstackMrPath: legacyDstackMrPath,
	}
}

// ImageMeasurement is the measurement tool output: the registers an image
// is expected to produce under a given vm shape.
type ImageMeasurement struct {
	MRTD  string `json:"mrtd"`
	RTMR0 string `json:"rtmr0"`
	RTMR1 string `json:"rtmr1"`
	RTMR2 string `json:"rtmr2"`

	Bios    string `json:"bios,omitempty"`
	Kernel  string `json:"kernel,omitempty"`
	Cmdline string `json:"cmdline,omitempty"`
	Initrd  string `json:"initrd,omitempty"`
	Rootfs  string `json:"rootfs,omitempty"`
}

// VerifyQuote runs DCAP verification on the quote and returns the
// collateral status plus advisories.
func (t *ToolExec) VerifyQuote(ctx context.Context, quoteHex string) (*attestation.QuoteVerification, error) {
	out, err := t.runWithQuoteFile(ctx, t.dcapQvlPath, quoteHex, "verify", "--hex", "--file")
	if err != nil {
		return nil, err
	}
	var result attestation.QuoteVerification
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("quote verification output is not valid JSON: %w", err)
	}
	if result.Status == "" {
		return nil, fmt.Errorf("quote verification output is missing status")
	}
	return &result, nil
}

// DecodeQuote parses the quote into its header and TD report.
func (t *ToolExec) DecodeQuote(ctx context.Context, quoteHex string) (*attestation.DecodedQuote, error) {
	out, err := t.runWithQuoteFile(ctx, t.dcapQvlPath, quoteHex, "decode", "--hex", "--file")
	if err != nil {
		return nil, err
	}
	var result attestation.DecodedQuote
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("quote decode output is not valid JSON: %w", err)
	}
	if result.Report.TD10 == nil {
		return nil, fmt.Errorf("quote decode output has no TD10 report")
	}
	return &result, nil
}

// MeasureImage computes the expected registers for an extracted OS image.
// The modern tool takes the vm shape explicitly; the legacy tool reads only
// the image's metadata.json.
func (t *ToolExec) MeasureImage(ctx context.Context, imageDir string, vmConfig *attestation.VmConfig) (*ImageMeasurement, error) {
	var cmd *exec.Cmd
	if vmConfig != nil {
		args := []string{
			"measure", imageDir,
			"--json",
			"--cpu", strconv.Itoa(vmConfig.CPUCount),
			"--memory", strconv.FormatInt(vmConfig.MemorySize, 10),
		}
		if vmConfig.NumGPUs > 0 {
			args = append(args, "--num-gpus", strconv.Itoa(vmConfig.NumGPUs))
		}
		if vmConfig.NumNvswitches > 0 {
			args = append(args, "--num-nvswitches", strconv.Itoa(vmConfig.NumNvswitches))
		}
		if vmConfig.HotplugOff {
			args = append(args, "--hotplug-off")
		}
		if vmConfig.PIC {
			args = append(args, "--pic")
		}
		if vmConfig.QemuSinglePassAddPages {
			args = append(args, "--two-pass-add-pages=false")
		}
		if vmConfig.PciHole64Size > 0 {
			args = append(args, "--pci-hole64-size", strconv.FormatInt(vmConfig.PciHole64Size, 10))
		}
		if vmConfig.Hugepages {
			args = append(args, "--hugepages")
		}
		cmd = exec.CommandContext(ctx, t.dstackMrPath, args...)
	} else {
		cmd = exec.CommandContext(ctx, t.legacyDstackMrPath, "measure", imageDir+"/metadata.json", "--json")
	}

	out, err := cmd.Output()
	if err != nil {
		return nil, toolError(cmd.Path, err)
	}
	var result ImageMeasurement
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("measurement output is not valid JSON: %w", err)
	}
	if result.MRTD == "" {
		return nil, fmt.Errorf("measurement output is missing mrtd")
	}
	return &result, nil
}

// runWithQuoteFile writes the quote hex to a temporary file and runs
// binary subcmd flagHex <file>. The temporary file is always removed.
func (t *ToolExec) runWithQuoteFile(ctx context.Context, binary, quoteHex, subcmd, flagHex, flagFile string) ([]byte, error) {
	f, err := os.CreateTemp("", "quote-*.hex")
	if err != nil {
		return nil, fmt.Errorf("create temp quote file: %w", err)
	}
	path := f.Name()
	defer os.Remove(path)

	quote := strings.TrimPrefix(strings.ToLower(quoteHex), "0x")
	if _, err := f.WriteString(quote); err != nil {
		f.Close()
		return nil, fmt.Errorf("write temp quote file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close temp quote file: %w", err)
	}

	cmd := exec.CommandContext(ctx, binary, subcmd, flagHex, flagFile, path)
	out, err := cmd.Output()
	if err != nil {
		return nil, toolError(binary, err)
	}
	return out, nil
}

func toolError(binary string, err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
		return fmt.Errorf("%s failed: %s", binary, strings.TrimSpace(string(exitErr.Stderr)))
	}
	return fmt.Errorf("%s failed: %w", binary, err)
}

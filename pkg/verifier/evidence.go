// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Phala Network (https://phala.network/).
// Copyright 2024-present Phala Network, Inc.

package verifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/Phala-Network/trust-center/pkg/attestation"
	"github.com/Phala-Network/trust-center/pkg/dataobject"
)

// base carries the collector plumbing and evidence checks shared by the
// concrete verifiers. Object ids are prefixed with the component role.
type base struct {
	role      string
	collector *dataobject.Collector
	tool      QuoteTool
	images    ImageEnsurer
}

func (b *base) Name() string {
	return b.role
}

func (b *base) objectID(aspect string) string {
	return b.role + "-" + aspect
}

func (b *base) mainID() string {
	return b.objectID("main")
}

func (b *base) displayRole() string {
	return strings.ToUpper(b.role[:1]) + b.role[1:]
}

func (b *base) emit(aspect, name, description string, fields map[string]interface{}, calcs ...dataobject.Calculation) {
	b.collector.CreateOrUpdate(dataobject.Object{
		ID:           b.objectID(aspect),
		Name:         name,
		Description:  description,
		Fields:       fields,
		Calculations: calcs,
	})
}

// verifyQuoteEvidence checks the DCAP verdict for a quote and, when an
// event log is supplied, replays it against the decoded TD registers. It
// emits the cpu, quote and per-IMR event log objects.
func (b *base) verifyQuoteEvidence(ctx context.Context, quoteHex string, events []attestation.EventLogEntry) (Result, error) {
	verdict, err := b.tool.VerifyQuote(ctx, quoteHex)
	if err != nil {
		return Result{}, fmt.Errorf("verify quote: %w", err)
	}
	decoded, err := b.tool.DecodeQuote(ctx, quoteHex)
	if err != nil {
		return Result{}, fmt.Errorf("decode quote: %w", err)
	}
	td := decoded.Report.TD10

	b.emit("cpu", fmt.Sprintf("%s CPU", b.displayRole()), "Intel TDX trust domain hardware",
		map[string]interface{}{
			"manufacturer":        "Intel Corporation",
			"security_feature":    "Intel Trust Domain Extensions (TDX)",
			"verification_status": verdict.Status,
			"advisories":          verdict.Advisories,
		})
	b.emit("quote", fmt.Sprintf("%s Attestation Quote", b.displayRole()), "Signed TD report extracted from the DCAP quote",
		map[string]interface{}{
			"mr_td":         td.MrTd,
			"rt_mr0":        td.RtMr0,
			"rt_mr1":        td.RtMr1,
			"rt_mr2":        td.RtMr2,
			"rt_mr3":        td.RtMr3,
			"mr_seam":       td.MrSeam,
			"td_attributes": td.TdAttributes,
			"xfam":          td.Xfam,
			"report_data":   td.ReportData,
		})
	b.collector.AddRelationships(dataobject.Edge{
		TargetID: b.objectID("cpu"),
		Relation: dataobject.Relation{ObjectID: b.objectID("quote")},
	})

	var found []Failure
	if verdict.Status != attestation.StatusUpToDate {
		found = append(found, failf(b.mainID(), "Hardware verification failed: quote status is %q, want %q", verdict.Status, attestation.StatusUpToDate))
	}

	if events != nil {
		replayFailures, err := b.replayEventLog(events, td)
		if err != nil {
			return Result{}, err
		}
		found = append(found, replayFailures...)
	}
	return failures(found...), nil
}

// replayEventLog emits one event log object per IMR with a replay_rtmr
// calculation and compares each replayed register with the quote.
func (b *base) replayEventLog(events []attestation.EventLogEntry, td *attestation.TD10Report) ([]Failure, error) {
	replayed, err := attestation.ReplayRTMRs(events)
	if err != nil {
		return nil, fmt.Errorf("replay event log: %w", err)
	}

	reported := [attestation.NumRTMRs]string{td.RtMr0, td.RtMr1, td.RtMr2, td.RtMr3}
	var found []Failure
	for imr := 0; imr < attestation.NumRTMRs; imr++ {
		perIMR := eventsForIMR(events, imr)
		id := fmt.Sprintf("event-logs-imr%d", imr)
		b.emit(id,
			fmt.Sprintf("Event Log RTMR%d", imr),
			fmt.Sprintf("Boot events extending runtime measurement register %d", imr),
			map[string]interface{}{
				"imr":       imr,
				"event_log": perIMR,
				"rtmr":      replayed[imr],
			},
			dataobject.Calculation{Inputs: []string{"event_log"}, Func: "replay_rtmr", Outputs: []string{"rtmr"}},
		)
		b.collector.AddRelationships(dataobject.Edge{
			TargetID: b.objectID("quote"),
			Relation: dataobject.Relation{
				ObjectID:         b.objectID(id),
				SourceCalcOutput: "rtmr",
				SelfField:        fmt.Sprintf("rt_mr%d", imr),
			},
		})

		if !hexEqual(replayed[imr], reported[imr]) {
			found = append(found, failf(b.mainID(), "Hardware verification failed: RTMR%d replay mismatch: event log replays to %s, quote reports %s", imr, replayed[imr], reported[imr]))
		}
	}
	return found, nil
}

// verifyOSEvidence ensures the image is on disk, measures it and compares
// MRTD and RTMR0..2 with the guest-reported TCB. RTMR3 is application
// state, not OS state, and is deliberately excluded.
func (b *base) verifyOSEvidence(ctx context.Context, imageName string, vmConfig *attestation.VmConfig, tcb attestation.TcbInfo) (Result, error) {
	dir, err := b.images.Ensure(ctx, imageName)
	if err != nil {
		return Result{}, fmt.Errorf("ensure image %s: %w", imageName, err)
	}
	measured, err := b.tool.MeasureImage(ctx, dir, vmConfig)
	if err != nil {
		return Result{}, fmt.Errorf("measure image %s: %w", imageName, err)
	}

	osFields := map[string]interface{}{
		"image_version": imageName,
		"os_image_hash": tcb.OsImageHash,
	}
	if vmConfig != nil {
		osFields["vm_config"] = *vmConfig
	}
	b.emit("os", fmt.Sprintf("%s Operating System", b.displayRole()), "dstack guest OS image", osFields)

	b.emit("os-code", "OS Boot Artifacts", "Measured boot artifacts of the OS image",
		map[string]interface{}{
			"bios":    measured.Bios,
			"kernel":  measured.Kernel,
			"cmdline": measured.Cmdline,
			"initrd":  measured.Initrd,
			"rootfs":  measured.Rootfs,
		},
		dataobject.Calculation{
			Inputs:  []string{"bios", "kernel", "cmdline", "initrd", "rootfs"},
			Func:    "measure_image",
			Outputs: []string{"mrtd", "rtmr0", "rtmr1", "rtmr2"},
		},
	)
	b.collector.AddRelationships(
		dataobject.Edge{TargetID: b.objectID("os"), Relation: dataobject.Relation{ObjectID: b.objectID("os-code")}},
		dataobject.Edge{TargetID: b.objectID("quote"), Relation: dataobject.Relation{ObjectID: b.objectID("os-code"), SourceCalcOutput: "mrtd", SelfField: "mr_td"}},
		dataobject.Edge{TargetID: b.objectID("quote"), Relation: dataobject.Relation{ObjectID: b.objectID("os-code"), SourceCalcOutput: "rtmr0", SelfField: "rt_mr0"}},
		dataobject.Edge{TargetID: b.objectID("quote"), Relation: dataobject.Relation{ObjectID: b.objectID("os-code"), SourceCalcOutput: "rtmr1", SelfField: "rt_mr1"}},
		dataobject.Edge{TargetID: b.objectID("quote"), Relation: dataobject.Relation{ObjectID: b.objectID("os-code"), SourceCalcOutput: "rtmr2", SelfField: "rt_mr2"}},
	)

	expected := map[string][2]string{
		"mrtd":  {measured.MRTD, tcb.MRTD},
		"rtmr0": {measured.RTMR0, tcb.RTMR0},
		"rtmr1": {measured.RTMR1, tcb.RTMR1},
		"rtmr2": {measured.RTMR2, tcb.RTMR2},
	}
	var found []Failure
	for _, reg := range []string{"mrtd", "rtmr0", "rtmr1", "rtmr2"} {
		pair := expected[reg]
		if !hexEqual(pair[0], pair[1]) {
			found = append(found, failf(b.mainID(), "OS verification failed: %s mismatch: image measures to %s, guest reports %s", reg, pair[0], pair[1]))
		}
	}
	return failures(found...), nil
}

// verifyComposeEvidence recomputes the compose hash from the manifest and
// checks it against the RTMR3 event log, plus the on-chain registry when
// one is configured.
func (b *base) verifyComposeEvidence(ctx context.Context, appCompose string, events []attestation.EventLogEntry, registry Registry, appContract string) (Result, error) {
	calculated := attestation.ComposeHash(appCompose)

	b.emit("code", fmt.Sprintf("%s Source Code", b.displayRole()), "Declarative deployment manifest",
		map[string]interface{}{
			"compose_file": appCompose,
			"compose_hash": calculated,
		},
		dataobject.Calculation{Inputs: []string{"compose_file"}, Func: "sha256", Outputs: []string{"compose_hash"}},
	)
	b.collector.AddRelationships(dataobject.Edge{
		TargetID: b.objectID("code"),
		Relation: dataobject.Relation{
			ObjectID:       b.objectID("event-logs-imr3"),
			SourceField:    "event_log",
			SelfCalcOutput: "compose_hash",
		},
	})

	recorded, ok := attestation.FindComposeHashEvent(events)
	var found []Failure
	switch {
	case !ok:
		found = append(found, failf(b.mainID(), "Source verification failed: no compose-hash event in the RTMR3 event log"))
	case !hexEqual(recorded, calculated):
		found = append(found, failf(b.mainID(), "Source verification failed: compose hash mismatch: manifest hashes to %s, event log records %s", calculated, recorded))
	}

	if registry != nil && appContract != "" {
		registered, err := registry.ComposeHashRegistered(ctx, appContract, calculated)
		if err != nil {
			return Result{}, fmt.Errorf("check compose hash registration: %w", err)
		}
		if !registered {
			found = append(found, failf(b.mainID(), "Compose hash is not registered in the on-chain registry"))
		}
	}
	return failures(found...), nil
}

func eventsForIMR(events []attestation.EventLogEntry, imr int) []attestation.EventLogEntry {
	var out []attestation.EventLogEntry
	for _, ev := range events {
		if ev.IMR == imr {
			out = append(out, ev)
		}
	}
	return out
}

func hexEqual(a, b string) bool {
	return strings.EqualFold(attestation.StripHexPrefix(a), attestation.StripHexPrefix(b))
}

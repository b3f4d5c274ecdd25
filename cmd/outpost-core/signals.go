// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/outpost-sec/outpost/lib/defence"
	"github.com/outpost-sec/outpost/lib/evidence"
	"github.com/outpost-sec/outpost/lib/uplink"
	"github.com/outpost-sec/outpost/lib/wire"
)

// signalHandler is the sensor channel's inbound handler: evaluate the
// behaviour signal, apply the policy response, spool the finding, and
// capture file evidence for permitted enforcement actions.
type signalHandler struct {
	engine *defence.Engine
	broker *evidence.Broker
	queue  *uplink.Queue
	logger *slog.Logger
}

// findingReport is the uplink payload pairing a finding with what the
// policy actually did about it.
type findingReport struct {
	Finding  defence.Finding  `json:"finding"`
	Response defence.Evidence `json:"response"`
}

func (h *signalHandler) handleEnvelope(ctx context.Context, envelope wire.Envelope) error {
	if envelope.Kind != wire.KindBehaviourSignal {
		h.logger.Warn("unexpected envelope on sensor channel", "kind", envelope.Kind)
		return nil
	}

	var signal defence.Signal
	if err := envelope.Decode(&signal); err != nil {
		return err
	}

	finding := h.engine.EvaluateSignal(signal)
	response := h.engine.ApplyResponse(finding)

	err := h.queue.Enqueue(uplink.KindFinding, findingReport{
		Finding:  finding,
		Response: response,
	})
	if err != nil {
		h.logger.Error("spooling finding failed",
			"detection_id", finding.DetectionID, "error", err)
	}

	// A permitted enforcement against a file artifact is worth a
	// sealed copy of that file before it changes state.
	if response.PermittedByPolicy && response.Action != defence.ActionObserveOnly && finding.FilePath != "" {
		h.captureFile(finding)
	}
	return nil
}

func (h *signalHandler) captureFile(finding defence.Finding) {
	id := h.broker.Add("defence", "file", finding.DetectionID, finding.FilePath)
	if err := h.broker.Seal(id); err != nil {
		h.logger.Error("sealing evidence failed", "evidence_id", id, "error", err)
		return
	}
	if err := h.broker.Upload(id); err != nil {
		h.logger.Error("uploading evidence failed", "evidence_id", id, "error", err)
	}
}

// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package defence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/outpost-sec/outpost/lib/clock"
)

// State capture around an enforcement is not wired to the OS layer in
// this build; the fixed markers keep the evidence schema stable for
// consumers.
const (
	beforeStateMarker = "capture-before-state"
	afterStateMarker  = "capture-after-state"
)

// EngineConfig holds the parameters for creating an Engine.
type EngineConfig struct {
	// Policy is validated at construction.
	Policy Policy

	// Clock defaults to the real clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Engine turns signals into findings and findings into enforcement
// evidence. Safe for concurrent use; the rate limiter's
// check-then-record sequences are the only shared mutable state.
type Engine struct {
	policy Policy
	clock  clock.Clock
	logger *slog.Logger

	// mu serializes limiter access.
	mu      sync.Mutex
	limiter windowLimiter
}

// NewEngine creates a defence engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("defence: invalid policy: %w", err)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		policy: cfg.Policy,
		clock:  clk,
		logger: logger.With("component", "defence"),
		limiter: windowLimiter{
			max:    cfg.Policy.MaxActionsPerWindow,
			window: cfg.Policy.Window(),
		},
	}, nil
}

// Summary describes the active policy for startup logging.
func (e *Engine) Summary() string {
	return fmt.Sprintf("policy %s mode=%s min_confidence=%g",
		e.policy.PolicyID, e.policy.Mode, e.policy.MinConfidence)
}

// EvaluateSignal decides what response a signal warrants. The finding
// proposes the signal's requested response only when every gate
// passes; any rejection proposes observe-only with the first matching
// reason.
func (e *Engine) EvaluateSignal(signal Signal) Finding {
	finding := Finding{
		DetectionID:        "DEF-" + signal.Name,
		RuleID:             signal.RuleID,
		BehaviourSignature: signal.Name,
		Confidence:         signal.Confidence,
		ProcessID:          signal.ProcessID,
		FilePath:           signal.FilePath,
		Timestamp:          signal.ObservedAt,
		ProposedResponse:   ActionObserveOnly,
	}
	if finding.Timestamp == "" {
		finding.Timestamp = e.clock.Now().UTC().Format(time.RFC3339)
	}

	finding.DecisionReason = e.decide(signal)
	if finding.DecisionReason == ReasonPermitted {
		finding.ProposedResponse = signal.RequestedResponse
	}

	e.logger.Debug("signal evaluated",
		"detection_id", finding.DetectionID,
		"rule_id", finding.RuleID,
		"proposed_response", finding.ProposedResponse,
		"reason", finding.DecisionReason,
	)
	return finding
}

// decide runs the rejection ladder. First match wins.
func (e *Engine) decide(signal Signal) string {
	if signal.RuleID == "" {
		return ReasonMissingRuleID
	}
	if !signal.ResponseDefined {
		return ReasonResponseUndefined
	}
	if signal.Confidence < e.policy.MinConfidence {
		return ReasonLowConfidence
	}
	if requiresProcessContext(signal.RequestedResponse) && signal.ProcessID == "" {
		return ReasonMissingProcess
	}
	if requiresFileContext(signal.RequestedResponse) && signal.FilePath == "" {
		return ReasonMissingFile
	}
	if e.policy.Mode == ModeObserve {
		return ReasonObserveOnly
	}

	e.mu.Lock()
	saturated := e.limiter.saturated(e.clock.Now())
	e.mu.Unlock()
	if saturated {
		return ReasonRateLimited
	}
	return ReasonPermitted
}

// ApplyResponse enforces a finding. The per-action allow flag is
// re-checked here regardless of what the evaluation concluded; a
// disallowed action is recorded as observe-only with its reason
// overwritten. Only a permitted non-observe action advances the rate
// limiter.
func (e *Engine) ApplyResponse(finding Finding) Evidence {
	now := e.clock.Now()
	evidence := Evidence{
		FindingID:         finding.DetectionID,
		PolicyID:          e.policy.PolicyID,
		Action:            finding.ProposedResponse,
		PermittedByPolicy: e.allowed(finding.ProposedResponse),
		DecisionReason:    finding.DecisionReason,
		BeforeState:       beforeStateMarker,
		AfterState:        afterStateMarker,
		Timestamp:         now.UTC().Format(time.RFC3339),
	}

	if evidence.Action != ActionObserveOnly && evidence.PermittedByPolicy {
		e.mu.Lock()
		e.limiter.record(now)
		e.mu.Unlock()
	}

	if !evidence.PermittedByPolicy {
		evidence.Action = ActionObserveOnly
		evidence.DecisionReason = ReasonBlockedByPolicy
	}

	e.logger.Info("response applied",
		"finding_id", evidence.FindingID,
		"action", evidence.Action,
		"permitted", evidence.PermittedByPolicy,
		"reason", evidence.DecisionReason,
	)
	return evidence
}

// allowed is the authoritative per-action gate. Observe-only is always
// allowed; everything else needs enforce mode plus its flag. Unknown
// actions are never allowed.
func (e *Engine) allowed(action ResponseAction) bool {
	if action == ActionObserveOnly {
		return true
	}
	if e.policy.Mode == ModeObserve {
		return false
	}
	switch action {
	case ActionKillProcess:
		return e.policy.AllowKillProcess
	case ActionQuarantineFile:
		return e.policy.AllowQuarantineFile
	case ActionBlockNetwork:
		return e.policy.AllowBlockNetwork
	case ActionPreventExecution:
		return e.policy.AllowPreventExecution
	}
	return false
}

// requiresProcessContext reports whether the action operates on a
// process and therefore needs a process id from the signal.
func requiresProcessContext(action ResponseAction) bool {
	switch action {
	case ActionKillProcess, ActionBlockNetwork:
		return true
	}
	return false
}

// requiresFileContext reports whether the action operates on a file
// and therefore needs a file path from the signal.
func requiresFileContext(action ResponseAction) bool {
	switch action {
	case ActionQuarantineFile, ActionPreventExecution:
		return true
	}
	return false
}

// windowLimiter is a sliding-window counter over enforcement actions.
// Boundary rule: with a cap of N, the N-th action inside the window is
// permitted and the N+1-th is rejected. A timestamp exactly one window
// old still counts. Non-positive cap or window disables it.
type windowLimiter struct {
	max    int
	window time.Duration
	times  []time.Time
}

func (l *windowLimiter) disabled() bool {
	return l.max <= 0 || l.window <= 0
}

// prune drops timestamps older than the window.
func (l *windowLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.times[:0]
	for _, at := range l.times {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	l.times = kept
}

// saturated reports whether the window already holds max actions.
// Prunes as a side effect so the history cannot grow unbounded on a
// check-heavy workload.
func (l *windowLimiter) saturated(now time.Time) bool {
	if l.disabled() {
		return false
	}
	l.prune(now)
	return len(l.times) >= l.max
}

// record adds an action timestamp. Callers record only actions that
// were permitted and non-observe.
func (l *windowLimiter) record(now time.Time) {
	if l.disabled() {
		return
	}
	l.prune(now)
	l.times = append(l.times, now)
}

// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package defence

import (
	"testing"
	"time"

	"github.com/outpost-sec/outpost/lib/clock"
)

func testEngine(t *testing.T, policy Policy, clk clock.Clock) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{Policy: policy, Clock: clk})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return engine
}

func enforceAllPolicy() Policy {
	policy := DefaultPolicy()
	policy.Mode = ModeEnforce
	policy.AllowKillProcess = true
	policy.AllowQuarantineFile = true
	policy.AllowBlockNetwork = true
	policy.AllowPreventExecution = true
	return policy
}

// killSignal is a fully-formed process signal that passes every gate
// of an enforce-all policy. Tests mutate single fields to probe each
// rejection.
func killSignal() Signal {
	return Signal{
		Type:              SignalProcess,
		Name:              "credential-dump",
		RuleID:            "R-1021",
		ProcessID:         "4242",
		CommandLine:       "/usr/bin/scrape --lsass",
		Confidence:        0.92,
		ObservedAt:        "2026-03-14T09:00:00Z",
		ResponseDefined:   true,
		RequestedResponse: ActionKillProcess,
	}
}

func TestEvaluateRejectionLadder(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Signal)
		wantReason string
	}{
		{"missing rule identifier",
			func(s *Signal) { s.RuleID = "" },
			ReasonMissingRuleID},
		{"rule check precedes response check",
			func(s *Signal) { s.RuleID = ""; s.ResponseDefined = false },
			ReasonMissingRuleID},
		{"response undefined",
			func(s *Signal) { s.ResponseDefined = false },
			ReasonResponseUndefined},
		{"confidence below threshold",
			func(s *Signal) { s.Confidence = 0.69 },
			ReasonLowConfidence},
		{"kill needs a process id",
			func(s *Signal) { s.ProcessID = "" },
			ReasonMissingProcess},
		{"block-network needs a process id",
			func(s *Signal) { s.RequestedResponse = ActionBlockNetwork; s.ProcessID = "" },
			ReasonMissingProcess},
		{"quarantine needs a file path",
			func(s *Signal) { s.RequestedResponse = ActionQuarantineFile },
			ReasonMissingFile},
		{"prevent-execution needs a file path",
			func(s *Signal) { s.RequestedResponse = ActionPreventExecution },
			ReasonMissingFile},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
			engine := testEngine(t, enforceAllPolicy(), fakeClock)
			signal := killSignal()
			test.mutate(&signal)

			finding := engine.EvaluateSignal(signal)
			if finding.DecisionReason != test.wantReason {
				t.Errorf("reason = %q, want %q", finding.DecisionReason, test.wantReason)
			}
			if finding.ProposedResponse != ActionObserveOnly {
				t.Errorf("proposed = %q, want observe-only on rejection", finding.ProposedResponse)
			}
		})
	}
}

func TestEvaluatePermitted(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := testEngine(t, enforceAllPolicy(), fakeClock)

	finding := engine.EvaluateSignal(killSignal())

	if finding.DetectionID != "DEF-credential-dump" {
		t.Errorf("DetectionID = %q, want DEF-credential-dump", finding.DetectionID)
	}
	if finding.RuleID != "R-1021" {
		t.Errorf("RuleID = %q, want R-1021", finding.RuleID)
	}
	if finding.BehaviourSignature != "credential-dump" {
		t.Errorf("BehaviourSignature = %q, want credential-dump", finding.BehaviourSignature)
	}
	if finding.Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", finding.Confidence)
	}
	if finding.ProcessID != "4242" {
		t.Errorf("ProcessID = %q, want 4242", finding.ProcessID)
	}
	if finding.Timestamp != "2026-03-14T09:00:00Z" {
		t.Errorf("Timestamp = %q, want the signal's observed_at", finding.Timestamp)
	}
	if finding.ProposedResponse != ActionKillProcess {
		t.Errorf("ProposedResponse = %q, want kill-process", finding.ProposedResponse)
	}
	if finding.DecisionReason != ReasonPermitted {
		t.Errorf("DecisionReason = %q, want %q", finding.DecisionReason, ReasonPermitted)
	}
}

func TestEvaluateConfidenceBoundary(t *testing.T) {
	// The threshold check is strictly less-than: a signal exactly at
	// the threshold passes.
	engine := testEngine(t, enforceAllPolicy(), clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	signal := killSignal()
	signal.Confidence = 0.7

	finding := engine.EvaluateSignal(signal)
	if finding.DecisionReason != ReasonPermitted {
		t.Errorf("reason = %q, want %q at exact threshold", finding.DecisionReason, ReasonPermitted)
	}
}

func TestEvaluateObserveMode(t *testing.T) {
	engine := testEngine(t, DefaultPolicy(), clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	finding := engine.EvaluateSignal(killSignal())
	if finding.DecisionReason != ReasonObserveOnly {
		t.Errorf("reason = %q, want %q", finding.DecisionReason, ReasonObserveOnly)
	}
	if finding.ProposedResponse != ActionObserveOnly {
		t.Errorf("proposed = %q, want observe-only", finding.ProposedResponse)
	}
}

func TestEvaluateTimestampFallback(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 5, 2, 13, 30, 0, 0, time.UTC))
	engine := testEngine(t, enforceAllPolicy(), fakeClock)
	signal := killSignal()
	signal.ObservedAt = ""

	finding := engine.EvaluateSignal(signal)
	if finding.Timestamp != "2026-05-02T13:30:00Z" {
		t.Errorf("Timestamp = %q, want the engine clock time", finding.Timestamp)
	}
}

func TestApplyResponsePermitted(t *testing.T) {
	fakeClock := clock.Fake(time.Date(2026, 5, 2, 13, 30, 0, 0, time.UTC))
	engine := testEngine(t, enforceAllPolicy(), fakeClock)

	finding := engine.EvaluateSignal(killSignal())
	evidence := engine.ApplyResponse(finding)

	if evidence.FindingID != "DEF-credential-dump" {
		t.Errorf("FindingID = %q, want DEF-credential-dump", evidence.FindingID)
	}
	if evidence.PolicyID != "default-policy" {
		t.Errorf("PolicyID = %q, want default-policy", evidence.PolicyID)
	}
	if evidence.Action != ActionKillProcess {
		t.Errorf("Action = %q, want kill-process", evidence.Action)
	}
	if !evidence.PermittedByPolicy {
		t.Error("PermittedByPolicy = false, want true")
	}
	if evidence.DecisionReason != ReasonPermitted {
		t.Errorf("DecisionReason = %q, want %q", evidence.DecisionReason, ReasonPermitted)
	}
	if evidence.BeforeState != "capture-before-state" || evidence.AfterState != "capture-after-state" {
		t.Errorf("state markers = %q/%q", evidence.BeforeState, evidence.AfterState)
	}
	if evidence.Timestamp != "2026-05-02T13:30:00Z" {
		t.Errorf("Timestamp = %q, want the engine clock time", evidence.Timestamp)
	}
}

func TestApplyResponseBlockedByPolicy(t *testing.T) {
	policy := enforceAllPolicy()
	policy.AllowKillProcess = false
	engine := testEngine(t, policy, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	// Evaluation does not consult the allow flags, so the finding
	// proposes the kill; the apply gate must stop it.
	finding := engine.EvaluateSignal(killSignal())
	if finding.DecisionReason != ReasonPermitted {
		t.Fatalf("evaluation reason = %q, want %q", finding.DecisionReason, ReasonPermitted)
	}

	evidence := engine.ApplyResponse(finding)
	if evidence.PermittedByPolicy {
		t.Error("PermittedByPolicy = true, want false")
	}
	if evidence.Action != ActionObserveOnly {
		t.Errorf("Action = %q, want observe-only", evidence.Action)
	}
	if evidence.DecisionReason != ReasonBlockedByPolicy {
		t.Errorf("DecisionReason = %q, want %q", evidence.DecisionReason, ReasonBlockedByPolicy)
	}
}

func TestApplyResponseUnknownActionBlocked(t *testing.T) {
	engine := testEngine(t, enforceAllPolicy(), clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	evidence := engine.ApplyResponse(Finding{
		DetectionID:      "DEF-forged",
		ProposedResponse: ResponseAction("wipe-disk"),
	})
	if evidence.PermittedByPolicy {
		t.Error("unknown action permitted, want blocked")
	}
	if evidence.Action != ActionObserveOnly {
		t.Errorf("Action = %q, want observe-only", evidence.Action)
	}
}

func TestApplyResponseObserveModeBlocksEnforcement(t *testing.T) {
	// A finding that proposes enforcement can only have come from an
	// enforce-mode evaluation, but the apply gate stands on its own:
	// under an observe policy nothing non-observe is permitted.
	engine := testEngine(t, DefaultPolicy(), clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	evidence := engine.ApplyResponse(Finding{
		DetectionID:      "DEF-stale",
		ProposedResponse: ActionKillProcess,
	})
	if evidence.PermittedByPolicy {
		t.Error("enforcement permitted under observe mode")
	}
	if evidence.Action != ActionObserveOnly {
		t.Errorf("Action = %q, want observe-only", evidence.Action)
	}
	if evidence.DecisionReason != ReasonBlockedByPolicy {
		t.Errorf("DecisionReason = %q, want %q", evidence.DecisionReason, ReasonBlockedByPolicy)
	}
}

func TestRateLimitBoundary(t *testing.T) {
	policy := enforceAllPolicy()
	policy.MaxActionsPerWindow = 2
	policy.ActionWindowSeconds = 300
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := testEngine(t, policy, fakeClock)

	// Two permitted actions fill the window.
	engine.ApplyResponse(engine.EvaluateSignal(killSignal()))
	fakeClock.Advance(time.Second)
	engine.ApplyResponse(engine.EvaluateSignal(killSignal()))

	// The N+1-th inside the window is rejected.
	finding := engine.EvaluateSignal(killSignal())
	if finding.DecisionReason != ReasonRateLimited {
		t.Fatalf("reason = %q, want %q", finding.DecisionReason, ReasonRateLimited)
	}

	// A timestamp exactly one window old still counts.
	fakeClock.Advance(299 * time.Second)
	finding = engine.EvaluateSignal(killSignal())
	if finding.DecisionReason != ReasonRateLimited {
		t.Errorf("reason at window boundary = %q, want %q", finding.DecisionReason, ReasonRateLimited)
	}

	// One second later the first action ages out.
	fakeClock.Advance(time.Second)
	finding = engine.EvaluateSignal(killSignal())
	if finding.DecisionReason != ReasonPermitted {
		t.Errorf("reason after window = %q, want %q", finding.DecisionReason, ReasonPermitted)
	}
}

func TestRateLimitDisabled(t *testing.T) {
	for _, test := range []struct {
		name   string
		mutate func(*Policy)
	}{
		{"zero cap", func(p *Policy) { p.MaxActionsPerWindow = 0 }},
		{"zero window", func(p *Policy) { p.ActionWindowSeconds = 0 }},
	} {
		t.Run(test.name, func(t *testing.T) {
			policy := enforceAllPolicy()
			test.mutate(&policy)
			engine := testEngine(t, policy, clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

			for i := 0; i < 20; i++ {
				finding := engine.EvaluateSignal(killSignal())
				if finding.DecisionReason != ReasonPermitted {
					t.Fatalf("action %d: reason = %q, want %q", i, finding.DecisionReason, ReasonPermitted)
				}
				engine.ApplyResponse(finding)
			}
		})
	}
}

func TestBlockedActionsDoNotAdvanceLimiter(t *testing.T) {
	policy := enforceAllPolicy()
	policy.AllowKillProcess = false
	policy.MaxActionsPerWindow = 1
	fakeClock := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	engine := testEngine(t, policy, fakeClock)

	// Blocked kills must not consume the action budget.
	for i := 0; i < 3; i++ {
		engine.ApplyResponse(engine.EvaluateSignal(killSignal()))
	}

	quarantine := killSignal()
	quarantine.RequestedResponse = ActionQuarantineFile
	quarantine.FilePath = "/tmp/dropper.bin"

	finding := engine.EvaluateSignal(quarantine)
	if finding.DecisionReason != ReasonPermitted {
		t.Fatalf("reason = %q, want %q after blocked actions", finding.DecisionReason, ReasonPermitted)
	}
	engine.ApplyResponse(finding)

	// The permitted quarantine does consume it.
	finding = engine.EvaluateSignal(quarantine)
	if finding.DecisionReason != ReasonRateLimited {
		t.Errorf("reason = %q, want %q", finding.DecisionReason, ReasonRateLimited)
	}
}

func TestSummary(t *testing.T) {
	engine := testEngine(t, DefaultPolicy(), clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	summary := engine.Summary()
	want := "policy default-policy mode=observe min_confidence=0.7"
	if summary != want {
		t.Errorf("Summary() = %q, want %q", summary, want)
	}
}

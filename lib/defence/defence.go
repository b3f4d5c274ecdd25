// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package defence evaluates behaviour signals against a response
// policy.
//
// The pipeline is Signal → Finding → Evidence. [Engine.EvaluateSignal]
// runs a default-deny rejection ladder over an incoming signal and
// produces a finding whose proposed response is observe-only unless
// every gate passes. [Engine.ApplyResponse] is the second,
// authoritative gate: it re-checks the per-action allow flag
// independent of the finding's own reasoning, forces disallowed
// actions back to observe-only, and advances the enforcement rate
// limiter only for actions that were actually permitted.
//
// Every rejection path degrades to observe-only; nothing in this
// package escalates a response beyond what the signal requested and
// the policy allows.
package defence

import (
	"errors"
	"fmt"
	"time"
)

// SignalType classifies the behaviour a sensor observed.
type SignalType string

const (
	SignalProcess   SignalType = "process"
	SignalMemory    SignalType = "memory"
	SignalFile      SignalType = "file"
	SignalPrivilege SignalType = "privilege"
)

// Valid reports whether t is in the closed signal-type set.
func (t SignalType) Valid() bool {
	switch t {
	case SignalProcess, SignalMemory, SignalFile, SignalPrivilege:
		return true
	}
	return false
}

// ResponseAction is a closed set. Unknown values fail Valid and are
// never allowed by the policy gate.
type ResponseAction string

const (
	ActionObserveOnly      ResponseAction = "observe-only"
	ActionKillProcess      ResponseAction = "kill-process"
	ActionQuarantineFile   ResponseAction = "quarantine-file"
	ActionBlockNetwork     ResponseAction = "block-network"
	ActionPreventExecution ResponseAction = "prevent-execution"
)

// Valid reports whether a is in the closed action set.
func (a ResponseAction) Valid() bool {
	switch a {
	case ActionObserveOnly, ActionKillProcess, ActionQuarantineFile,
		ActionBlockNetwork, ActionPreventExecution:
		return true
	}
	return false
}

// Mode selects whether permitted responses may actually act.
type Mode string

const (
	ModeObserve Mode = "observe"
	ModeEnforce Mode = "enforce"
)

// Decision reasons. These exact strings are recorded on findings and
// evidence and consumed by the backend's triage tooling; treat them as
// part of the reporting contract.
const (
	ReasonMissingRuleID     = "missing rule identifier"
	ReasonResponseUndefined = "response undefined"
	ReasonLowConfidence     = "confidence below threshold"
	ReasonMissingProcess    = "missing process context"
	ReasonMissingFile       = "missing file context"
	ReasonObserveOnly       = "policy observe-only"
	ReasonRateLimited       = "rate limited"
	ReasonPermitted         = "action permitted"
	ReasonBlockedByPolicy   = "action blocked by policy"
)

// Signal is one behavioural observation from a sensor.
type Signal struct {
	Type        SignalType `json:"type"`
	Name        string     `json:"name"`
	RuleID      string     `json:"rule_id"`
	ProcessID   string     `json:"process_id"`
	FilePath    string     `json:"file_path"`
	CommandLine string     `json:"command_line"`
	Confidence  float64    `json:"confidence"`
	ObservedAt  string     `json:"observed_at"`

	// ResponseDefined marks that the detection rule names a response.
	// A signal without one can only ever be observed.
	ResponseDefined   bool           `json:"response_defined"`
	RequestedResponse ResponseAction `json:"requested_response"`
}

// Finding is the engine's decision about one signal. Pure data: the
// evaluation has no side effects, so a finding can be re-evaluated,
// logged, and shipped without coordination.
type Finding struct {
	DetectionID        string         `json:"detection_id"`
	RuleID             string         `json:"rule_id"`
	BehaviourSignature string         `json:"behaviour_signature"`
	Confidence         float64        `json:"confidence"`
	ProcessID          string         `json:"process_id"`
	FilePath           string         `json:"file_path"`
	Timestamp          string         `json:"timestamp"`
	ProposedResponse   ResponseAction `json:"proposed_response"`
	DecisionReason     string         `json:"decision_reason"`
}

// Evidence records what ApplyResponse actually did with a finding.
type Evidence struct {
	FindingID         string         `json:"finding_id"`
	PolicyID          string         `json:"policy_id"`
	Action            ResponseAction `json:"action"`
	PermittedByPolicy bool           `json:"permitted_by_policy"`
	DecisionReason    string         `json:"decision_reason"`
	BeforeState       string         `json:"before_state"`
	AfterState        string         `json:"after_state"`
	Timestamp         string         `json:"timestamp"`
}

// Policy is the active response policy. The zero value denies every
// enforcement; DefaultPolicy is the deployment baseline.
type Policy struct {
	PolicyID            string  `json:"policy_id"`
	Mode                Mode    `json:"mode"`
	MinConfidence       float64 `json:"min_confidence_threshold"`
	MaxActionsPerWindow int     `json:"max_actions_per_window"`
	ActionWindowSeconds int     `json:"action_window_seconds"`

	// Per-action allow flags, each its own gate. Enforce mode with
	// every flag false observes and records but never acts.
	AllowKillProcess      bool `json:"allow_kill_process"`
	AllowQuarantineFile   bool `json:"allow_quarantine_file"`
	AllowBlockNetwork     bool `json:"allow_block_network"`
	AllowPreventExecution bool `json:"allow_prevent_execution"`
}

// DefaultPolicy returns the baseline: observe-only, 0.7 confidence
// threshold, 5 actions per 300s window, nothing allowed.
func DefaultPolicy() Policy {
	return Policy{
		PolicyID:            "default-policy",
		Mode:                ModeObserve,
		MinConfidence:       0.7,
		MaxActionsPerWindow: 5,
		ActionWindowSeconds: 300,
	}
}

// Window returns the rate limiter's sliding-window width.
func (p Policy) Window() time.Duration {
	return time.Duration(p.ActionWindowSeconds) * time.Second
}

// Validate reports every problem with the policy. A non-positive
// window or action cap is not an error; it disables the rate limiter.
func (p Policy) Validate() error {
	var errs []error
	if p.PolicyID == "" {
		errs = append(errs, errors.New("policy_id is required"))
	}
	switch p.Mode {
	case ModeObserve, ModeEnforce:
	default:
		errs = append(errs, fmt.Errorf("mode %q is not one of observe, enforce", p.Mode))
	}
	if p.MinConfidence < 0 || p.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("min_confidence_threshold %v is outside [0, 1]", p.MinConfidence))
	}
	return errors.Join(errs...)
}

// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package defence

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ParsePolicy strips JSONC comments and trailing commas from data,
// then unmarshals the result over base. Fields absent from the
// document keep their base values, so a policy file only needs to
// state what it changes. The merged policy is validated.
func ParsePolicy(data []byte, base Policy) (Policy, error) {
	merged := base
	if err := json.Unmarshal(jsonc.ToJSON(data), &merged); err != nil {
		return Policy{}, fmt.Errorf("parsing policy: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return Policy{}, fmt.Errorf("invalid policy: %w", err)
	}
	return merged, nil
}

// ReadPolicyFile reads a JSONC policy document from disk and overlays
// it on base. The format is the Policy JSON schema extended with //
// line comments, /* block comments */, and trailing commas, so
// operators can annotate why a deployment deviates from the baseline.
func ReadPolicyFile(path string, base Policy) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("reading %s: %w", path, err)
	}

	policy, err := ParsePolicy(data, base)
	if err != nil {
		return Policy{}, fmt.Errorf("%s: %w", path, err)
	}
	return policy, nil
}

// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"path/filepath"
	"testing"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"clean", "signals", "signals"},
		{"mixed case kept", "Outpost_Signals-1", "Outpost_Signals-1"},
		{"dots dropped", "outpost.signals", "outpostsignals"},
		{"path separators dropped", "../../etc/passwd", "etcpasswd"},
		{"spaces dropped", "patch execution", "patchexecution"},
		{"empty falls back", "", "outpost-channel"},
		{"only invalid falls back", "!!##&&", "outpost-channel"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := SanitizeName(test.input); got != test.want {
				t.Errorf("SanitizeName(%q) = %q, want %q", test.input, got, test.want)
			}
		})
	}
}

func TestSocketPath(t *testing.T) {
	got := SocketPath("/run/outpost", "signals")
	want := filepath.Join("/run/outpost", "signals.sock")
	if got != want {
		t.Errorf("SocketPath = %q, want %q", got, want)
	}
}

func TestSocketPathSanitizes(t *testing.T) {
	got := SocketPath("/run/outpost", "../escape")
	want := filepath.Join("/run/outpost", "escape.sock")
	if got != want {
		t.Errorf("SocketPath = %q, want %q", got, want)
	}
}

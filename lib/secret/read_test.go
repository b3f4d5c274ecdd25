// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReadFromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  the-key\n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	buffer, err := ReadFromPath(path)
	if err != nil {
		t.Fatalf("ReadFromPath: %v", err)
	}
	defer buffer.Close()

	if got, want := buffer.String(), "the-key"; got != want {
		t.Errorf("ReadFromPath content = %q, want %q", got, want)
	}
}

func TestReadFromPath_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	if err := os.WriteFile(path, []byte("  \n"), 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := ReadFromPath(path); err == nil {
		t.Fatal("expected error for whitespace-only file")
	}
}

func TestReadFromPath_Missing(t *testing.T) {
	if _, err := ReadFromPath(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("OUTPOST_TEST_SECRET", "env-key")

	buffer, err := FromEnv("OUTPOST_TEST_SECRET")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	defer buffer.Close()

	if got, want := buffer.String(), "env-key"; got != want {
		t.Errorf("FromEnv content = %q, want %q", got, want)
	}
}

func TestFromEnv_Unset(t *testing.T) {
	buffer, err := FromEnv("OUTPOST_TEST_SECRET_UNSET")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if buffer != nil {
		buffer.Close()
		t.Fatal("expected nil buffer for unset variable")
	}
}

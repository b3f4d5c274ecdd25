// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"path/filepath"
	"strings"
)

// fallbackName is used when sanitization leaves nothing of the
// configured channel name.
const fallbackName = "outpost-channel"

// SanitizeName reduces a channel name to the filename-safe alphabet
// [A-Za-z0-9_-], dropping every other character. An empty result falls
// back to "outpost-channel" so a misconfigured name still yields a
// usable socket path instead of a dotfile or an empty filename.
func SanitizeName(name string) string {
	var builder strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			builder.WriteByte(c)
		case c == '_' || c == '-':
			builder.WriteByte(c)
		}
	}
	if builder.Len() == 0 {
		return fallbackName
	}
	return builder.String()
}

// SocketPath maps a channel name to its socket file inside the runtime
// directory: <runtimeDir>/<sanitized-name>.sock.
func SocketPath(runtimeDir, name string) string {
	return filepath.Join(runtimeDir, SanitizeName(name)+".sock")
}

// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// peerCredentials retrieves the SO_PEERCRED identity of the process on
// the other end of a Unix socket connection. The kernel records the
// peer's credentials at connect time, so they cannot be forged by the
// peer after the fact.
func peerCredentials(conn *net.UnixConn) (*unix.Ucred, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("channel: raw connection access: %w", err)
	}

	var cred *unix.Ucred
	var credErr error
	controlErr := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if controlErr != nil {
		return nil, fmt.Errorf("channel: control operation: %w", controlErr)
	}
	if credErr != nil {
		return nil, fmt.Errorf("channel: reading peer credentials: %w", credErr)
	}
	return cred, nil
}

// credentialAllowed is the channel access decision: a peer may attach
// when it runs as root or as the same effective UID as the server.
// Everything else is an unauthorized process regardless of how it
// reached the socket file.
func credentialAllowed(peerUID, serverUID uint32) bool {
	return peerUID == 0 || peerUID == serverUID
}

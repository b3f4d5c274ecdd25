// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for Outpost packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls. These are
// the only place in the test suite where real wall-clock timeouts are
// used; everything else goes through clock.Fake.
//
// [SocketDir] creates a temporary directory in /tmp suitable for Unix
// domain sockets. Unix domain sockets have a 108-byte path limit
// (sun_path in sockaddr_un), and test runners can set TMPDIR to deeply
// nested paths that exceed it, making t.TempDir() unsuitable for
// socket files. The directory is removed when the test completes.
package testutil

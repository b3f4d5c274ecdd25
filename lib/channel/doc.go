// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

// Package channel implements the local transport between the Outpost
// core daemon and its service processes: Unix domain sockets carrying
// length-prefixed CBOR envelopes.
//
// The core owns the runtime directory and listens; service processes
// connect. A channel serves exactly one peer at a time — the sensor
// and the execution service each get their own named channel, so there
// is never fan-in to demultiplex. When a peer disconnects the server
// simply accepts the next one, which makes service restarts invisible
// to the core beyond a log line.
//
// Security model: the runtime directory is created 0700 and the socket
// 0600, and every accepted connection is authenticated with
// SO_PEERCRED. Peers running as neither root nor the server's own
// effective UID are logged and dropped before any frame is read. The
// socket permissions are the first line; the credential check holds
// even if an operator loosens the directory mode.
//
// Framing is a 4-byte little-endian length followed by the payload.
// A zero length is a valid empty message. Frames above 16 MiB are
// rejected on both sides. A short read inside a frame is a hard
// connection error, never a retry: the stream is assumed corrupt and
// the peer must reconnect.
package channel

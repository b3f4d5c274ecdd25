// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/outpost-sec/outpost/lib/wire"
)

// dialRetryInterval is the fixed delay between connection attempts.
// Service processes start before or after the core in any order; a
// tight fixed retry keeps attach latency low without a backoff state
// machine for what is a local socket.
const dialRetryInterval = 100 * time.Millisecond

// Client is a service process's end of a channel: a single connection
// to the core's socket with the hello exchange already completed.
type Client struct {
	conn   net.Conn
	server wire.Hello
	logger *slog.Logger

	// mu serializes writes. Receive reads without the lock; the
	// connection supports one concurrent reader and writer.
	mu sync.Mutex
}

// Dial connects to the channel socket at socketPath, retrying at a
// fixed interval until the socket accepts or ctx is cancelled, then
// performs the hello exchange. The returned client is ready to send
// and receive envelopes.
//
// Receive blocks on the connection; to make it context-aware, arrange
// for Close on cancellation (context.AfterFunc works well).
func Dial(ctx context.Context, socketPath string, identity wire.Hello, logger *slog.Logger) (*Client, error) {
	var conn net.Conn
	logged := false
	for {
		var err error
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		if !logged {
			logger.Info("waiting for channel", "path", socketPath)
			logged = true
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("channel: dialing %s: %w", socketPath, ctx.Err())
		case <-time.After(dialRetryInterval):
		}
	}

	hello, err := wire.NewEnvelope(wire.KindHello, identity)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeEnvelope(conn, hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: sending hello: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	replyEnvelope, err := readEnvelope(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: reading hello reply: %w", err)
	}
	if replyEnvelope.Kind != wire.KindHello {
		conn.Close()
		return nil, fmt.Errorf("channel: hello reply has kind %q", replyEnvelope.Kind)
	}
	var server wire.Hello
	if err := replyEnvelope.Decode(&server); err != nil {
		conn.Close()
		return nil, fmt.Errorf("channel: malformed hello reply: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	logger.Info("channel connected",
		"path", socketPath,
		"server", server.Component,
		"server_version", server.Version,
	)
	return &Client{conn: conn, server: server, logger: logger}, nil
}

// ServerIdentity returns the hello the core sent during the exchange.
func (c *Client) ServerIdentity() wire.Hello {
	return c.server
}

// Send delivers one envelope to the core.
func (c *Client) Send(envelope wire.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeEnvelope(c.conn, envelope)
}

// Receive blocks until the next envelope arrives from the core.
// Returns io.EOF (possibly wrapped) once the connection is closed from
// either side.
func (c *Client) Receive() (wire.Envelope, error) {
	return readEnvelope(c.conn)
}

// Close tears down the connection, unblocking any Receive in flight.
func (c *Client) Close() error {
	return c.conn.Close()
}

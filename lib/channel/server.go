// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/outpost-sec/outpost/lib/wire"
)

// ErrNoPeer is returned by Send when no service process is currently
// attached to the channel.
var ErrNoPeer = errors.New("channel: no peer connected")

// helloTimeout bounds how long an accepted connection may take to
// identify itself. A well-behaved peer sends its hello immediately.
const helloTimeout = 10 * time.Second

// Handler processes one inbound envelope from the connected peer.
// Handlers run inline on the serve loop; a returned error is logged
// and the connection stays up. Blocking work belongs in the handler's
// own goroutines.
type Handler func(ctx context.Context, envelope wire.Envelope) error

// ServerConfig configures a channel server.
type ServerConfig struct {
	// Name is the channel name; it is sanitized into the socket
	// filename under RuntimeDir.
	Name string

	// RuntimeDir is the directory holding the channel sockets. Created
	// 0700 if missing.
	RuntimeDir string

	// Identity is the hello message sent to every peer that completes
	// the credential check.
	Identity wire.Hello

	// Handler receives inbound envelopes after the hello exchange. A
	// nil handler drops inbound traffic (send-only channels).
	Handler Handler

	Logger *slog.Logger
}

// Server owns one channel socket and serves one peer at a time. While
// a peer is attached, additional connection attempts wait in the
// listen backlog; they are accepted after the current peer leaves.
type Server struct {
	name     string
	path     string
	runtime  string
	identity wire.Hello
	handler  Handler
	logger   *slog.Logger

	// mu guards peer and serializes writes to it. Reads happen only on
	// the serve loop and need no lock.
	mu   sync.Mutex
	peer net.Conn
}

// NewServer creates a channel server. The socket is not created until
// Serve runs.
func NewServer(cfg ServerConfig) *Server {
	name := SanitizeName(cfg.Name)
	return &Server{
		name:     name,
		path:     SocketPath(cfg.RuntimeDir, cfg.Name),
		runtime:  cfg.RuntimeDir,
		identity: cfg.Identity,
		handler:  cfg.Handler,
		logger:   cfg.Logger.With("channel", name),
	}
}

// Path returns the socket path the server listens on.
func (s *Server) Path() string {
	return s.path
}

// Serve listens on the channel socket and serves peers sequentially
// until ctx is cancelled. Each accepted connection is authenticated
// with SO_PEERCRED and must open with a hello envelope; the server
// replies with its own identity, then dispatches inbound envelopes to
// the handler until the peer disconnects.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(s.runtime, 0o700); err != nil {
		return fmt.Errorf("channel: creating runtime directory %s: %w", s.runtime, err)
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("channel: removing stale socket %s: %w", s.path, err)
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("channel: listening on %s: %w", s.path, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.path)
	}()

	if err := os.Chmod(s.path, 0o600); err != nil {
		return fmt.Errorf("channel: restricting socket %s: %w", s.path, err)
	}

	// Unblock Accept and any in-flight peer read when the context is
	// cancelled.
	go func() {
		<-ctx.Done()
		listener.Close()
		s.dropPeer()
	}()

	s.logger.Info("channel listening", "path", s.path)
	serverUID := uint32(os.Geteuid())

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.servePeer(ctx, conn, serverUID)
	}
}

// servePeer authenticates one connection and pumps its envelopes until
// it disconnects. Runs inline on the serve loop: one peer at a time.
func (s *Server) servePeer(ctx context.Context, conn net.Conn, serverUID uint32) {
	defer func() {
		s.clearPeer(conn)
		conn.Close()
	}()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		s.logger.Warn("rejecting non-unix connection")
		return
	}
	cred, err := peerCredentials(unixConn)
	if err != nil {
		s.logger.Warn("peer credential check failed", "error", err)
		return
	}
	if !credentialAllowed(cred.Uid, serverUID) {
		s.logger.Warn("rejecting unauthorized peer",
			"peer_uid", cred.Uid,
			"peer_pid", cred.Pid,
		)
		return
	}

	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	helloEnvelope, err := readEnvelope(conn)
	if err != nil {
		s.logger.Warn("peer hello failed", "error", err)
		return
	}
	if helloEnvelope.Kind != wire.KindHello {
		s.logger.Warn("peer opened with wrong kind", "kind", helloEnvelope.Kind)
		return
	}
	var hello wire.Hello
	if err := helloEnvelope.Decode(&hello); err != nil {
		s.logger.Warn("malformed peer hello", "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	reply, err := wire.NewEnvelope(wire.KindHello, s.identity)
	if err != nil {
		s.logger.Error("building hello reply", "error", err)
		return
	}

	// Publish the peer before the reply goes out: once Dial returns on
	// the other side, Send must already work. Sending through Send
	// keeps the write serialized with any early caller.
	s.setPeer(conn)
	if err := s.Send(reply); err != nil {
		s.logger.Warn("sending hello reply", "error", err)
		return
	}

	s.logger.Info("peer connected",
		"component", hello.Component,
		"version", hello.Version,
		"peer_pid", cred.Pid,
	)

	for {
		envelope, err := readEnvelope(conn)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				s.logger.Info("peer disconnected", "component", hello.Component)
			} else {
				s.logger.Warn("dropping peer after read error",
					"component", hello.Component,
					"error", err,
				)
			}
			return
		}
		if s.handler == nil {
			s.logger.Debug("dropping inbound envelope on send-only channel",
				"kind", envelope.Kind)
			continue
		}
		if err := s.handler(ctx, envelope); err != nil {
			s.logger.Warn("handler failed",
				"kind", envelope.Kind,
				"error", err,
			)
		}
	}
}

// Send delivers an envelope to the currently attached peer. Returns
// ErrNoPeer when the channel has no peer; callers decide whether that
// is fatal (patch execution) or just a skipped delivery.
func (s *Server) Send(envelope wire.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == nil {
		return ErrNoPeer
	}
	return writeEnvelope(s.peer, envelope)
}

func (s *Server) setPeer(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peer = conn
}

// clearPeer unpublishes conn if it is still the current peer.
func (s *Server) clearPeer(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer == conn {
		s.peer = nil
	}
}

func (s *Server) dropPeer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peer != nil {
		s.peer.Close()
	}
}

// writeEnvelope encodes and frames one envelope onto w.
func writeEnvelope(w io.Writer, envelope wire.Envelope) error {
	data, err := wire.EncodeEnvelope(envelope)
	if err != nil {
		return err
	}
	return WriteFrame(w, data)
}

// readEnvelope reads frames until a non-empty one arrives and decodes
// it. Zero-length frames are valid no-op messages and are skipped.
func readEnvelope(r io.Reader) (wire.Envelope, error) {
	for {
		payload, err := ReadFrame(r)
		if err != nil {
			return wire.Envelope{}, err
		}
		if len(payload) == 0 {
			continue
		}
		return wire.DecodeEnvelope(payload)
	}
}

// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the maximum payload length either side will send or
// accept. 16 MiB comfortably holds the largest legitimate message (a
// patch-set execution request with output summaries) while bounding
// what a misbehaving peer can make the reader allocate.
const MaxFrameSize = 16 * 1024 * 1024

// frameHeaderSize is the fixed length prefix: a little-endian uint32.
const frameHeaderSize = 4

// WriteFrame writes one length-prefixed frame to w. A nil or empty
// payload writes a bare zero-length header, which is a valid message.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("channel: frame length %d exceeds maximum %d", len(payload), MaxFrameSize)
	}
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("channel: writing frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("channel: writing frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. The length is
// validated before any payload allocation. A short read inside the
// payload surfaces as io.ErrUnexpectedEOF via io.ReadFull; callers
// treat any error as fatal to the connection.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("channel: reading frame header: %w", err)
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("channel: frame length %d exceeds maximum %d", length, MaxFrameSize)
	}
	if length == 0 {
		return []byte{}, nil
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("channel: reading frame payload: %w", err)
	}
	return payload, nil
}

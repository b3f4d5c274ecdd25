// Copyright 2026 The Outpost Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	var buffer bytes.Buffer
	payload := []byte("signals channel message")

	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("ReadFrame = %q, want %q", got, payload)
	}
}

func TestFrameWireLayout(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte("abc")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	want := []byte{0x03, 0x00, 0x00, 0x00, 'a', 'b', 'c'}
	if !bytes.Equal(buffer.Bytes(), want) {
		t.Errorf("frame bytes = %x, want %x", buffer.Bytes(), want)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, nil); err != nil {
		t.Fatalf("WriteFrame(nil): %v", err)
	}
	if got := buffer.Len(); got != 4 {
		t.Fatalf("empty frame is %d bytes, want 4", got)
	}

	payload, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if len(payload) != 0 {
		t.Errorf("empty frame decoded to %d bytes", len(payload))
	}
}

func TestFrameMaxSize(t *testing.T) {
	var buffer bytes.Buffer
	payload := make([]byte, MaxFrameSize)

	if err := WriteFrame(&buffer, payload); err != nil {
		t.Fatalf("WriteFrame at the cap: %v", err)
	}
	got, err := ReadFrame(&buffer)
	if err != nil {
		t.Fatalf("ReadFrame at the cap: %v", err)
	}
	if len(got) != MaxFrameSize {
		t.Errorf("read %d bytes, want %d", len(got), MaxFrameSize)
	}
}

func TestWriteFrameOversize(t *testing.T) {
	payload := make([]byte, MaxFrameSize+1)
	if err := WriteFrame(io.Discard, payload); err == nil {
		t.Error("WriteFrame should reject a payload above the cap")
	}
}

func TestReadFrameOversizeHeader(t *testing.T) {
	// A forged header claiming an oversize payload must be rejected
	// from the header alone, before any allocation.
	var header [4]byte
	binary.LittleEndian.PutUint32(header[:], MaxFrameSize+1)
	if _, err := ReadFrame(bytes.NewReader(header[:])); err == nil {
		t.Error("ReadFrame should reject an oversize length header")
	}
}

func TestReadFrameTruncatedPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteFrame(&buffer, []byte("complete payload")); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	truncated := buffer.Bytes()[:buffer.Len()-5]

	_, err := ReadFrame(bytes.NewReader(truncated))
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame on truncated stream = %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestReadFrameCleanEOF(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if !errors.Is(err, io.EOF) {
		t.Errorf("ReadFrame on empty stream = %v, want io.EOF", err)
	}
}

func TestReadFrameTruncatedHeader(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader([]byte{0x01, 0x02}))
	if err == nil {
		t.Error("ReadFrame should fail on a truncated header")
	}
	if errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("partial header must not look like a clean EOF")
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"testing"
)

func TestFragmentHeader_RoundTrip(t *testing.T) {
	h := FragmentHeader{
		Timestamp:   0x0102030405060708,
		SourceID:    42,
		PayloadSize: 5,
		Barrier:     7,
	}

	var buf [FragmentHeaderSize]byte
	EncodeFragmentHeader(buf[:], &h)
	got := DecodeFragmentHeader(buf[:])

	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestFragmentHeader_LittleEndian(t *testing.T) {
	h := FragmentHeader{Timestamp: 0x0100, SourceID: 1, PayloadSize: 0, Barrier: 0}
	var buf [FragmentHeaderSize]byte
	EncodeFragmentHeader(buf[:], &h)

	// Timestamp 0x0100 little-endian: byte 0 = 0x00, byte 1 = 0x01
	if buf[0] != 0x00 || buf[1] != 0x01 {
		t.Errorf("expected little-endian timestamp, got % x", buf[:8])
	}
	if buf[8] != 0x01 {
		t.Errorf("expected little-endian source id, got % x", buf[8:12])
	}
}

func TestNextFragment_SingleAndRest(t *testing.T) {
	block := AppendFlat(nil, FragmentHeader{Timestamp: 100, SourceID: 1}, []byte("a"))
	block = AppendFlat(block, FragmentHeader{Timestamp: 200, SourceID: 2}, []byte("bb"))

	frag, rest, err := NextFragment(block)
	if err != nil {
		t.Fatalf("NextFragment: %v", err)
	}
	if frag.Header.Timestamp != 100 || string(frag.Payload) != "a" {
		t.Errorf("first fragment: got ts=%d payload=%q", frag.Header.Timestamp, frag.Payload)
	}

	frag, rest, err = NextFragment(rest)
	if err != nil {
		t.Fatalf("NextFragment(rest): %v", err)
	}
	if frag.Header.Timestamp != 200 || string(frag.Payload) != "bb" {
		t.Errorf("second fragment: got ts=%d payload=%q", frag.Header.Timestamp, frag.Payload)
	}
	if len(rest) != 0 {
		t.Errorf("expected empty rest, got %d bytes", len(rest))
	}
}

func TestNextFragment_PayloadCopied(t *testing.T) {
	block := AppendFlat(nil, FragmentHeader{Timestamp: 1, SourceID: 1}, []byte("xyz"))
	frag, _, err := NextFragment(block)
	if err != nil {
		t.Fatalf("NextFragment: %v", err)
	}

	block[FragmentHeaderSize] = '!'
	if string(frag.Payload) != "xyz" {
		t.Errorf("payload aliases the input block: %q", frag.Payload)
	}
}

func TestNextFragment_Overrun(t *testing.T) {
	block := AppendFlat(nil, FragmentHeader{Timestamp: 1, SourceID: 1}, []byte("abcd"))

	// Header declara 4 bytes mas o bloco é cortado no meio do payload.
	_, _, err := NextFragment(block[:len(block)-2])
	if !errors.Is(err, ErrFragmentOverrun) {
		t.Fatalf("expected ErrFragmentOverrun, got %v", err)
	}

	// Bloco menor que o próprio header.
	_, _, err = NextFragment(block[:10])
	if !errors.Is(err, ErrFragmentOverrun) {
		t.Fatalf("expected ErrFragmentOverrun for short header, got %v", err)
	}
}

func TestHandshake_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, "crate-01", []uint32{1, 2, 7}); err != nil {
		t.Fatalf("WriteHandshake: %v", err)
	}

	hs, err := ReadHandshake(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadHandshake: %v", err)
	}
	if hs.ClientName != "crate-01" {
		t.Errorf("client name: got %q", hs.ClientName)
	}
	if len(hs.SourceIDs) != 3 || hs.SourceIDs[2] != 7 {
		t.Errorf("source ids: got %v", hs.SourceIDs)
	}
}

func TestHandshake_BadMagic(t *testing.T) {
	buf := bytes.NewBufferString("XXXX rest")
	_, err := ReadHandshake(bufio.NewReader(buf))
	if !errors.Is(err, ErrInvalidMagic) {
		t.Fatalf("expected ErrInvalidMagic, got %v", err)
	}
}

func TestHandshake_BadVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(MagicHandshake[:])
	buf.WriteByte(0x7F)
	_, err := ReadHandshake(bufio.NewReader(&buf))
	if !errors.Is(err, ErrInvalidVersion) {
		t.Fatalf("expected ErrInvalidVersion, got %v", err)
	}
}

func TestACK_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteACK(&buf, StatusReject, "no sources"); err != nil {
		t.Fatalf("WriteACK: %v", err)
	}
	ack, err := ReadACK(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadACK: %v", err)
	}
	if ack.Status != StatusReject || ack.Message != "no sources" {
		t.Errorf("got status=%d message=%q", ack.Status, ack.Message)
	}
}

func TestBlockFrame_RoundTrip(t *testing.T) {
	block := AppendFlat(nil, FragmentHeader{Timestamp: 9, SourceID: 3}, []byte("data"))

	var buf bytes.Buffer
	if err := WriteBlockFrame(&buf, block); err != nil {
		t.Fatalf("WriteBlockFrame: %v", err)
	}

	// O dispatcher lê o magic antes de chamar ReadBlockFrame.
	var magic [4]byte
	buf.Read(magic[:])
	if magic != MagicBlock {
		t.Fatalf("expected FRAG magic, got %q", magic)
	}

	got, err := ReadBlockFrame(&buf, 1<<20)
	if err != nil {
		t.Fatalf("ReadBlockFrame: %v", err)
	}
	if !bytes.Equal(got, block) {
		t.Errorf("block mismatch: got % x want % x", got, block)
	}
}

func TestBlockFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteBlockFrame(&buf, make([]byte, 128)); err != nil {
		t.Fatalf("WriteBlockFrame: %v", err)
	}
	var magic [4]byte
	buf.Read(magic[:])

	_, err := ReadBlockFrame(&buf, 64)
	if !errors.Is(err, ErrBlockTooLarge) {
		t.Fatalf("expected ErrBlockTooLarge, got %v", err)
	}
}

func TestFlowFrame_RoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		state byte
		scope byte
		queue string
	}{
		{"global xoff", FlowXoff, FlowScopeGlobal, ""},
		{"global xon", FlowXon, FlowScopeGlobal, ""},
		{"queue xoff", FlowXoff, FlowScopeQueue, "crate-01"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteFlowFrame(&buf, tc.state, tc.scope, tc.queue); err != nil {
				t.Fatalf("WriteFlowFrame: %v", err)
			}
			ff, err := ReadFlowFrame(bufio.NewReader(&buf))
			if err != nil {
				t.Fatalf("ReadFlowFrame: %v", err)
			}
			if ff.State != tc.state || ff.Scope != tc.scope || ff.Queue != tc.queue {
				t.Errorf("got %+v", ff)
			}
		})
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteHandshake escreve o frame de handshake (Producer → Builder).
func WriteHandshake(w io.Writer, clientName string, sourceIDs []uint32) error {
	if _, err := w.Write(MagicHandshake[:]); err != nil {
		return fmt.Errorf("writing handshake magic: %w", err)
	}
	if _, err := w.Write([]byte{ProtocolVersion}); err != nil {
		return fmt.Errorf("writing handshake version: %w", err)
	}
	if _, err := w.Write([]byte(clientName)); err != nil {
		return fmt.Errorf("writing client name: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing client name delimiter: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(sourceIDs))); err != nil {
		return fmt.Errorf("writing source count: %w", err)
	}
	for _, id := range sourceIDs {
		if err := binary.Write(w, binary.LittleEndian, id); err != nil {
			return fmt.Errorf("writing source id %d: %w", id, err)
		}
	}
	return nil
}

// WriteACK escreve o frame ACK (Builder → Producer).
func WriteACK(w io.Writer, status byte, message string) error {
	if _, err := w.Write([]byte{status}); err != nil {
		return fmt.Errorf("writing ack status: %w", err)
	}
	if message != "" {
		if _, err := w.Write([]byte(message)); err != nil {
			return fmt.Errorf("writing ack message: %w", err)
		}
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing ack delimiter: %w", err)
	}
	return nil
}

// WriteBlockFrame escreve um data frame com um bloco de fragmentos flat
// (Producer → Builder).
func WriteBlockFrame(w io.Writer, block []byte) error {
	if _, err := w.Write(MagicBlock[:]); err != nil {
		return fmt.Errorf("writing block magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(block))); err != nil {
		return fmt.Errorf("writing block length: %w", err)
	}
	if _, err := w.Write(block); err != nil {
		return fmt.Errorf("writing block body: %w", err)
	}
	return nil
}

// WriteFlowFrame escreve um frame de flow control (Builder → Producer).
func WriteFlowFrame(w io.Writer, state, scope byte, queue string) error {
	if _, err := w.Write(MagicFlow[:]); err != nil {
		return fmt.Errorf("writing flow magic: %w", err)
	}
	if _, err := w.Write([]byte{state, scope}); err != nil {
		return fmt.Errorf("writing flow state: %w", err)
	}
	if _, err := w.Write([]byte(queue)); err != nil {
		return fmt.Errorf("writing flow queue name: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("writing flow delimiter: %w", err)
	}
	return nil
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// ReadHandshake lê e valida o frame de handshake (Producer → Builder).
func ReadHandshake(r io.Reader) (*Handshake, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading handshake magic: %w", err)
	}
	if magic != MagicHandshake {
		return nil, ErrInvalidMagic
	}

	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, fmt.Errorf("reading handshake version: %w", err)
	}
	if version[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	br := bufio.NewReader(r)
	name, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading client name: %w", err)
	}
	name = name[:len(name)-1]

	var count uint32
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("reading source count: %w", err)
	}
	if count > MaxSourcesPerHandshake {
		return nil, fmt.Errorf("handshake announces %d sources (max %d): %w",
			count, MaxSourcesPerHandshake, ErrTruncatedFrame)
	}

	ids := make([]uint32, count)
	for i := range ids {
		if err := binary.Read(br, binary.LittleEndian, &ids[i]); err != nil {
			return nil, fmt.Errorf("reading source id %d: %w", i, err)
		}
	}

	return &Handshake{Version: version[0], ClientName: name, SourceIDs: ids}, nil
}

// ReadACK lê o frame ACK (Builder → Producer).
func ReadACK(r io.Reader) (*ACK, error) {
	var status [1]byte
	if _, err := io.ReadFull(r, status[:]); err != nil {
		return nil, fmt.Errorf("reading ack status: %w", err)
	}

	br := bufio.NewReader(r)
	msg, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading ack message: %w", err)
	}
	msg = msg[:len(msg)-1]

	return &ACK{Status: status[0], Message: msg}, nil
}

// ReadBlockFrame lê um data frame (Producer → Builder) e retorna o bloco de
// fragmentos flat. O magic "FRAG" já deve ter sido lido pelo dispatcher de
// frames da conexão. maxSize limita o tamanho aceito do bloco.
func ReadBlockFrame(r io.Reader, maxSize int64) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return nil, fmt.Errorf("reading block length: %w", err)
	}
	if maxSize > 0 && int64(length) > maxSize {
		return nil, fmt.Errorf("block of %d bytes (limit %d): %w", length, maxSize, ErrBlockTooLarge)
	}

	block := make([]byte, length)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, fmt.Errorf("reading block body: %w", err)
	}
	return block, nil
}

// ReadFlowFrame lê um frame de flow control (Builder → Producer).
func ReadFlowFrame(r io.Reader) (*FlowFrame, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading flow magic: %w", err)
	}
	if magic != MagicFlow {
		return nil, ErrInvalidMagic
	}

	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading flow state: %w", err)
	}

	br := bufio.NewReader(r)
	queue, err := br.ReadString('\n')
	if err != nil {
		return nil, fmt.Errorf("reading flow queue name: %w", err)
	}
	queue = queue[:len(queue)-1]

	return &FlowFrame{State: hdr[0], Scope: hdr[1], Queue: queue}, nil
}

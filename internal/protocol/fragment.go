// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo binário N-EVB: o formato flat de
// fragmentos trocado com os data sources e os frames de controle da
// conexão de ingest sobre TCP(+TLS).
package protocol

import (
	"encoding/binary"
	"fmt"
)

// FragmentHeaderSize é o tamanho fixo do header de fragmento no wire.
const FragmentHeaderSize = 20

// NullTimestamp é o timestamp sentinela (all-ones). Fragmentos com esse
// valor recebem o newest_timestamp do source na enfileiração e nunca são
// contados como duplicatas.
const NullTimestamp uint64 = 0xFFFF_FFFF_FFFF_FFFF

// BarrierNotBarrier marca um fragmento ordinário (não-barreira).
const BarrierNotBarrier uint32 = 0

// FragmentHeader é o header fixo de um fragmento (little-endian no wire).
// Layout: Timestamp(8B) SourceID(4B) PayloadSize(4B) Barrier(4B).
type FragmentHeader struct {
	Timestamp   uint64
	SourceID    uint32
	PayloadSize uint32
	Barrier     uint32
}

// Fragment é um fragmento completo: header + payload opaco.
// A posse do storage passa de estágio em estágio no pipeline; um fragmento
// pertence a exatamente um componente por vez.
type Fragment struct {
	Header  FragmentHeader
	Payload []byte
}

// TotalSize retorna o tamanho do fragmento flat no wire (header + payload).
func (h *FragmentHeader) TotalSize() int {
	return FragmentHeaderSize + int(h.PayloadSize)
}

// IsBarrier informa se o fragmento marca uma barreira.
func (h *FragmentHeader) IsBarrier() bool {
	return h.Barrier != BarrierNotBarrier
}

// EncodeFragmentHeader serializa o header em dst (len(dst) >= FragmentHeaderSize).
func EncodeFragmentHeader(dst []byte, h *FragmentHeader) {
	binary.LittleEndian.PutUint64(dst[0:8], h.Timestamp)
	binary.LittleEndian.PutUint32(dst[8:12], h.SourceID)
	binary.LittleEndian.PutUint32(dst[12:16], h.PayloadSize)
	binary.LittleEndian.PutUint32(dst[16:20], h.Barrier)
}

// DecodeFragmentHeader lê um header de b (len(b) >= FragmentHeaderSize).
func DecodeFragmentHeader(b []byte) FragmentHeader {
	return FragmentHeader{
		Timestamp:   binary.LittleEndian.Uint64(b[0:8]),
		SourceID:    binary.LittleEndian.Uint32(b[8:12]),
		PayloadSize: binary.LittleEndian.Uint32(b[12:16]),
		Barrier:     binary.LittleEndian.Uint32(b[16:20]),
	}
}

// AppendFlat anexa o fragmento em formato flat ao slice dst e retorna o
// slice resultante. Usado por producers e testes para montar blocos.
func AppendFlat(dst []byte, h FragmentHeader, payload []byte) []byte {
	h.PayloadSize = uint32(len(payload))
	var hdr [FragmentHeaderSize]byte
	EncodeFragmentHeader(hdr[:], &h)
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// NextFragment decodifica o primeiro fragmento flat de block, copiando o
// payload (a posse do bloco permanece com o caller). Retorna o fragmento e
// o restante do bloco.
//
// Retorna ErrFragmentOverrun quando o header declara mais bytes de payload
// do que o bloco contém — o caller mantém os fragmentos já decodificados.
func NextFragment(block []byte) (*Fragment, []byte, error) {
	if len(block) < FragmentHeaderSize {
		return nil, nil, fmt.Errorf("fragment header needs %d bytes, block has %d: %w",
			FragmentHeaderSize, len(block), ErrFragmentOverrun)
	}
	h := DecodeFragmentHeader(block)
	total := h.TotalSize()
	if total > len(block) {
		return nil, nil, fmt.Errorf("fragment declares %d payload bytes but block has %d left: %w",
			h.PayloadSize, len(block)-FragmentHeaderSize, ErrFragmentOverrun)
	}
	frag := &Fragment{Header: h}
	if h.PayloadSize > 0 {
		frag.Payload = make([]byte, h.PayloadSize)
		copy(frag.Payload, block[FragmentHeaderSize:total])
	}
	return frag, block[total:], nil
}

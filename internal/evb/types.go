// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package evb implementa o núcleo do event builder: enfileiramento de
// fragmentos por source, política de build window, sincronização de
// barreiras, flow control, merge ordenado por timestamp e a escrita do
// stream ordenado no sink.
//
// O pipeline tem três estágios, cada um com sua goroutine:
//
//	producers ──► Handler ──► Sorter ──► Output ──► sink
//	              (filas/src)  (merge)    (frame+write)
//
// Assume-se que timestamps de 64 bits não dão rollover; sources com
// contadores mais estreitos precisam manter os bits altos.
package evb

import (
	"errors"
	"time"

	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// Erros do núcleo.
var (
	// ErrMalformedBlock indica que o último fragmento de um bloco declara
	// mais bytes de payload do que o bloco contém. Os fragmentos anteriores
	// do mesmo bloco permanecem aceitos (sem rollback).
	ErrMalformedBlock = errors.New("evb: malformed fragment block")

	// ErrUnknownSocket indica operação de controle sobre um socket não
	// conhecido pelo fragment handler.
	ErrUnknownSocket = errors.New("evb: unknown socket")

	// ErrUnknownSource indica operação de controle sobre um source id não
	// conhecido.
	ErrUnknownSource = errors.New("evb: unknown source")
)

// QueueEntry associa o instante de chegada ao fragmento. O instante de
// chegada dirige o build window (modo B) e o timeout de barreira.
type QueueEntry struct {
	Received time.Time
	Frag     *protocol.Fragment
}

// FragmentList é uma sequência de fragmentos ordenada por timestamp.
// Dentro do Handler cada lista vem de um único source; depois do Sorter a
// lista é globalmente ordenada.
type FragmentList []QueueEntry

// FragmentBatch é o lote entregue do Handler ao Sorter: uma FragmentList
// por source, cada uma já ordenada internamente.
type FragmentBatch []FragmentList

// BarrierType identifica a contribuição de um source para uma barreira.
type BarrierType struct {
	SourceID uint32 `json:"source_id"`
	Type     uint32 `json:"type"`
}

// countFragments soma os fragmentos de um lote.
func countFragments(batch FragmentBatch) int {
	n := 0
	for _, l := range batch {
		n += len(l)
	}
	return n
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package evb

import (
	"time"

	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// sourceQueue é a fila de fragmentos de um source id. Invariante: a ordem
// natural de entries é não-decrescente em timestamp. Chegadas fora de ordem
// são inseridas na posição correta (varredura a partir do tail).
type sourceQueue struct {
	id  uint32
	qid string // nome do socket dono deste source ("" até o registro)

	entries FragmentList

	newestTimestamp uint64 // timestamp do último fragmento inserido
	lastTimestamp   uint64 // timestamp do tail da fila
	lastPopped      uint64
	barriers        int    // barreiras atualmente na fila
	bytesInQ        uint64 // só payload
	bytesDeQd       uint64
	totalBytesQd    uint64
	xoffed          bool
}

func newSourceQueue(id uint32, qid string) *sourceQueue {
	q := &sourceQueue{id: id, qid: qid}
	q.reset()
	return q
}

// reset restaura o bookkeeping aos valores de construção. A fila em si não
// é tocada.
func (q *sourceQueue) reset() {
	q.newestTimestamp = 0
	q.lastTimestamp = 0
	q.lastPopped = ^uint64(0)
	q.bytesInQ = 0
	q.bytesDeQd = 0
	q.totalBytesQd = 0
	q.xoffed = false
}

func (q *sourceQueue) empty() bool { return len(q.entries) == 0 }
func (q *sourceQueue) depth() int  { return len(q.entries) }

func (q *sourceQueue) head() *protocol.Fragment {
	return q.entries[0].Frag
}

// barrierAtHead informa se a fila tem uma barreira pronta no head.
func (q *sourceQueue) barrierAtHead() bool {
	return len(q.entries) > 0 && q.entries[0].Frag.Header.IsBarrier()
}

// insert coloca o fragmento preservando a ordem por timestamp. O caso comum
// (dados em ordem) é um append; fora de ordem, varre do tail para trás pela
// primeira posição com timestamp <= e insere depois dela; se não houver,
// vai para a frente.
func (q *sourceQueue) insert(recv time.Time, frag *protocol.Fragment) {
	entry := QueueEntry{Received: recv, Frag: frag}
	ts := frag.Header.Timestamp

	switch {
	case len(q.entries) == 0:
		q.entries = append(q.entries, entry)
	case ts >= q.entries[len(q.entries)-1].Frag.Header.Timestamp:
		q.entries = append(q.entries, entry)
	default:
		i := len(q.entries) - 1
		for i >= 0 && q.entries[i].Frag.Header.Timestamp > ts {
			i--
		}
		// i aponta para o último elemento com stamp <= ts (-1 = frente).
		q.entries = append(q.entries, QueueEntry{})
		copy(q.entries[i+2:], q.entries[i+1:])
		q.entries[i+1] = entry
	}

	if frag.Header.IsBarrier() {
		q.barriers++
	}
	q.newestTimestamp = ts
	q.lastTimestamp = q.entries[len(q.entries)-1].Frag.Header.Timestamp
}

// newestNonBarrierStamp retorna o maior timestamp não-barreira da fila,
// varrendo do tail; ^0 se a fila só tem barreiras (ou está vazia). É a
// contribuição desta fila para o stamp mark.
func (q *sourceQueue) newestNonBarrierStamp() uint64 {
	for i := len(q.entries) - 1; i >= 0; i-- {
		if !q.entries[i].Frag.Header.IsBarrier() {
			return q.entries[i].Frag.Header.Timestamp
		}
	}
	return ^uint64(0)
}

// popPrefix remove e retorna os n primeiros elementos.
func (q *sourceQueue) popPrefix(n int) FragmentList {
	if n == 0 {
		return nil
	}
	out := make(FragmentList, n)
	copy(out, q.entries[:n])
	for i := range out {
		if out[i].Frag.Header.IsBarrier() {
			q.barriers--
		}
	}
	rest := copy(q.entries, q.entries[n:])
	for i := rest; i < len(q.entries); i++ {
		q.entries[i] = QueueEntry{} // libera as referências
	}
	q.entries = q.entries[:rest]
	return out
}

// dequeueUntilStamp remove o prefixo com timestamp <= mark. Com barreira
// pendente a varredura parte da frente e barreiras interrompem o prefixo
// (gate); sem barreira pendente a fronteira é procurada do tail para a
// frente (caminho rápido: normalmente quase tudo qualifica).
func (q *sourceQueue) dequeueUntilStamp(mark uint64, barrierPending bool) FragmentList {
	if barrierPending {
		n := 0
		for n < len(q.entries) {
			h := &q.entries[n].Frag.Header
			if h.IsBarrier() || h.Timestamp > mark {
				break
			}
			n++
		}
		return q.popPrefix(n)
	}

	n := len(q.entries)
	for n > 0 && q.entries[n-1].Frag.Header.Timestamp > mark {
		n--
	}
	return q.popPrefix(n)
}

// dequeueUntilTime remove o prefixo com instante de chegada <= limit.
// Barreiras sempre interrompem o prefixo.
func (q *sourceQueue) dequeueUntilTime(limit time.Time) FragmentList {
	n := 0
	for n < len(q.entries) {
		e := &q.entries[n]
		if e.Frag.Header.IsBarrier() || e.Received.After(limit) {
			break
		}
		n++
	}
	return q.popPrefix(n)
}

// dequeueUntilBarrier remove o prefixo até (exclusive) a primeira barreira.
// Sem barreira na fila, remove tudo. Usado no flush completo.
func (q *sourceQueue) dequeueUntilBarrier() FragmentList {
	n := 0
	for n < len(q.entries) && !q.entries[n].Frag.Header.IsBarrier() {
		n++
	}
	return q.popPrefix(n)
}

// popHead remove o head da fila (caller garante fila não vazia).
func (q *sourceQueue) popHead() QueueEntry {
	out := q.popPrefix(1)
	return out[0]
}

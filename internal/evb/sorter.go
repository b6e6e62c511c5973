// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package evb

import (
	"container/heap"
	"log/slog"
	"sync"
	"sync/atomic"
)

// sorterQueueDepth limita os lotes em espera entre Handler e Sorter. O push
// bloqueia quando cheio — é o caminho de backpressure do AddFragments.
const sorterQueueDepth = 16

// Sorter é o estágio C2: consome lotes de sub-listas (cada uma ordenada por
// timestamp dentro do seu source) e produz uma lista única globalmente
// ordenada, entregue ao Output.
//
// Roda em goroutine própria; QueueFragments transfere a posse do lote (o
// caller não pode mais tocá-lo).
type Sorter struct {
	in       chan FragmentBatch
	out      *Output
	inFlight atomic.Int64
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewSorter cria o sorter ligado ao estágio de saída.
func NewSorter(out *Output, logger *slog.Logger) *Sorter {
	return &Sorter{
		in:     make(chan FragmentBatch, sorterQueueDepth),
		out:    out,
		logger: logger.With("component", "sort_thread"),
	}
}

// Start dispara a goroutine de merge.
func (s *Sorter) Start() {
	s.wg.Add(1)
	go s.run()
}

// QueueFragments enfileira um lote para merge, bloqueando se o sorter
// estiver atrasado.
func (s *Sorter) QueueFragments(batch FragmentBatch) {
	s.inFlight.Add(int64(countFragments(batch)))
	s.in <- batch
}

// InFlight retorna quantos fragmentos aguardam merge (contabilidade do
// flow control do Handler).
func (s *Sorter) InFlight() int64 {
	return s.inFlight.Load()
}

// Close encerra a entrada e espera o merge drenar. Só pode ser chamado
// depois que todos os producers pararam de enfileirar.
func (s *Sorter) Close() {
	close(s.in)
	s.wg.Wait()
}

func (s *Sorter) run() {
	defer s.wg.Done()
	for batch := range s.in {
		merged := mergeBatch(batch)
		s.inFlight.Add(int64(-len(merged)))
		if len(merged) > 0 {
			s.out.Queue(merged)
		}
	}
}

// mergeBatch junta as sub-listas em uma lista única ordenada por timestamp.
// Três estratégias por número de sub-listas: splice direto, merge de duas
// vias, ou min-heap por timestamp de head que degrada para o merge de duas
// vias quando restam duas listas.
func mergeBatch(batch FragmentBatch) FragmentList {
	nonEmpty := batch[:0]
	total := 0
	for _, l := range batch {
		if len(l) > 0 {
			nonEmpty = append(nonEmpty, l)
			total += len(l)
		}
	}

	switch len(nonEmpty) {
	case 0:
		return nil
	case 1:
		return nonEmpty[0]
	case 2:
		return mergeTwo(make(FragmentList, 0, total), nonEmpty[0], nonEmpty[1])
	}

	result := make(FragmentList, 0, total)

	h := make(mergeHeap, len(nonEmpty))
	for i, l := range nonEmpty {
		h[i] = mergeCursor{ts: l[0].Frag.Header.Timestamp, list: i}
	}
	heap.Init(&h)

	lists := nonEmpty
	for len(h) > 2 {
		cur := h[0]
		l := lists[cur.list]
		result = append(result, l[0])
		lists[cur.list] = l[1:]

		if len(l) > 1 {
			h[0] = mergeCursor{ts: l[1].Frag.Header.Timestamp, list: cur.list}
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
	}

	// Restaram duas listas: merge direto comparando heads.
	return mergeTwo(result, lists[h[0].list], lists[h[1].list])
}

// mergeTwo faz o merge clássico de duas listas ordenadas. Em empate de
// timestamp a segunda lista sai primeiro (determinístico para um dado
// interleaving de entrada).
func mergeTwo(result FragmentList, a, b FragmentList) FragmentList {
	for len(a) > 0 && len(b) > 0 {
		if a[0].Frag.Header.Timestamp < b[0].Frag.Header.Timestamp {
			result = append(result, a[0])
			a = a[1:]
		} else {
			result = append(result, b[0])
			b = b[1:]
		}
	}
	result = append(result, a...)
	return append(result, b...)
}

// mergeCursor aponta para o head de uma sub-lista durante o merge N-vias.
type mergeCursor struct {
	ts   uint64
	list int
}

type mergeHeap []mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	if h[i].ts != h[j].ts {
		return h[i].ts < h[j].ts
	}
	return h[i].list < h[j].list // empates saem em ordem de sub-lista
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(mergeCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

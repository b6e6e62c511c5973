// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package evb

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/nishisan-dev/n-evb/internal/protocol"
	"github.com/nishisan-dev/n-evb/internal/sink"
)

// outputQueueDepth limita as listas ordenadas em espera entre Sorter e Output.
const outputQueueDepth = 16

// RunBoundaryFunc é chamada quando um evento de barreira atravessa a saída,
// com os contadores do run que terminou e os tipos de barreira do evento.
type RunBoundaryFunc func(finished RunStats, barriers []BarrierType)

// Output é o estágio C3: enquadra cada fragmento como [header|payload] e
// escreve no sink com writes agregados (gather), respeitando o tamanho
// máximo de write do sink. Mantém os contadores cumulativos e por run.
//
// Falha de escrita no sink é fatal: o estágio entra em estado terminal e o
// erro fica disponível em Done() para o processo hospedeiro.
type Output struct {
	in       chan FragmentList
	snk      sink.Sink
	maxWrite int
	registry *Registry
	logger   *slog.Logger

	inFlight atomic.Int64

	statsMu    sync.Mutex
	cumulative RunStats
	perRun     RunStats
	perSource  map[uint32]uint64

	onRunBoundary RunBoundaryFunc

	failed atomic.Bool
	errCh  chan error
	wg     sync.WaitGroup
}

// NewOutput cria o estágio de saída sobre o sink dado.
func NewOutput(s sink.Sink, registry *Registry, logger *slog.Logger) *Output {
	maxWrite := s.MaxWriteSize()
	if maxWrite <= 0 {
		maxWrite = 1 << 20
	}
	return &Output{
		in:        make(chan FragmentList, outputQueueDepth),
		snk:       s,
		maxWrite:  maxWrite,
		registry:  registry,
		logger:    logger.With("component", "output_thread"),
		perSource: make(map[uint32]uint64),
		errCh:     make(chan error, 1),
	}
}

// SetRunBoundaryFunc instala o hook de fronteira de run. Deve ser chamado
// antes de Start.
func (o *Output) SetRunBoundaryFunc(fn RunBoundaryFunc) {
	o.onRunBoundary = fn
}

// RunBoundaryFunc retorna o hook corrente (para encadeamento).
func (o *Output) RunBoundaryFunc() RunBoundaryFunc {
	return o.onRunBoundary
}

// Start dispara a goroutine de escrita.
func (o *Output) Start() {
	o.wg.Add(1)
	go o.run()
}

// Queue entrega uma lista ordenada para escrita, bloqueando se a saída
// estiver atrasada.
func (o *Output) Queue(list FragmentList) {
	o.inFlight.Add(int64(len(list)))
	o.in <- list
}

// InFlight retorna quantos fragmentos aguardam escrita.
func (o *Output) InFlight() int64 {
	return o.inFlight.Load()
}

// Close encerra a entrada, espera drenar e fecha o sink. Só pode ser
// chamado depois que o Sorter parou de enfileirar.
func (o *Output) Close() error {
	close(o.in)
	o.wg.Wait()
	return o.snk.Close()
}

// Done entrega o erro da primeira escrita que falha terminalmente. O canal
// nunca é fechado.
func (o *Output) Done() <-chan error {
	return o.errCh
}

// Statistics retorna o snapshot dos contadores de saída.
func (o *Output) Statistics() OutputStatistics {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()

	out := OutputStatistics{
		Cumulative: o.cumulative,
		PerRun:     o.perRun,
		PerSource:  make(map[uint32]uint64, len(o.perSource)),
	}
	for id, n := range o.perSource {
		out.PerSource[id] = n
	}
	return out
}

// ResetRunStatistics zera os contadores por run.
func (o *Output) ResetRunStatistics() {
	o.statsMu.Lock()
	defer o.statsMu.Unlock()
	o.perRun = RunStats{}
}

func (o *Output) run() {
	defer o.wg.Done()
	for list := range o.in {
		if o.failed.Load() {
			// Estado terminal: drena sem escrever para não travar o pipeline.
			o.inFlight.Add(int64(-len(list)))
			continue
		}

		o.registry.fireEventReady(list)

		if err := o.write(list); err != nil {
			o.logger.Error("downstream write failed", "error", err)
			o.failed.Store(true)
			select {
			case o.errCh <- fmt.Errorf("downstream write: %w", err):
			default:
			}
		} else {
			o.account(list)
		}
		o.inFlight.Add(int64(-len(list)))
	}
}

// write enquadra os fragmentos em vetores [header|payload] e emite writes
// de no máximo maxWrite bytes (o último lote parcial sai incondicionalmente).
func (o *Output) write(list FragmentList) error {
	headers := make([]byte, len(list)*protocol.FragmentHeaderSize)

	var bufs net.Buffers
	total := 0
	for i := range list {
		frag := list[i].Frag
		hdr := headers[i*protocol.FragmentHeaderSize : (i+1)*protocol.FragmentHeaderSize]
		protocol.EncodeFragmentHeader(hdr, &frag.Header)

		nBytes := frag.Header.TotalSize()
		if total+nBytes > o.maxWrite && len(bufs) > 0 {
			if err := o.flushBuffers(&bufs); err != nil {
				return err
			}
			total = 0
		}

		bufs = append(bufs, hdr)
		if len(frag.Payload) > 0 {
			bufs = append(bufs, frag.Payload)
		}
		total += nBytes

		if total > o.maxWrite {
			if err := o.flushBuffers(&bufs); err != nil {
				return err
			}
			total = 0
		}
	}

	if len(bufs) > 0 {
		return o.flushBuffers(&bufs)
	}
	return nil
}

func (o *Output) flushBuffers(bufs *net.Buffers) error {
	// Nenhum Sink é uma net.Conn, então WriteTo não usa writev: cada vetor
	// do lote sai num Write separado do sink.
	if _, err := bufs.WriteTo(o.snk); err != nil {
		return err
	}
	*bufs = (*bufs)[:0]
	return nil
}

func (o *Output) account(list FragmentList) {
	var barriers []BarrierType
	var payloadBytes uint64
	for i := range list {
		hd := &list[i].Frag.Header
		payloadBytes += uint64(hd.PayloadSize)
		if hd.IsBarrier() {
			barriers = append(barriers, BarrierType{SourceID: hd.SourceID, Type: hd.Barrier})
		}
	}

	o.statsMu.Lock()
	o.cumulative.Triggers += uint64(len(list))
	o.cumulative.AcceptedTriggers += uint64(len(list))
	o.cumulative.Bytes += payloadBytes
	o.perRun.Triggers += uint64(len(list))
	o.perRun.AcceptedTriggers += uint64(len(list))
	o.perRun.Bytes += payloadBytes
	for i := range list {
		o.perSource[list[i].Frag.Header.SourceID]++
	}

	var finished RunStats
	if len(barriers) > 0 {
		// Barreiras delimitam runs: fecha os contadores por run.
		finished = o.perRun
		o.perRun = RunStats{}
	}
	o.statsMu.Unlock()

	if len(barriers) > 0 && o.onRunBoundary != nil {
		o.onRunBoundary(finished, barriers)
	}
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package evb

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// newTestLogger retorna um logger silencioso para testes.
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// captureSink acumula tudo que o pipeline escreve.
type captureSink struct {
	mu       sync.Mutex
	data     []byte
	maxWrite int
	writes   int
}

func newCaptureSink(maxWrite int) *captureSink {
	return &captureSink{maxWrite: maxWrite}
}

func (s *captureSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, p...)
	s.writes++
	return len(p), nil
}

func (s *captureSink) Close() error      { return nil }
func (s *captureSink) MaxWriteSize() int { return s.maxWrite }

func (s *captureSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// decodeAll reparseia o stream capturado em fragmentos.
func decodeAll(t *testing.T, data []byte) []*protocol.Fragment {
	t.Helper()
	var frags []*protocol.Fragment
	rest := data
	for len(rest) > 0 {
		frag, r, err := protocol.NextFragment(rest)
		if err != nil {
			t.Fatalf("decoding captured stream: %v", err)
		}
		frags = append(frags, frag)
		rest = r
	}
	return frags
}

// fakeClock é um relógio injetável para o timeout de barreira.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder registra todas as notificações de observers.
type recorder struct {
	mu sync.Mutex

	dataLate     []uint64 // timestamps dos fragmentos atrasados
	goodBarriers [][]BarrierType
	partials     []partialRecord
	duplicates   []dupRecord
	nonMono      []nonMonoRecord
	flow         []string // "xon", "xoff", "xon:q", "xoff:q"
}

type partialRecord struct {
	present []BarrierType
	missing []uint32
}

type dupRecord struct {
	source uint32
	ts     uint64
}

type nonMonoRecord struct {
	source     uint32
	prior, bad uint64
}

func (r *recorder) DataLate(frag *protocol.Fragment, newest uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataLate = append(r.dataLate, frag.Header.Timestamp)
}

func (r *recorder) GoodBarrier(types []BarrierType) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goodBarriers = append(r.goodBarriers, append([]BarrierType(nil), types...))
}

func (r *recorder) PartialBarrier(types []BarrierType, missing []uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partials = append(r.partials, partialRecord{
		present: append([]BarrierType(nil), types...),
		missing: append([]uint32(nil), missing...),
	})
}

func (r *recorder) DuplicateTimestamp(source uint32, ts uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicates = append(r.duplicates, dupRecord{source, ts})
}

func (r *recorder) NonMonotonicTimestamp(source uint32, prior, bad uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonMono = append(r.nonMono, nonMonoRecord{source, prior, bad})
}

func (r *recorder) Xon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flow = append(r.flow, "xon")
}

func (r *recorder) Xoff() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flow = append(r.flow, "xoff")
}

func (r *recorder) XonQueue(q string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flow = append(r.flow, "xon:"+q)
}

func (r *recorder) XoffQueue(q string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flow = append(r.flow, "xoff:"+q)
}

func (r *recorder) flowEvents() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.flow...)
}

// pipeline agrupa um pipeline completo de teste.
type pipeline struct {
	handler *Handler
	sorter  *Sorter
	output  *Output
	sink    *captureSink
	rec     *recorder
	clock   *fakeClock
}

// newPipeline sobe Handler→Sorter→Output sobre um captureSink, com o
// recorder registrado em todas as categorias de observer.
func newPipeline(t *testing.T, cfg HandlerConfig) *pipeline {
	t.Helper()

	clock := newFakeClock()
	if cfg.Now == nil {
		cfg.Now = clock.Now
	}

	logger := newTestLogger()
	snk := newCaptureSink(1 << 20)
	registry := NewRegistry()
	output := NewOutput(snk, registry, logger)
	sorter := NewSorter(output, logger)
	handler := NewHandler(cfg, registry, sorter, output, logger)

	rec := &recorder{}
	registry.AddDataLateObserver(rec)
	registry.AddBarrierObserver(rec)
	registry.AddPartialBarrierObserver(rec)
	registry.AddDuplicateTimestampObserver(rec)
	registry.AddNonMonotonicTimestampObserver(rec)
	registry.AddFlowControlObserver(rec)

	output.Start()
	sorter.Start()

	return &pipeline{
		handler: handler,
		sorter:  sorter,
		output:  output,
		sink:    snk,
		rec:     rec,
		clock:   clock,
	}
}

// drain fecha o pipeline (sem mais submissões) e espera tudo chegar ao sink.
func (p *pipeline) drain() {
	p.sorter.Close()
	p.output.Close()
}

// emitted drena e devolve os fragmentos na ordem em que saíram.
func (p *pipeline) emitted(t *testing.T) []*protocol.Fragment {
	t.Helper()
	p.drain()
	return decodeAll(t, p.sink.bytes())
}

// flat monta um bloco com um fragmento.
func flat(ts uint64, src uint32, barrier uint32, payload string) []byte {
	return protocol.AppendFlat(nil, protocol.FragmentHeader{
		Timestamp: ts,
		SourceID:  src,
		Barrier:   barrier,
	}, []byte(payload))
}

// submit injeta fragmentos (um bloco por fragmento) e falha o teste em erro.
func (p *pipeline) submit(t *testing.T, blocks ...[]byte) {
	t.Helper()
	for _, b := range blocks {
		if err := p.handler.AddFragments(b); err != nil {
			t.Fatalf("AddFragments: %v", err)
		}
	}
}

func timestamps(frags []*protocol.Fragment) []uint64 {
	out := make([]uint64, len(frags))
	for i, f := range frags {
		out[i] = f.Header.Timestamp
	}
	return out
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"context"
	"sync"
)

// Gate pausa e retoma o ingest de todas as conexões. Quando pausado, os
// readers das conexões bloqueiam em Wait antes de consumir o próximo frame;
// as conexões permanecem abertas.
type Gate struct {
	mu     sync.Mutex
	paused bool
	ch     chan struct{} // fechado quando não pausado
}

// NewGate cria um gate aberto (não pausado).
func NewGate() *Gate {
	ch := make(chan struct{})
	close(ch)
	return &Gate{ch: ch}
}

// Pause fecha o gate; leituras subsequentes bloqueiam.
func (g *Gate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		g.paused = true
		g.ch = make(chan struct{})
	}
}

// Resume reabre o gate, liberando readers bloqueados.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		g.paused = false
		close(g.ch)
	}
}

// Paused informa o estado corrente.
func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait bloqueia enquanto o gate estiver pausado (ou até o ctx cancelar).
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

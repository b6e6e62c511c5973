// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"io"
	"log/slog"

	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// flowNotifier traduz as transições de flow control do core em frames FLOW
// para um producer. Os callbacks do registry disparam com o lock do
// fragment handler em mãos, então a escrita na conexão é deferida para uma
// goroutine própria via canal; sob congestão extrema o sinal mais antigo é
// descartado (o estado mais recente é o que importa).
type flowNotifier struct {
	name   string
	w      io.Writer
	ch     chan protocol.FlowFrame
	done   chan struct{}
	logger *slog.Logger
}

func newFlowNotifier(name string, w io.Writer, logger *slog.Logger) *flowNotifier {
	fn := &flowNotifier{
		name:   name,
		w:      w,
		ch:     make(chan protocol.FlowFrame, 16),
		done:   make(chan struct{}),
		logger: logger,
	}
	go fn.run()
	return fn
}

func (fn *flowNotifier) run() {
	defer close(fn.done)
	for frame := range fn.ch {
		if err := protocol.WriteFlowFrame(fn.w, frame.State, frame.Scope, frame.Queue); err != nil {
			fn.logger.Debug("writing flow frame", "client", fn.name, "error", err)
			// A conexão provavelmente caiu; drena o resto sem escrever.
			for range fn.ch {
			}
			return
		}
	}
}

func (fn *flowNotifier) stop() {
	close(fn.ch)
	<-fn.done
}

func (fn *flowNotifier) send(frame protocol.FlowFrame) {
	select {
	case fn.ch <- frame:
	default:
		select {
		case <-fn.ch: // descarta o mais antigo
		default:
		}
		select {
		case fn.ch <- frame:
		default:
		}
	}
}

// Xon implementa evb.FlowControlObserver.
func (fn *flowNotifier) Xon() {
	fn.send(protocol.FlowFrame{State: protocol.FlowXon, Scope: protocol.FlowScopeGlobal})
}

// Xoff implementa evb.FlowControlObserver.
func (fn *flowNotifier) Xoff() {
	fn.send(protocol.FlowFrame{State: protocol.FlowXoff, Scope: protocol.FlowScopeGlobal})
}

// XonQueue implementa evb.FlowControlObserver; só repassa sinais da própria
// conexão.
func (fn *flowNotifier) XonQueue(queue string) {
	if queue != fn.name {
		return
	}
	fn.send(protocol.FlowFrame{State: protocol.FlowXon, Scope: protocol.FlowScopeQueue, Queue: queue})
}

// XoffQueue implementa evb.FlowControlObserver; só repassa sinais da
// própria conexão.
func (fn *flowNotifier) XoffQueue(queue string) {
	if queue != fn.name {
		return
	}
	fn.send(protocol.FlowFrame{State: protocol.FlowXoff, Scope: protocol.FlowScopeQueue, Queue: queue})
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"fmt"

	"github.com/nishisan-dev/n-evb/internal/evb"
	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// EventBridge implementa os observers do pipeline que alimentam o
// EventStore: data-late, timestamps duplicados/não-monotônicos, barreiras e
// flow control viram eventos operacionais persistidos.
//
// Os callbacks disparam com o lock do fragment handler em mãos; o
// EventStore só faz um append em arquivo, barato o suficiente para a regra
// de observers leves.
type EventBridge struct {
	store *EventStore
}

// NewEventBridge cria a ponte e a registra em todas as categorias
// relevantes do registry.
func NewEventBridge(store *EventStore, registry *evb.Registry) *EventBridge {
	b := &EventBridge{store: store}
	registry.AddDataLateObserver(b)
	registry.AddDuplicateTimestampObserver(b)
	registry.AddNonMonotonicTimestampObserver(b)
	registry.AddBarrierObserver(b)
	registry.AddPartialBarrierObserver(b)
	registry.AddFlowControlObserver(b)
	return b
}

// DataLate implementa evb.DataLateObserver.
func (b *EventBridge) DataLate(frag *protocol.Fragment, newest uint64) {
	b.store.PushEvent("warn", "data_late", frag.Header.SourceID, "",
		fmt.Sprintf("fragment ts=%d released after newest=%d", frag.Header.Timestamp, newest))
}

// DuplicateTimestamp implementa evb.DuplicateTimestampObserver.
func (b *EventBridge) DuplicateTimestamp(sourceID uint32, ts uint64) {
	b.store.PushEvent("warn", "duplicate_ts", sourceID, "",
		fmt.Sprintf("duplicate timestamp %d", ts))
}

// NonMonotonicTimestamp implementa evb.NonMonotonicTimestampObserver.
func (b *EventBridge) NonMonotonicTimestamp(sourceID uint32, prior, bad uint64) {
	b.store.PushEvent("warn", "non_monotonic", sourceID, "",
		fmt.Sprintf("timestamp %d after %d", bad, prior))
}

// GoodBarrier implementa evb.BarrierObserver.
func (b *EventBridge) GoodBarrier(types []evb.BarrierType) {
	b.store.PushEvent("info", "good_barrier", 0, "",
		fmt.Sprintf("barrier complete across %d sources", len(types)))
}

// PartialBarrier implementa evb.PartialBarrierObserver.
func (b *EventBridge) PartialBarrier(types []evb.BarrierType, missing []uint32) {
	b.store.PushEvent("error", "partial_barrier", 0, "",
		fmt.Sprintf("malformed barrier: %d present, missing sources %v", len(types), missing))
}

// Xon implementa evb.FlowControlObserver.
func (b *EventBridge) Xon() {
	b.store.PushEvent("info", "xon", 0, "", "global flow resumed")
}

// Xoff implementa evb.FlowControlObserver.
func (b *EventBridge) Xoff() {
	b.store.PushEvent("warn", "xoff", 0, "", "global flow stopped")
}

// XonQueue implementa evb.FlowControlObserver.
func (b *EventBridge) XonQueue(queue string) {
	b.store.PushEvent("info", "xon", 0, queue, "queue flow resumed")
}

// XoffQueue implementa evb.FlowControlObserver.
func (b *EventBridge) XoffQueue(queue string) {
	b.store.PushEvent("warn", "xoff", 0, queue, "queue flow stopped")
}

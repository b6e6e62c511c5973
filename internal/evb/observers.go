// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package evb

import (
	"sync"

	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// Observers por categoria. Cada categoria é uma lista independente,
// invocada em ordem de registro. Observers devem ser baratos; trabalho caro
// precisa ser deferido. Observers não podem registrar/desregistrar
// observers da própria categoria de dentro do callback (deadlock no RLock).

// EventReadyObserver recebe cada grupo globalmente ordenado antes da
// escrita no sink. O observer não é dono do storage dos fragmentos; se
// precisar de persistência, deve copiar.
type EventReadyObserver interface {
	EventReady(event FragmentList)
}

// DataLateObserver é notificado quando um fragmento é liberado com
// timestamp anterior ao último já emitido.
type DataLateObserver interface {
	DataLate(frag *protocol.Fragment, newest uint64)
}

// BarrierObserver é notificado em barreiras completas.
type BarrierObserver interface {
	GoodBarrier(types []BarrierType)
}

// PartialBarrierObserver é notificado em barreiras malformadas: os pares
// (source, tipo) presentes e os sources vivos ausentes.
type PartialBarrierObserver interface {
	PartialBarrier(types []BarrierType, missing []uint32)
}

// DuplicateTimestampObserver é notificado quando um source repete o
// timestamp do fragmento anterior (e o novo não foi atribuído do sentinela).
type DuplicateTimestampObserver interface {
	DuplicateTimestamp(sourceID uint32, timestamp uint64)
}

// NonMonotonicTimestampObserver é notificado quando um source entrega um
// timestamp menor que o anterior dele.
type NonMonotonicTimestampObserver interface {
	NonMonotonicTimestamp(sourceID uint32, prior, bad uint64)
}

// FlowControlObserver recebe as transições Xon/Xoff, globais e por fila.
// O escopo por fila identifica a fila pelo nome do socket.
type FlowControlObserver interface {
	Xon()
	Xoff()
	XonQueue(queue string)
	XoffQueue(queue string)
}

// Registry mantém as listas de observers das sete categorias. Invocação
// segura sob RLock; Add/Remove sob Lock.
type Registry struct {
	mu sync.RWMutex

	eventReady   []EventReadyObserver
	dataLate     []DataLateObserver
	goodBarrier  []BarrierObserver
	partial      []PartialBarrierObserver
	duplicate    []DuplicateTimestampObserver
	nonMonotonic []NonMonotonicTimestampObserver
	flow         []FlowControlObserver
}

// NewRegistry cria um registro vazio.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddEventReadyObserver registra um observer de eventos prontos.
func (r *Registry) AddEventReadyObserver(o EventReadyObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventReady = append(r.eventReady, o)
}

// RemoveEventReadyObserver remove um observer; no-op se não registrado.
func (r *Registry) RemoveEventReadyObserver(o EventReadyObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.eventReady = removeObserver(r.eventReady, o)
}

// AddDataLateObserver registra um observer de data-late.
func (r *Registry) AddDataLateObserver(o DataLateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataLate = append(r.dataLate, o)
}

// RemoveDataLateObserver remove um observer; no-op se não registrado.
func (r *Registry) RemoveDataLateObserver(o DataLateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dataLate = removeObserver(r.dataLate, o)
}

// AddBarrierObserver registra um observer de barreiras completas.
func (r *Registry) AddBarrierObserver(o BarrierObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goodBarrier = append(r.goodBarrier, o)
}

// RemoveBarrierObserver remove um observer; no-op se não registrado.
func (r *Registry) RemoveBarrierObserver(o BarrierObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.goodBarrier = removeObserver(r.goodBarrier, o)
}

// AddPartialBarrierObserver registra um observer de barreiras malformadas.
func (r *Registry) AddPartialBarrierObserver(o PartialBarrierObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial = append(r.partial, o)
}

// RemovePartialBarrierObserver remove um observer; no-op se não registrado.
func (r *Registry) RemovePartialBarrierObserver(o PartialBarrierObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.partial = removeObserver(r.partial, o)
}

// AddDuplicateTimestampObserver registra um observer de timestamps duplicados.
func (r *Registry) AddDuplicateTimestampObserver(o DuplicateTimestampObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicate = append(r.duplicate, o)
}

// RemoveDuplicateTimestampObserver remove um observer; no-op se não registrado.
func (r *Registry) RemoveDuplicateTimestampObserver(o DuplicateTimestampObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.duplicate = removeObserver(r.duplicate, o)
}

// AddNonMonotonicTimestampObserver registra um observer de timestamps
// fora de ordem.
func (r *Registry) AddNonMonotonicTimestampObserver(o NonMonotonicTimestampObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonMonotonic = append(r.nonMonotonic, o)
}

// RemoveNonMonotonicTimestampObserver remove um observer; no-op se não registrado.
func (r *Registry) RemoveNonMonotonicTimestampObserver(o NonMonotonicTimestampObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nonMonotonic = removeObserver(r.nonMonotonic, o)
}

// AddFlowControlObserver registra um observer de flow control.
func (r *Registry) AddFlowControlObserver(o FlowControlObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flow = append(r.flow, o)
}

// RemoveFlowControlObserver remove um observer; no-op se não registrado.
func (r *Registry) RemoveFlowControlObserver(o FlowControlObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flow = removeObserver(r.flow, o)
}

func removeObserver[T comparable](list []T, o T) []T {
	for i, cur := range list {
		if cur == o {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func (r *Registry) fireEventReady(event FragmentList) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.eventReady {
		o.EventReady(event)
	}
}

func (r *Registry) fireDataLate(frag *protocol.Fragment, newest uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.dataLate {
		o.DataLate(frag, newest)
	}
}

func (r *Registry) fireGoodBarrier(types []BarrierType) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.goodBarrier {
		o.GoodBarrier(types)
	}
}

func (r *Registry) firePartialBarrier(types []BarrierType, missing []uint32) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.partial {
		o.PartialBarrier(types, missing)
	}
}

func (r *Registry) fireDuplicateTimestamp(sourceID uint32, ts uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.duplicate {
		o.DuplicateTimestamp(sourceID, ts)
	}
}

func (r *Registry) fireNonMonotonic(sourceID uint32, prior, bad uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.nonMonotonic {
		o.NonMonotonicTimestamp(sourceID, prior, bad)
	}
}

func (r *Registry) fireXon() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.flow {
		o.Xon()
	}
}

func (r *Registry) fireXoff() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.flow {
		o.Xoff()
	}
}

func (r *Registry) fireXonQueue(queue string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.flow {
		o.XonQueue(queue)
	}
}

func (r *Registry) fireXoffQueue(queue string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.flow {
		o.XoffQueue(queue)
	}
}

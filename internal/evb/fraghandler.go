// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package evb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// Defaults dos knobs do fragment handler.
const (
	DefaultBuildWindow    = 20 * time.Second
	DefaultStartupTimeout = 2 * time.Second
	DefaultIdlePoll       = 1 * time.Second

	DefaultXoffFragments = 4_000_000
	DefaultXonFragments  = 3_000_000
	DefaultPerQueueXoff  = 400_000
	DefaultPerQueueXon   = 50_000
)

// barrierTimeoutFactor: uma barreira pendente por mais que esse múltiplo do
// build window é resolvida como barreira malformada.
const barrierTimeoutFactor = 4

// bigStampJump é o salto de timestamp acima do qual logamos um aviso
// (indício de bits altos perdidos em um source).
const bigStampJump = uint64(1) << 32

// FlowThresholds são as marcas d'água de flow control, em fragmentos.
type FlowThresholds struct {
	XoffFragments int // in-flight total para Xoff global
	XonFragments  int // in-flight total para Xon global
	PerQueueXoff  int // profundidade de fila para Xoff por source
	PerQueueXon   int // profundidade de fila para Xon por source
}

// HandlerConfig configura o fragment handler. Zero values recebem defaults,
// exceto StartupTimeout: zero é mantido e só um valor negativo recebe o
// default.
type HandlerConfig struct {
	BuildWindow    time.Duration
	StartupTimeout time.Duration
	IdlePoll       time.Duration
	Flow           FlowThresholds

	// Now permite injetar o relógio em testes (timeout de barreira).
	Now func() time.Time
}

func (c *HandlerConfig) applyDefaults() {
	if c.BuildWindow <= 0 {
		c.BuildWindow = DefaultBuildWindow
	}
	if c.StartupTimeout < 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = DefaultIdlePoll
	}
	if c.Flow.XoffFragments <= 0 {
		c.Flow.XoffFragments = DefaultXoffFragments
	}
	if c.Flow.XonFragments <= 0 {
		c.Flow.XonFragments = DefaultXonFragments
	}
	if c.Flow.PerQueueXoff <= 0 {
		c.Flow.PerQueueXoff = DefaultPerQueueXoff
	}
	if c.Flow.PerQueueXon <= 0 {
		c.Flow.PerQueueXon = DefaultPerQueueXon
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Handler é o estágio C1 do pipeline: mantém uma fila ordenada por source,
// decide quais prefixos são seguros de liberar (stamp mark ou build window),
// sincroniza barreiras e dirige o flow control. Todas as entradas públicas
// são thread-safe; um único mutex guarda o estado das filas e das âncoras.
//
// AddFragments pode bloquear no canal para o Sorter quando o downstream
// está atrasado — esse é o caminho de backpressure.
type Handler struct {
	mu sync.Mutex

	buildWindow    time.Duration
	startupTimeout time.Duration
	idlePoll       time.Duration
	flow           FlowThresholds
	now            func() time.Time

	queues        map[uint32]*sourceQueue
	live          map[uint32]struct{}
	socketSources map[string][]uint32
	deadSockets   map[string][]uint32

	barrierPending bool

	oldest             uint64 // menor timestamp vivo nas filas
	newest             uint64 // maior timestamp já enfileirado
	mostRecentlyPopped uint64

	firstSubmission time.Time
	haveFirst       bool

	xoffed      bool
	totalQueued int // fragmentos atualmente nas filas de source

	fragsAccepted uint64
	fragsCleared  uint64
	bytesCleared  uint64

	registry *Registry
	sorter   *Sorter
	output   *Output
	logger   *slog.Logger

	idleCancel context.CancelFunc
	idleWG     sync.WaitGroup
}

// NewHandler cria o fragment handler ligado ao sorter e ao output (usados
// para contabilidade de in-flight do flow control).
func NewHandler(cfg HandlerConfig, registry *Registry, sorter *Sorter, output *Output, logger *slog.Logger) *Handler {
	cfg.applyDefaults()
	return &Handler{
		buildWindow:    cfg.BuildWindow,
		startupTimeout: cfg.StartupTimeout,
		idlePoll:       cfg.IdlePoll,
		flow:           cfg.Flow,
		now:            cfg.Now,
		queues:         make(map[uint32]*sourceQueue),
		live:           make(map[uint32]struct{}),
		socketSources:  make(map[string][]uint32),
		deadSockets:    make(map[string][]uint32),
		oldest:         ^uint64(0),
		registry:       registry,
		sorter:         sorter,
		output:         output,
		logger:         logger.With("component", "fragment_handler"),
	}
}

// Registry expõe o registro de observers do pipeline.
func (h *Handler) Registry() *Registry { return h.registry }

// Start dispara o idle poll: um tick periódico que força flushes por build
// window mesmo sem producers ativos e reavalia o Xon caso o downstream
// tenha drenado enquanto estávamos Xoffed.
func (h *Handler) Start(ctx context.Context) {
	ctx, h.idleCancel = context.WithCancel(ctx)
	h.idleWG.Add(1)
	go func() {
		defer h.idleWG.Done()
		ticker := time.NewTicker(h.idlePoll)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				h.mu.Lock()
				h.flushQueuesLocked(false)
				h.checkXonLocked()
				h.mu.Unlock()
			}
		}
	}()
}

// Stop encerra o idle poll e espera o tick corrente terminar. Depois de
// Stop (e com os producers parados) é seguro fechar o Sorter.
func (h *Handler) Stop() {
	if h.idleCancel != nil {
		h.idleCancel()
	}
	h.idleWG.Wait()
}

// AddFragments aceita um bloco contíguo com um ou mais fragmentos flat,
// enfileira cada um na fila do seu source e dispara um passo de flush.
//
// Se o último fragmento declarar mais payload do que o bloco contém,
// retorna ErrMalformedBlock; o prefixo já parseado permanece aceito.
func (h *Handler) AddFragments(block []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	if !h.haveFirst {
		h.haveFirst = true
		h.firstSubmission = now
	}

	rest := block
	for len(rest) > 0 {
		frag, r, err := protocol.NextFragment(rest)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBlock, err)
		}
		h.addFragmentLocked(now, frag)
		rest = r
	}

	h.flushQueuesLocked(false)
	h.checkXoffLocked()
	return nil
}

// RegisterSource cria (se necessário) a fila do source e o associa ao
// socket. Chamado pela camada de transporte no handshake do producer.
func (h *Handler) RegisterSource(socketName string, id uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	q := h.getSourceQueueLocked(socketName, id)
	if q.qid == "" {
		q.qid = socketName
	}
	h.live[id] = struct{}{}

	ids := h.socketSources[socketName]
	for _, cur := range ids {
		if cur == id {
			return
		}
	}
	h.socketSources[socketName] = append(ids, id)
}

// MarkSourceFailed tira o source do conjunto vivo, mantendo a fila. Se há
// barreira pendente e todos os sources vivos restantes já têm barreira no
// head, uma barreira malformada é emitida imediatamente.
func (h *Handler) MarkSourceFailed(id uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.markSourceFailedLocked(id)
}

func (h *Handler) markSourceFailedLocked(id uint32) error {
	if _, known := h.queues[id]; !known {
		if _, isLive := h.live[id]; !isLive {
			return fmt.Errorf("%w: source %d", ErrUnknownSource, id)
		}
	}
	delete(h.live, id)

	if h.barrierPending && h.countPresentBarriersLocked() > 0 &&
		h.liveBarrierHeadsLocked() == len(h.live) {
		h.logger.Warn("emitting barrier on source failure", "source", id)
		var out FragmentList
		h.malformedBarrierLocked(&out)
		h.observeLocked(out)
		h.findOldestLocked()
	}
	return nil
}

// MarkSocketFailed marca como mortos todos os sources do socket, de forma
// atômica, e move o socket para o conjunto de mortos (ver ReviveSocket).
func (h *Handler) MarkSocketFailed(socketName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids, ok := h.socketSources[socketName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSocket, socketName)
	}
	for _, id := range ids {
		_ = h.markSourceFailedLocked(id)
	}
	h.deadSockets[socketName] = ids
	delete(h.socketSources, socketName)
	return nil
}

// ReviveSocket revive os sources de um socket previamente morto (reconexão
// do transporte).
func (h *Handler) ReviveSocket(socketName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids, ok := h.deadSockets[socketName]
	if !ok {
		return fmt.Errorf("%w: %s not in dead socket list", ErrUnknownSocket, socketName)
	}
	for _, id := range ids {
		h.getSourceQueueLocked(socketName, id)
		h.live[id] = struct{}{}
	}
	h.socketSources[socketName] = ids
	delete(h.deadSockets, socketName)
	return nil
}

// SetBuildWindow ajusta a tolerância de build (modo B e timeout de barreira).
func (h *Handler) SetBuildWindow(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buildWindow = d
}

// BuildWindow retorna o build window corrente.
func (h *Handler) BuildWindow() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buildWindow
}

// SetStartupTimeout ajusta a janela pós-primeiro-fragmento durante a qual
// flushes normais são suprimidos (dá tempo de todos os sources aparecerem).
func (h *Handler) SetStartupTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.startupTimeout = d
}

// StartupTimeout retorna o startup timeout corrente.
func (h *Handler) StartupTimeout() time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startupTimeout
}

// SetFlowThresholds ajusta as marcas d'água de flow control.
func (h *Handler) SetFlowThresholds(t FlowThresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t.XoffFragments > 0 {
		h.flow.XoffFragments = t.XoffFragments
	}
	if t.XonFragments > 0 {
		h.flow.XonFragments = t.XonFragments
	}
	if t.PerQueueXoff > 0 {
		h.flow.PerQueueXoff = t.PerQueueXoff
	}
	if t.PerQueueXon > 0 {
		h.flow.PerQueueXon = t.PerQueueXon
	}
}

// FlowLimits retorna as marcas d'água correntes.
func (h *Handler) FlowLimits() FlowThresholds {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.flow
}

// Flush dispara um passo de drenagem. Com complete=true as filas são
// drenadas por inteiro, barreira por barreira, independente do build
// window (shutdown controlado, fronteira de run).
func (h *Handler) Flush(complete bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.flushQueuesLocked(complete)
	if complete {
		h.newest = 0
		h.oldest = ^uint64(0)
	}
}

// AbortBarrier resolve imediatamente uma barreira em andamento: completa,
// sai como barreira boa; senão, como malformada. No-op sem barreira.
func (h *Handler) AbortBarrier() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.countPresentBarriersLocked() == 0 {
		return
	}
	var out FragmentList
	if len(h.live) > 0 && h.liveBarrierHeadsLocked() == len(h.live) {
		h.goodBarrierLocked(&out)
	} else {
		h.malformedBarrierLocked(&out)
	}
	h.observeLocked(out)
	h.findOldestLocked()
}

// ResetTimestamps restaura âncoras e bookkeeping por fila aos valores de
// construção (início de run).
func (h *Handler) ResetTimestamps() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.oldest = ^uint64(0)
	h.newest = 0
	h.mostRecentlyPopped = 0
	h.barrierPending = false
	for _, q := range h.queues {
		q.reset()
		if q.barriers > 0 {
			h.barrierPending = true
		}
	}
}

// ClearQueues descarta todo o conhecimento de sources: filas, mapas de
// socket, conjunto vivo e flag de barreira. Fragmentos descartados são
// contados para a conservação.
func (h *Handler) ClearQueues() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, q := range h.queues {
		h.fragsCleared += uint64(q.depth())
		h.bytesCleared += q.bytesInQ
	}
	h.totalQueued = 0
	h.queues = make(map[uint32]*sourceQueue)
	h.live = make(map[uint32]struct{})
	h.socketSources = make(map[string][]uint32)
	h.deadSockets = make(map[string][]uint32)
	h.barrierPending = false
}

// Statistics retorna o snapshot de entrada para monitoração.
func (h *Handler) Statistics() InputStatistics {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := InputStatistics{
		OldestFragment:     h.oldest,
		NewestFragment:     h.newest,
		MostRecentlyPopped: h.mostRecentlyPopped,
		InFlight:           h.inFlightLocked(),
		FragmentsAccepted:  h.fragsAccepted,
		FragmentsCleared:   h.fragsCleared,
		BytesCleared:       h.bytesCleared,
		BarrierPending:     h.barrierPending,
	}
	for id := range h.live {
		out.LiveSources = append(out.LiveSources, id)
	}
	sort.Slice(out.LiveSources, func(i, j int) bool { return out.LiveSources[i] < out.LiveSources[j] })

	for _, id := range h.sortedIDsLocked() {
		q := h.queues[id]
		qs := QueueStatistics{
			SourceID:         id,
			Queue:            q.qid,
			Depth:            q.depth(),
			QueuedBytes:      q.bytesInQ,
			DequeuedBytes:    q.bytesDeQd,
			TotalQueuedBytes: q.totalBytesQd,
			Xoffed:           q.xoffed,
		}
		if !q.empty() {
			qs.OldestElement = q.head().Header.Timestamp
		}
		out.TotalQueued += qs.Depth
		out.QueueStats = append(out.QueueStats, qs)
	}
	return out
}

/*
 * Internals. Tudo abaixo assume h.mu held.
 */

func (h *Handler) getSourceQueueLocked(qid string, id uint32) *sourceQueue {
	if q, ok := h.queues[id]; ok {
		return q
	}
	q := newSourceQueue(id, qid)
	h.queues[id] = q
	return q
}

func (h *Handler) addFragmentLocked(now time.Time, frag *protocol.Fragment) {
	hd := &frag.Header
	q := h.getSourceQueueLocked("", hd.SourceID)

	assigned := false
	if hd.Timestamp == protocol.NullTimestamp {
		// Sentinela: atribui o newest deste source. Nunca conta como
		// duplicata (a atribuição duplica por construção).
		hd.Timestamp = q.newestTimestamp
		assigned = true
	} else if q.newestTimestamp != 0 && hd.Timestamp > q.newestTimestamp &&
		hd.Timestamp-q.newestTimestamp > bigStampJump {
		h.logger.Warn("big timestamp jump on source",
			"source", hd.SourceID, "last", q.newestTimestamp, "next", hd.Timestamp)
	}
	ts := hd.Timestamp

	if ts == q.newestTimestamp && !assigned {
		h.registry.fireDuplicateTimestamp(hd.SourceID, ts)
	}

	q.bytesInQ += uint64(hd.PayloadSize)
	q.totalBytesQd += uint64(hd.PayloadSize)

	if prior := q.lastTimestamp; ts < prior {
		h.registry.fireNonMonotonic(hd.SourceID, prior, ts)
	}

	q.insert(now, frag)

	h.live[hd.SourceID] = struct{}{} // receber fragmento revive o source
	if hd.IsBarrier() {
		h.barrierPending = true
	}

	if ts < h.oldest {
		if h.oldest != ^uint64(0) && h.oldest-ts > bigStampJump {
			h.logger.Warn("oldest timestamp taking a big step back",
				"from", h.oldest, "to", ts)
		}
		h.oldest = ts
	}
	if ts > h.newest {
		h.newest = ts
	}

	h.totalQueued++
	h.fragsAccepted++
	h.xoffQueueLocked(q)
}

// flushQueuesLocked decide quais prefixos são seguros de liberar e os envia
// ao sorter como sub-listas já ordenadas por source.
//
// Modo A (nenhuma fila vazia): libera tudo com timestamp <= stamp mark.
// Modo B (alguma fila vazia): libera por instante de chegada fora do build
// window — garante liveness para sources que emitem raramente.
// Completo: drena tudo, resolvendo barreiras no caminho.
func (h *Handler) flushQueuesLocked(completely bool) {
	now := h.now()
	if !completely {
		if !h.haveFirst || now.Sub(h.firstSubmission) < h.startupTimeout {
			return
		}
	}

	type statPair struct {
		q    *sourceQueue
		list FragmentList
	}
	var batch FragmentBatch
	var stats []statPair

	handle := func(q *sourceQueue, list FragmentList) {
		h.xoffQueueLocked(q)
		h.xonQueueLocked(q)
		if len(list) == 0 {
			return
		}
		if list[0].Frag.Header.Timestamp < h.mostRecentlyPopped {
			h.registry.fireDataLate(list[0].Frag, h.newest)
		}
		stats = append(stats, statPair{q, list})
		batch = append(batch, list)
	}

	if !completely {
		if h.noEmptyQueueLocked() {
			mark := h.findStampMarkLocked()
			for _, id := range h.sortedIDsLocked() {
				q := h.queues[id]
				handle(q, q.dequeueUntilStamp(mark, h.barrierPending))
			}
		} else {
			limit := now.Add(-h.buildWindow)
			for _, id := range h.sortedIDsLocked() {
				q := h.queues[id]
				handle(q, q.dequeueUntilTime(limit))
			}
		}
		for _, sp := range stats {
			h.updateQueueStatsLocked(sp.q, sp.list)
		}
		if len(batch) > 0 {
			h.sorter.QueueFragments(batch)
		}
		h.checkXonLocked()
		if h.barrierPending {
			h.checkBarrierLocked(false)
		}
		return
	}

	// Flush completo: alterna entre drenar prefixos não-barreira e resolver
	// as barreiras nos heads, até as filas esvaziarem.
	for {
		batch, stats = nil, nil
		for _, id := range h.sortedIDsLocked() {
			q := h.queues[id]
			handle(q, q.dequeueUntilBarrier())
		}
		for _, sp := range stats {
			h.updateQueueStatsLocked(sp.q, sp.list)
		}
		if len(batch) > 0 {
			h.sorter.QueueFragments(batch)
		}
		if h.allQueuesEmptyLocked() {
			h.barrierPending = false
			break
		}
		if h.countPresentBarriersLocked() == 0 {
			break // não deveria acontecer; evita loop sem progresso
		}
		h.checkBarrierLocked(true)
	}
	h.checkXonLocked()
}

func (h *Handler) updateQueueStatsLocked(q *sourceQueue, justDequeued FragmentList) {
	if len(justDequeued) == 0 {
		return
	}
	lastStamp := justDequeued[len(justDequeued)-1].Frag.Header.Timestamp
	q.lastPopped = lastStamp
	if lastStamp > h.mostRecentlyPopped {
		h.mostRecentlyPopped = lastStamp
	}

	var payloadBytes uint64
	for i := range justDequeued {
		payloadBytes += uint64(justDequeued[i].Frag.Header.PayloadSize)
	}
	q.bytesDeQd += payloadBytes
	q.bytesInQ -= payloadBytes
	h.totalQueued -= len(justDequeued)
}

// observeLocked empurra um evento pronto (ex.: barreira) pipeline abaixo
// como uma lista única.
func (h *Handler) observeLocked(event FragmentList) {
	if len(event) == 0 {
		return
	}
	h.sorter.QueueFragments(FragmentBatch{event})
}

func (h *Handler) sortedIDsLocked() []uint32 {
	ids := make([]uint32, 0, len(h.queues))
	for id := range h.queues {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Handler) noEmptyQueueLocked() bool {
	for _, q := range h.queues {
		if q.empty() {
			return false
		}
	}
	return true
}

func (h *Handler) allQueuesEmptyLocked() bool {
	for _, q := range h.queues {
		if !q.empty() {
			return false
		}
	}
	return true
}

// findStampMarkLocked: mínimo, entre as filas, do maior timestamp
// não-barreira de cada fila. Tudo com stamp <= mark pode sair sem quebrar a
// ordem global (nenhuma fila pode produzir algo mais antigo que a sua
// contribuição, pelo invariante de ordem por fila).
func (h *Handler) findStampMarkLocked() uint64 {
	mark := ^uint64(0)
	for _, q := range h.queues {
		if s := q.newestNonBarrierStamp(); s < mark {
			mark = s
		}
	}
	return mark
}

// findOldestLocked redetermina a âncora oldest examinando os heads
// não-barreira das filas (necessário depois de barreiras).
func (h *Handler) findOldestLocked() {
	oldest := ^uint64(0)
	for _, q := range h.queues {
		if q.empty() {
			continue
		}
		head := q.head().Header
		if !head.IsBarrier() && head.Timestamp < oldest {
			oldest = head.Timestamp
		}
	}
	if oldest != ^uint64(0) {
		h.oldest = oldest
	}
}

func (h *Handler) countPresentBarriersLocked() int {
	n := 0
	for _, q := range h.queues {
		if q.barrierAtHead() {
			n++
		}
	}
	return n
}

// liveBarrierHeadsLocked conta sources vivos com barreira pronta no head.
func (h *Handler) liveBarrierHeadsLocked() int {
	n := 0
	for id := range h.live {
		if q, ok := h.queues[id]; ok && q.barrierAtHead() {
			n++
		}
	}
	return n
}

// oldestBarrierLocked retorna o instante de chegada da barreira mais antiga
// nos heads; now se não houver nenhuma.
func (h *Handler) oldestBarrierLocked() time.Time {
	result := h.now()
	for _, q := range h.queues {
		if q.barrierAtHead() && q.entries[0].Received.Before(result) {
			result = q.entries[0].Received
		}
	}
	return result
}

type barrierSummary struct {
	present []BarrierType
	missing []uint32
}

// generateBarrierLocked remove as barreiras dos heads de todas as filas
// para a lista de saída e resume quem contribuiu e quais sources vivos
// faltaram.
func (h *Handler) generateBarrierLocked(out *FragmentList) barrierSummary {
	var s barrierSummary

	for _, id := range h.sortedIDsLocked() {
		q := h.queues[id]
		if q.barrierAtHead() {
			e := q.popHead()
			hd := &e.Frag.Header
			q.lastPopped = hd.Timestamp
			q.bytesDeQd += uint64(hd.PayloadSize)
			q.bytesInQ -= uint64(hd.PayloadSize)
			h.totalQueued--
			*out = append(*out, e)
			s.present = append(s.present, BarrierType{SourceID: id, Type: hd.Barrier})
		} else if _, isLive := h.live[id]; isLive {
			s.missing = append(s.missing, id)
		}
	}
	// Sources vivos sem fila ainda também contam como ausentes.
	for id := range h.live {
		if _, ok := h.queues[id]; !ok {
			s.missing = append(s.missing, id)
		}
	}
	sort.Slice(s.missing, func(i, j int) bool { return s.missing[i] < s.missing[j] })

	// Pode haver outra barreira enfileirada atrás; o flag só cai quando
	// nenhuma fila tem barreira.
	h.barrierPending = false
	for _, q := range h.queues {
		if q.barriers > 0 {
			h.barrierPending = true
			break
		}
	}

	h.checkXonLocked()
	h.findOldestLocked()
	return s
}

func (h *Handler) goodBarrierLocked(out *FragmentList) {
	s := h.generateBarrierLocked(out)
	if len(s.missing) == 0 {
		h.registry.fireGoodBarrier(s.present)
	} else {
		h.registry.firePartialBarrier(s.present, s.missing)
	}
}

func (h *Handler) malformedBarrierLocked(out *FragmentList) {
	s := h.generateBarrierLocked(out)
	h.registry.firePartialBarrier(s.present, s.missing)
}

// checkBarrierLocked decide se a barreira pendente pode sair: boa quando
// todo source vivo tem barreira no head; malformada quando um flush
// completo está em curso ou quando a barreira mais antiga espera há mais de
// barrierTimeoutFactor build windows.
func (h *Handler) checkBarrierLocked(completeFlush bool) {
	nBarriers := h.countPresentBarriersLocked()

	if nBarriers > 0 && len(h.live) > 0 && h.liveBarrierHeadsLocked() == len(h.live) {
		var out FragmentList
		h.goodBarrierLocked(&out)
		h.observeLocked(out)
		h.findOldestLocked()
		return
	}

	if completeFlush {
		var out FragmentList
		h.malformedBarrierLocked(&out)
		h.observeLocked(out)
		h.findOldestLocked()
		return
	}

	if nBarriers != 0 {
		waited := h.now().Sub(h.oldestBarrierLocked())
		if waited > time.Duration(barrierTimeoutFactor)*h.buildWindow {
			h.logger.Warn("barrier stalled, emitting malformed barrier",
				"waited", waited, "build_window", h.buildWindow)
			var out FragmentList
			h.malformedBarrierLocked(&out)
			h.observeLocked(out)
		}
	}
	h.findOldestLocked()
}

/*
 * Flow control.
 */

func (h *Handler) inFlightLocked() int {
	return h.totalQueued + int(h.sorter.InFlight()) + int(h.output.InFlight())
}

func (h *Handler) checkXoffLocked() {
	if !h.xoffed && h.inFlightLocked() > h.flow.XoffFragments {
		h.registry.fireXoff()
		h.xoffed = true
	}
}

func (h *Handler) checkXonLocked() {
	if h.xoffed && h.inFlightLocked() < h.flow.XonFragments {
		h.registry.fireXon()
		h.xoffed = false
	}
}

func (h *Handler) xoffQueueLocked(q *sourceQueue) {
	if !q.xoffed && q.depth() >= h.flow.PerQueueXoff {
		h.registry.fireXoffQueue(q.qid)
		q.xoffed = true
	}
}

func (h *Handler) xonQueueLocked(q *sourceQueue) {
	if q.xoffed && q.depth() < h.flow.PerQueueXon {
		h.registry.fireXonQueue(q.qid)
		q.xoffed = false
	}
}

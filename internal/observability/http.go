// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/nishisan-dev/n-evb/internal/evb"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// HealthResponse é retornado por GET /api/v1/health.
type HealthResponse struct {
	Status     string  `json:"status"`
	Uptime     string  `json:"uptime"`
	Version    string  `json:"version"`
	Go         string  `json:"go"`
	GoRoutines int     `json:"goroutines"`
	HeapMB     float64 `json:"heap_mb"`
}

// StatsResponse é retornado por GET /api/v1/stats.
type StatsResponse struct {
	Input      evb.InputStatistics      `json:"input"`
	Output     evb.OutputStatistics     `json:"output"`
	OutOfOrder evb.OutOfOrderStatistics `json:"out_of_order"`
	System     SystemStats              `json:"system"`
}

// Router agrupa as dependências dos handlers HTTP.
type Router struct {
	handler  *evb.Handler
	output   *evb.Output
	oooStats *evb.OutOfOrderStats
	monitor  *SystemMonitor
	events   *EventStore
	runs     *RunHistoryStore
}

// NewRouter cria o http.Handler da API de observabilidade, com a ACL
// aplicada em todas as rotas.
func NewRouter(handler *evb.Handler, output *evb.Output, oooStats *evb.OutOfOrderStats,
	monitor *SystemMonitor, events *EventStore, runs *RunHistoryStore, acl *ACL) http.Handler {

	rt := &Router{
		handler:  handler,
		output:   output,
		oooStats: oooStats,
		monitor:  monitor,
		events:   events,
		runs:     runs,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/health", rt.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", rt.handleStats)
	mux.HandleFunc("GET /api/v1/queues", rt.handleQueues)
	mux.HandleFunc("GET /api/v1/events", rt.handleEvents)
	mux.HandleFunc("GET /api/v1/runs", rt.handleRuns)
	mux.HandleFunc("GET /api/v1/system", rt.handleSystem)

	return acl.Middleware(mux)
}

func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Uptime:     time.Since(startTime).String(),
		Version:    Version,
		Go:         runtime.Version(),
		GoRoutines: runtime.NumGoroutine(),
		HeapMB:     float64(mem.HeapAlloc) / (1024 * 1024),
	})
}

func (rt *Router) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatsResponse{
		Input:      rt.handler.Statistics(),
		Output:     rt.output.Statistics(),
		OutOfOrder: rt.oooStats.Snapshot(),
		System:     rt.monitor.Stats(),
	})
}

func (rt *Router) handleQueues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.handler.Statistics().QueueStats)
}

func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100)
	writeJSON(w, http.StatusOK, rt.events.Recent(limit))
}

func (rt *Router) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	writeJSON(w, http.StatusOK, rt.runs.Recent(limit))
}

func (rt *Router) handleSystem(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, rt.monitor.Stats())
}

func parseLimit(r *http.Request, def int) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

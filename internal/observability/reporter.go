// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/nishisan-dev/n-evb/internal/evb"
)

const statsInterval = 5 * time.Minute

// StatsReporter emite métricas periódicas do pipeline no log estruturado.
type StatsReporter struct {
	handler   *evb.Handler
	output    *evb.Output
	monitor   *SystemMonitor
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria um StatsReporter que loga métricas a cada 5 minutos.
func NewStatsReporter(handler *evb.Handler, output *evb.Output, monitor *SystemMonitor, logger *slog.Logger) *StatsReporter {
	return &StatsReporter{
		handler:   handler,
		output:    output,
		monitor:   monitor,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.report()
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", statsInterval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) report() {
	in := sr.handler.Statistics()
	out := sr.output.Statistics()
	sys := sr.monitor.Stats()

	sr.logger.Info("pipeline stats",
		"uptime_s", time.Since(sr.startTime).Seconds(),
		"queued", in.TotalQueued,
		"in_flight", in.InFlight,
		"accepted", in.FragmentsAccepted,
		"emitted", out.Cumulative.Triggers,
		"emitted_bytes", out.Cumulative.Bytes,
		"run_triggers", out.PerRun.Triggers,
		"barrier_pending", in.BarrierPending,
		"live_sources", len(in.LiveSources),
		"cpu_pct", sys.CPUPercent,
		"mem_pct", sys.MemoryPercent,
		"load1", sys.LoadAverage,
	)
}

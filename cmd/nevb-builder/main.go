// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-evb/internal/config"
	"github.com/nishisan-dev/n-evb/internal/control"
	"github.com/nishisan-dev/n-evb/internal/evb"
	"github.com/nishisan-dev/n-evb/internal/ingest"
	"github.com/nishisan-dev/n-evb/internal/logging"
	"github.com/nishisan-dev/n-evb/internal/observability"
	"github.com/nishisan-dev/n-evb/internal/sink"
)

func main() {
	configPath := flag.String("config", "/etc/nevb/builder.yaml", "path to builder config file")
	flag.Parse()

	cfg, err := config.LoadBuilderConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if err := run(cfg, logger); err != nil {
		logger.Error("builder error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.BuilderConfig, logger *slog.Logger) error {
	// Sink downstream (com compressão opcional)
	snk, err := buildSink(cfg)
	if err != nil {
		return fmt.Errorf("building sink: %w", err)
	}

	// Pipeline: Handler → Sorter → Output → sink
	registry := evb.NewRegistry()
	output := evb.NewOutput(snk, registry, logger)
	sorter := evb.NewSorter(output, logger)
	handler := evb.NewHandler(evb.HandlerConfig{
		BuildWindow:    cfg.Builder.BuildWindow,
		StartupTimeout: cfg.Builder.StartupTimeout,
		IdlePoll:       cfg.Builder.IdlePoll,
		Flow: evb.FlowThresholds{
			XoffFragments: cfg.Flow.XoffFragments,
			XonFragments:  cfg.Flow.XonFragments,
			PerQueueXoff:  cfg.Flow.PerQueueXoff,
			PerQueueXon:   cfg.Flow.PerQueueXon,
		},
	}, registry, sorter, output, logger)

	oooStats := evb.NewOutOfOrderStats()
	registry.AddNonMonotonicTimestampObserver(oooStats)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Observabilidade (opcional)
	obs, err := startObservability(ctx, cfg, handler, output, oooStats, logger)
	if err != nil {
		return err
	}
	if obs != nil {
		defer obs.stop(logger)
	}

	// Logs por run: cada barreira que fecha um run gera um arquivo dedicado
	// com o resumo.
	if cfg.Logging.RunLogDir != "" {
		prev := output.RunBoundaryFunc()
		output.SetRunBoundaryFunc(func(finished evb.RunStats, barriers []evb.BarrierType) {
			if prev != nil {
				prev(finished, barriers)
			}
			writeRunLog(cfg.Logging.RunLogDir, finished, barriers, logger)
		})
	}

	output.Start()
	sorter.Start()
	handler.Start(ctx)

	// Ingest de producers
	gate := ingest.NewGate()
	ingestCtx, ingestCancel := context.WithCancel(ctx)
	defer ingestCancel()
	ingestSrv := ingest.NewServer(cfg, handler, gate, logger)
	go func() {
		if err := ingestSrv.Run(ingestCtx); err != nil {
			logger.Error("ingest server error", "error", err)
		}
	}()

	// Run loop de aquisição: End faz o shutdown limpo.
	runLoop := control.NewRunLoop(control.Callbacks{
		OnAcquire: func() { gate.Resume() },
		OnRelease: func() { gate.Pause(); handler.Flush(true) },
		OnPause:   func() { gate.Pause() },
		OnResume:  func() { gate.Resume() },
		OnEnd: func() {
			gate.Pause()
			ingestCancel()
			ingestSrv.Wait()
			handler.Flush(true)
		},
	}, logger)

	// Superfície de controle
	ctl := control.NewServer(handler, output, oooStats, runLoop, logger)
	go func() {
		if err := ctl.Run(ctx, cfg.Builder.ControlListen); err != nil {
			logger.Error("control server error", "error", err)
		}
	}()

	// Sinais encerram via run loop (flush completo antes de sair)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		runLoop.Submit(control.End)
	}()

	// Falha de escrita downstream é fatal para o processo hospedeiro.
	go func() {
		if err, ok := <-output.Done(); ok && err != nil {
			logger.Error("fatal downstream failure", "error", err)
			runLoop.Submit(control.End)
		}
	}()

	runLoop.Run(ctx)

	// Drenagem ordenada: idle poll → sorter → output.
	handler.Stop()
	sorter.Close()
	if err := output.Close(); err != nil {
		logger.Error("closing output", "error", err)
	}
	cancel()

	logger.Info("builder shutdown complete")
	return nil
}

func buildSink(cfg *config.BuilderConfig) (sink.Sink, error) {
	var base sink.Sink
	var err error

	switch cfg.Sink.Type {
	case "file":
		base, err = sink.NewFileSink(cfg.Sink.Path)
	case "tcp":
		base, err = sink.NewTCPSink(cfg.Sink.Address)
	case "ring":
		base = sink.NewRingSink(cfg.Sink.RingSizeRaw)
	}
	if err != nil {
		return nil, err
	}

	return sink.WithCompression(base, cfg.Sink.Compression)
}

// sinkDiskPath retorna o filesystem que o monitor de sistema deve vigiar:
// o diretório do sink de arquivo, ou a raiz para sinks sem path.
func sinkDiskPath(cfg *config.BuilderConfig) string {
	if cfg.Sink.Type == "file" {
		return filepath.Dir(cfg.Sink.Path)
	}
	return "/"
}

// obsComponents agrupa o que a observabilidade sobe, para o shutdown.
type obsComponents struct {
	events    *observability.EventStore
	runs      *observability.RunHistoryStore
	snapshots *observability.QueueSnapshotStore
	scheduler *observability.SnapshotScheduler
	monitor   *observability.SystemMonitor
	reporter  *observability.StatsReporter
	webSrv    *http.Server
}

func startObservability(ctx context.Context, cfg *config.BuilderConfig, handler *evb.Handler,
	output *evb.Output, oooStats *evb.OutOfOrderStats, logger *slog.Logger) (*obsComponents, error) {

	if !cfg.WebUI.Enabled {
		return nil, nil
	}

	events, err := observability.NewEventStore(cfg.WebUI.EventsFile, 1000, cfg.WebUI.EventsMaxLines)
	if err != nil {
		return nil, fmt.Errorf("creating event store: %w", err)
	}
	observability.NewEventBridge(events, handler.Registry())

	runs, err := observability.NewRunHistoryStore(cfg.WebUI.RunHistoryFile, 200, cfg.WebUI.RunHistoryMaxLines)
	if err != nil {
		return nil, fmt.Errorf("creating run history store: %w", err)
	}
	output.SetRunBoundaryFunc(runs.PushRun)

	snapshots, err := observability.NewQueueSnapshotStore(cfg.WebUI.QueueSnapshotsFile, cfg.WebUI.QueueSnapshotsMaxLines)
	if err != nil {
		return nil, fmt.Errorf("creating queue snapshot store: %w", err)
	}
	scheduler, err := observability.NewSnapshotScheduler(cfg.WebUI.SnapshotSchedule, handler, snapshots, logger)
	if err != nil {
		return nil, err
	}
	scheduler.Start()

	monitor := observability.NewSystemMonitor(sinkDiskPath(cfg), events, logger)
	monitor.Start()

	reporter := observability.NewStatsReporter(handler, output, monitor, logger)
	reporter.Start()

	acl := observability.NewACL(cfg.WebUI.ParsedCIDRs, logger)
	acl.AttachEvents(events)
	router := observability.NewRouter(handler, output, oooStats, monitor, events, runs, acl)

	webSrv := &http.Server{
		Addr:              cfg.WebUI.Listen,
		Handler:           router,
		ReadTimeout:       cfg.WebUI.ReadTimeout,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      cfg.WebUI.WriteTimeout,
		IdleTimeout:       cfg.WebUI.IdleTimeout,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	go func() {
		logger.Info("web UI listening", "address", cfg.WebUI.Listen)
		if err := webSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("web UI server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		webSrv.Shutdown(shutdownCtx)
	}()

	return &obsComponents{
		events:    events,
		runs:      runs,
		snapshots: snapshots,
		scheduler: scheduler,
		monitor:   monitor,
		reporter:  reporter,
		webSrv:    webSrv,
	}, nil
}

func (o *obsComponents) stop(logger *slog.Logger) {
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	o.reporter.Stop()
	o.monitor.Stop()
	o.scheduler.Stop(stopCtx)
	if err := o.events.Close(); err != nil {
		logger.Error("closing event store", "error", err)
	}
	if err := o.runs.Close(); err != nil {
		logger.Error("closing run history store", "error", err)
	}
	if err := o.snapshots.Close(); err != nil {
		logger.Error("closing queue snapshot store", "error", err)
	}
}

// writeRunLog grava o resumo de um run encerrado em um arquivo dedicado.
func writeRunLog(dir string, finished evb.RunStats, barriers []evb.BarrierType, base *slog.Logger) {
	runID := fmt.Sprintf("run-%s", time.Now().Format("20060102-150405"))
	runLogger, closer, path, err := logging.NewRunLogger(base, dir, runID)
	if err != nil {
		base.Error("creating run log", "error", err)
		return
	}
	defer closer.Close()

	runLogger.Info("run finished",
		"triggers", finished.Triggers,
		"accepted_triggers", finished.AcceptedTriggers,
		"bytes", finished.Bytes,
		"barriers", len(barriers),
		"log_file", path,
	)
}

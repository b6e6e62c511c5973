// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/n-evb/internal/evb"
	"github.com/robfig/cron/v3"
)

// QueueSnapshot é uma fotografia periódica do estado de entrada do
// fragment handler, gravada pelo scheduler para análise post-mortem de
// backlogs e stalls.
type QueueSnapshot struct {
	Timestamp string              `json:"timestamp"`
	Stats     evb.InputStatistics `json:"stats"`
}

// QueueSnapshotStore persiste snapshots das filas em JSONL com rotação.
type QueueSnapshotStore struct {
	mu        sync.Mutex
	file      *os.File
	maxLines  int
	lineCount int
	path      string
}

// NewQueueSnapshotStore abre (ou cria) o arquivo de snapshots.
func NewQueueSnapshotStore(path string, maxLines int) (*QueueSnapshotStore, error) {
	if maxLines <= 0 {
		maxLines = 20000
	}

	lineCount := 0
	if f, err := os.Open(path); err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			lineCount++
		}
		f.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening queue snapshots file: %w", err)
	}

	return &QueueSnapshotStore{
		file:      f,
		maxLines:  maxLines,
		lineCount: lineCount,
		path:      path,
	}, nil
}

// Push grava um snapshot.
func (s *QueueSnapshotStore) Push(stats evb.InputStatistics) {
	snap := QueueSnapshot{
		Timestamp: time.Now().Format(time.RFC3339),
		Stats:     stats,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if _, err := s.file.Write(append(data, '\n')); err != nil {
		return
	}
	s.lineCount++
	if s.lineCount > s.maxLines {
		s.rotate()
	}
}

// Close fecha o arquivo.
func (s *QueueSnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate descarta a metade mais antiga do arquivo. Chamada com s.mu travado.
func (s *QueueSnapshotStore) rotate() {
	keep := s.maxLines / 2

	f, err := os.Open(s.path)
	if err != nil {
		return
	}
	var lines [][]byte
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		lines = append(lines, line)
	}
	f.Close()

	if len(lines) <= keep {
		return
	}
	lines = lines[len(lines)-keep:]

	s.file.Close()
	out, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}
	w := bufio.NewWriter(out)
	for _, line := range lines {
		w.Write(line)
		w.WriteByte('\n')
	}
	w.Flush()
	out.Close()

	s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	s.lineCount = len(lines)
}

// SnapshotScheduler tira snapshots das filas numa cron schedule.
type SnapshotScheduler struct {
	cron    *cron.Cron
	handler *evb.Handler
	store   *QueueSnapshotStore
	logger  *slog.Logger
}

// NewSnapshotScheduler registra o job de snapshot na schedule dada
// (expressão cron de 5 campos).
func NewSnapshotScheduler(schedule string, handler *evb.Handler, store *QueueSnapshotStore, logger *slog.Logger) (*SnapshotScheduler, error) {
	s := &SnapshotScheduler{
		handler: handler,
		store:   store,
		logger:  logger.With("component", "snapshot_scheduler"),
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, s.snapshot); err != nil {
		return nil, fmt.Errorf("adding snapshot cron job %q: %w", schedule, err)
	}
	s.cron = c

	logger.Info("registered queue snapshot job", "schedule", schedule)
	return s, nil
}

// Start inicia o scheduler.
func (s *SnapshotScheduler) Start() {
	s.cron.Start()
}

// Stop para o scheduler e aguarda jobs em andamento.
func (s *SnapshotScheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		s.logger.Warn("snapshot scheduler stop timed out")
	}
}

func (s *SnapshotScheduler) snapshot() {
	stats := s.handler.Statistics()
	s.store.Push(stats)
	s.logger.Debug("queue snapshot taken",
		"total_queued", stats.TotalQueued, "in_flight", stats.InFlight)
}

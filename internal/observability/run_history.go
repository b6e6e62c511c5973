// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package observability

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/nishisan-dev/n-evb/internal/evb"
)

// RunRecord resume um run de aquisição encerrado (delimitado por barreira).
type RunRecord struct {
	EndedAt          string            `json:"ended_at"`
	Triggers         uint64            `json:"triggers"`
	AcceptedTriggers uint64            `json:"accepted_triggers"`
	Bytes            uint64            `json:"bytes"`
	Barriers         []evb.BarrierType `json:"barriers"`
}

// RunHistoryStore mantém o histórico de runs encerrados: ring in-memory +
// persistência JSONL com rotação, no mesmo esquema do EventStore.
type RunHistoryStore struct {
	mu        sync.Mutex
	records   []RunRecord // últimos ringCap, mais antigo primeiro
	ringCap   int
	file      *os.File
	maxLines  int
	lineCount int
	path      string
}

// NewRunHistoryStore abre (ou cria) o arquivo JSONL de runs e carrega as
// últimas entradas.
func NewRunHistoryStore(path string, ringCap, maxLines int) (*RunHistoryStore, error) {
	if ringCap <= 0 {
		ringCap = 200
	}
	if maxLines <= 0 {
		maxLines = 5000
	}

	records, lineCount, err := loadRunsJSONL(path)
	if err != nil {
		return nil, fmt.Errorf("loading run history file: %w", err)
	}
	if len(records) > ringCap {
		records = records[len(records)-ringCap:]
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening run history file for append: %w", err)
	}

	return &RunHistoryStore{
		records:   records,
		ringCap:   ringCap,
		file:      f,
		maxLines:  maxLines,
		lineCount: lineCount,
		path:      path,
	}, nil
}

func loadRunsJSONL(path string) ([]RunRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var records []RunRecord
	lineCount := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		lineCount++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r RunRecord
		if err := json.Unmarshal(line, &r); err != nil {
			continue
		}
		records = append(records, r)
	}

	return records, lineCount, scanner.Err()
}

// PushRun registra o fim de um run. Feito para ser ligado ao hook de
// fronteira de run do estágio de saída.
func (s *RunHistoryStore) PushRun(finished evb.RunStats, barriers []evb.BarrierType) {
	rec := RunRecord{
		EndedAt:          time.Now().Format(time.RFC3339),
		Triggers:         finished.Triggers,
		AcceptedTriggers: finished.AcceptedTriggers,
		Bytes:            finished.Bytes,
		Barriers:         barriers,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if len(s.records) > s.ringCap {
		s.records = s.records[len(s.records)-s.ringCap:]
	}

	data, err := json.Marshal(rec)
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

// Recent retorna os últimos N runs em ordem cronológica.
func (s *RunHistoryStore) Recent(limit int) []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]RunRecord, n)
	copy(out, s.records[len(s.records)-n:])
	return out
}

// Close fecha o arquivo JSONL.
func (s *RunHistoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// rotate mantém as últimas maxLines/2 linhas. Chamada com s.mu travado.
func (s *RunHistoryStore) rotate() {
	keep := s.maxLines / 2

	records, _, err := loadRunsJSONL(s.path)
	if err != nil || len(records) <= keep {
		return
	}
	records = records[len(records)-keep:]

	s.file.Close()

	f, err := os.Create(s.path)
	if err != nil {
		s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}

	w := bufio.NewWriter(f)
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	s.file, _ = os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	s.lineCount = len(records)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// fanOutHandler despacha cada registro para dois handlers: o primário (o
// console do daemon, ou o logger base num logger de run) e o secundário
// (o arquivo de log).
type fanOutHandler struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (h *fanOutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.secondary.Enabled(ctx, level)
}

func (h *fanOutHandler) Handle(ctx context.Context, r slog.Record) error {
	// Checa Enabled() de cada handler antes de despachar, para que DEBUG não
	// vaze para o handler global quando este aceita só INFO.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	// Erro de escrita no arquivo não derruba o handler primário.
	if h.secondary.Enabled(ctx, r.Level) {
		_ = h.secondary.Handle(ctx, r)
	}
	return nil
}

func (h *fanOutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithAttrs(attrs),
		secondary: h.secondary.WithAttrs(attrs),
	}
}

func (h *fanOutHandler) WithGroup(name string) slog.Handler {
	return &fanOutHandler{
		primary:   h.primary.WithGroup(name),
		secondary: h.secondary.WithGroup(name),
	}
}

// NewRunLogger cria um logger que grava tanto no logger base do daemon
// quanto em um arquivo dedicado ao run de aquisição:
//
//	{runLogDir}/{runID}.log
//
// Retorna o logger combinado, um io.Closer (chamar no fim do run) e o path
// do arquivo. Com runLogDir vazio, retorna o logger base sem alterações.
func NewRunLogger(baseLogger *slog.Logger, runLogDir, runID string) (*slog.Logger, io.Closer, string, error) {
	if runLogDir == "" {
		return baseLogger, io.NopCloser(nil), "", nil
	}

	if err := os.MkdirAll(runLogDir, 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating run log directory %s: %w", runLogDir, err)
	}

	logPath := filepath.Join(runLogDir, runID+".log")
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening run log file %s: %w", logPath, err)
	}

	// O arquivo do run captura tudo: JSON com nível DEBUG.
	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	combined := &fanOutHandler{
		primary:   baseLogger.Handler(),
		secondary: fileHandler,
	}

	return slog.New(combined), f, logPath, nil
}

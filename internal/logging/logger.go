// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package logging constrói os loggers slog do nevb-builder: o logger global
// do daemon e os loggers por run de aquisição.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger cria o logger global do builder.
//
// O console (stdout) respeita o nível e o formato configurados ("json"
// default, "text"; níveis debug/info/warn/error). Se filePath não for
// vazio, o mesmo logger também grava num arquivo — sempre JSON e sempre em
// DEBUG, independente do nível do console: o arquivo existe para
// post-mortem de runs, onde o detalhe que faltou no console é exatamente o
// que se procura. O io.Closer retornado fecha o arquivo no shutdown (no-op
// sem arquivo).
func NewLogger(level, format, filePath string) (*slog.Logger, io.Closer) {
	console := consoleHandler(level, format)

	if filePath == "" {
		return slog.New(console), io.NopCloser(strings.NewReader(""))
	}

	f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		// Sem o arquivo, avisa no stderr e segue só com o console
		fmt.Fprintf(os.Stderr, "WARNING: could not open log file %q: %v (logging to stdout only)\n", filePath, err)
		return slog.New(console), io.NopCloser(strings.NewReader(""))
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	combined := &fanOutHandler{primary: console, secondary: fileHandler}
	return slog.New(combined), f
}

func consoleHandler(level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "text" {
		return slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.NewJSONHandler(os.Stdout, opts)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

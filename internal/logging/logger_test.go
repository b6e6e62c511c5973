// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLogger_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", "unknown"} {
		logger, closer := NewLogger("info", format, "")
		if logger == nil {
			t.Fatalf("format %q: nil logger", format)
		}
		closer.Close()
	}
}

func TestNewLogger_Levels(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"unknown", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Errorf("parseLevel(%q) = %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestNewLogger_FileTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "builder.log")
	logger, closer := NewLogger("info", "json", path)
	logger.Info("hello from test", "key", "value")
	// DEBUG não passa no console em nível info, mas o arquivo captura tudo.
	logger.Debug("post-mortem detail")
	closer.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing entry: %q", data)
	}
	if !strings.Contains(string(data), "post-mortem detail") {
		t.Errorf("log file must capture debug entries: %q", data)
	}
}

func TestNewRunLogger_DisabledWithoutDir(t *testing.T) {
	base, closer := NewLogger("info", "json", "")
	defer closer.Close()

	logger, runCloser, path, err := NewRunLogger(base, "", "run-1")
	if err != nil {
		t.Fatalf("NewRunLogger: %v", err)
	}
	if logger != base || path != "" {
		t.Error("empty dir must return the base logger unchanged")
	}
	runCloser.Close()
}

func TestNewRunLogger_WritesRunFile(t *testing.T) {
	base, closer := NewLogger("info", "json", "")
	defer closer.Close()

	dir := t.TempDir()
	logger, runCloser, path, err := NewRunLogger(base, dir, "run-42")
	if err != nil {
		t.Fatalf("NewRunLogger: %v", err)
	}

	logger.Info("run event", "triggers", 123)
	runCloser.Close()

	if filepath.Dir(path) != dir {
		t.Errorf("run log path: %q", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading run log: %v", err)
	}
	if !strings.Contains(string(data), "run event") {
		t.Errorf("run log missing entry: %q", data)
	}

	// DEBUG vai para o arquivo do run mesmo com o global em INFO.
	logger2, runCloser2, path2, err := NewRunLogger(base, dir, "run-43")
	if err != nil {
		t.Fatalf("NewRunLogger: %v", err)
	}
	logger2.Debug("debug detail")
	runCloser2.Close()

	data2, _ := os.ReadFile(path2)
	if !strings.Contains(string(data2), "debug detail") {
		t.Errorf("debug entry missing from run log: %q", data2)
	}
}

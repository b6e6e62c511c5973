// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-evb/internal/evb"
)

// Server expõe os verbos de controle do core em um protocolo de linha
// sobre TCP (uma linha por verbo; respostas "OK", "OK <json>" ou
// "ERR <mensagem>").
type Server struct {
	handler  *evb.Handler
	output   *evb.Output
	oooStats *evb.OutOfOrderStats
	runLoop  *RunLoop
	logger   *slog.Logger
}

// NewServer cria o servidor de controle.
func NewServer(handler *evb.Handler, output *evb.Output, oooStats *evb.OutOfOrderStats, runLoop *RunLoop, logger *slog.Logger) *Server {
	return &Server{
		handler:  handler,
		output:   output,
		oooStats: oooStats,
		runLoop:  runLoop,
		logger:   logger.With("component", "control"),
	}
}

// Run abre o listener de controle e bloqueia até o context cancelar.
func (s *Server) Run(ctx context.Context, address string) error {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", address, err)
	}
	s.logger.Info("control listening", "address", address)
	return s.RunWithListener(ctx, ln)
}

// RunWithListener roda o accept loop sobre um listener existente (testes).
func (s *Server) RunWithListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accepting control connection", "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4*1024), 64*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		reply := s.Dispatch(line)
		if _, err := fmt.Fprintln(conn, reply); err != nil {
			return
		}
		if line == "end" {
			return
		}
	}
}

// Dispatch interpreta uma linha de verbo e retorna a resposta.
func (s *Server) Dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR empty command"
	}

	switch fields[0] {
	case "configure":
		return s.configure(fields[1:])

	case "flush":
		complete := len(fields) > 1 && fields[1] == "complete"
		s.handler.Flush(complete)
		return "OK"

	case "abort_barrier":
		s.handler.AbortBarrier()
		return "OK"

	case "register_source":
		if len(fields) != 3 {
			return "ERR usage: register_source <socket_name> <source_id>"
		}
		id, err := strconv.ParseUint(fields[2], 10, 32)
		if err != nil {
			return fmt.Sprintf("ERR invalid source id %q", fields[2])
		}
		s.handler.RegisterSource(fields[1], uint32(id))
		return "OK"

	case "mark_source_failed":
		if len(fields) != 2 {
			return "ERR usage: mark_source_failed <source_id>"
		}
		id, err := strconv.ParseUint(fields[1], 10, 32)
		if err != nil {
			return fmt.Sprintf("ERR invalid source id %q", fields[1])
		}
		if err := s.handler.MarkSourceFailed(uint32(id)); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	case "mark_socket_failed":
		if len(fields) != 2 {
			return "ERR usage: mark_socket_failed <socket_name>"
		}
		if err := s.handler.MarkSocketFailed(fields[1]); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	case "revive_socket":
		if len(fields) != 2 {
			return "ERR usage: revive_socket <socket_name>"
		}
		if err := s.handler.ReviveSocket(fields[1]); err != nil {
			return "ERR " + err.Error()
		}
		return "OK"

	case "statistics":
		stats := s.output.Statistics()
		return okJSON(stats)

	case "input_statistics":
		return okJSON(s.handler.Statistics())

	case "out_of_order_statistics":
		return okJSON(s.oooStats.Snapshot())

	case "reset_timestamps":
		s.handler.ResetTimestamps()
		return "OK"

	case "clear_queues":
		s.handler.ClearQueues()
		return "OK"

	case "acquire", "release", "pause", "resume", "end":
		return s.runCommand(fields[0])

	default:
		return fmt.Sprintf("ERR unknown command %q", fields[0])
	}
}

func (s *Server) runCommand(verb string) string {
	if s.runLoop == nil {
		return "ERR no run loop attached"
	}
	switch verb {
	case "acquire":
		s.runLoop.Submit(Acquire)
	case "release":
		s.runLoop.Submit(Release)
	case "pause":
		s.runLoop.Submit(Pause)
	case "resume":
		s.runLoop.Submit(Resume)
	case "end":
		s.runLoop.Submit(End)
	}
	return "OK"
}

// configure trata os knobs: build_window, startup_timeout e os pares do
// flow control.
func (s *Server) configure(args []string) string {
	if len(args) == 0 {
		return "ERR usage: configure build_window|startup_timeout|flow ..."
	}

	switch args[0] {
	case "build_window":
		if len(args) != 2 {
			return "ERR usage: configure build_window <seconds>"
		}
		d, err := parseSeconds(args[1])
		if err != nil {
			return "ERR " + err.Error()
		}
		s.handler.SetBuildWindow(d)
		return "OK"

	case "startup_timeout":
		if len(args) != 2 {
			return "ERR usage: configure startup_timeout <seconds>"
		}
		d, err := parseSeconds(args[1])
		if err != nil {
			return "ERR " + err.Error()
		}
		s.handler.SetStartupTimeout(d)
		return "OK"

	case "flow":
		pairs := args[1:]
		if len(pairs) == 0 || len(pairs)%2 != 0 {
			return "ERR usage: configure flow xoff_bytes N xon_bytes N per_queue_xoff N per_queue_xon N"
		}
		var t evb.FlowThresholds
		for i := 0; i < len(pairs); i += 2 {
			n, err := strconv.Atoi(pairs[i+1])
			if err != nil || n <= 0 {
				return fmt.Sprintf("ERR invalid threshold %q for %s", pairs[i+1], pairs[i])
			}
			switch pairs[i] {
			case "xoff_bytes":
				t.XoffFragments = n
			case "xon_bytes":
				t.XonFragments = n
			case "per_queue_xoff":
				t.PerQueueXoff = n
			case "per_queue_xon":
				t.PerQueueXon = n
			default:
				return fmt.Sprintf("ERR unknown flow knob %q", pairs[i])
			}
		}
		s.handler.SetFlowThresholds(t)
		return "OK"

	default:
		return fmt.Sprintf("ERR unknown configure target %q", args[0])
	}
}

func parseSeconds(s string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || secs < 0 {
		return 0, fmt.Errorf("invalid seconds value %q", s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func okJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "ERR encoding statistics: " + err.Error()
	}
	return "OK " + string(data)
}

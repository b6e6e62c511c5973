// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingest implementa o servidor TCP que recebe fragmentos dos data
// sources (digitizers) e os entrega ao fragment handler. Cada conexão nomeia
// um conjunto de source ids no handshake; a queda da conexão marca esses
// sources como mortos e uma reconexão com o mesmo nome os revive.
package ingest

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nishisan-dev/n-evb/internal/config"
	"github.com/nishisan-dev/n-evb/internal/evb"
	"github.com/nishisan-dev/n-evb/internal/pki"
)

// handshakeTimeout limita quanto tempo uma conexão pode ficar sem completar
// o handshake.
const handshakeTimeout = 10 * time.Second

// Server aceita conexões de producers e alimenta o fragment handler.
type Server struct {
	cfg     *config.BuilderConfig
	handler *evb.Handler
	gate    *Gate
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]struct{} // nomes de conexão vivos
	conns  sync.WaitGroup
}

// NewServer cria o servidor de ingest.
func NewServer(cfg *config.BuilderConfig, handler *evb.Handler, gate *Gate, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		handler: handler,
		gate:    gate,
		logger:  logger.With("component", "ingest"),
		active:  make(map[string]struct{}),
	}
}

// Run abre o listener (TLS opcional) e bloqueia no accept loop até o
// context ser cancelado.
func (s *Server) Run(ctx context.Context) error {
	var ln net.Listener
	var err error

	if s.cfg.TLS.Enabled {
		tlsCfg, terr := pki.NewServerTLSConfig(s.cfg.TLS.CACert, s.cfg.TLS.ServerCert, s.cfg.TLS.ServerKey)
		if terr != nil {
			return fmt.Errorf("configuring TLS: %w", terr)
		}
		ln, err = tls.Listen("tcp", s.cfg.Builder.Listen, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", s.cfg.Builder.Listen)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Builder.Listen, err)
	}

	s.logger.Info("ingest listening", "address", s.cfg.Builder.Listen, "tls", s.cfg.TLS.Enabled)
	return s.RunWithListener(ctx, ln)
}

// RunWithListener roda o accept loop sobre um listener existente (testes).
func (s *Server) RunWithListener(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	// Backoff em erros consecutivos de accept para evitar hot loop.
	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.logger.Info("ingest shutdown complete")
				return nil
			default:
				consecutiveErrors++
				s.logger.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > 5 {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Wait bloqueia até todas as conexões de producer terminarem. Usado no
// shutdown, depois de cancelar o context, para garantir que nenhum
// AddFragments está em voo antes de drenar o pipeline.
func (s *Server) Wait() {
	s.conns.Wait()
}

func (s *Server) claimName(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[name]; busy {
		return false
	}
	s.active[name] = struct{}{}
	return true
}

func (s *Server) releaseName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, name)
}

// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/nishisan-dev/n-evb/internal/evb"
	"github.com/nishisan-dev/n-evb/internal/protocol"
)

// handleConnection conduz uma conexão de producer: handshake, registro dos
// sources, loop de frames FRAG e, na saída, a marcação do socket como morto.
func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	remote := conn.RemoteAddr().String()

	if err := ApplyDSCP(conn, s.cfg.Ingest.DSCPRaw); err != nil {
		s.logger.Debug("applying DSCP", "remote", remote, "error", err)
	}

	var raw io.Reader = conn
	if s.cfg.Ingest.BandwidthRaw > 0 {
		raw = NewThrottledReader(ctx, conn, s.cfg.Ingest.BandwidthRaw)
	}
	br := bufio.NewReaderSize(raw, 256*1024)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	hs, err := protocol.ReadHandshake(br)
	if err != nil {
		s.logger.Warn("handshake failed", "remote", remote, "error", err)
		return
	}
	conn.SetReadDeadline(time.Time{})

	if hs.ClientName == "" || len(hs.SourceIDs) == 0 {
		protocol.WriteACK(conn, protocol.StatusReject, "client name and at least one source id are required")
		return
	}
	if !s.claimName(hs.ClientName) {
		s.logger.Warn("connection name already in use", "client", hs.ClientName, "remote", remote)
		protocol.WriteACK(conn, protocol.StatusBusy, "connection name already in use")
		return
	}
	defer s.releaseName(hs.ClientName)

	// Reconexão revive os sources do socket; o registro em seguida é
	// idempotente e cobre ids novos anunciados no handshake.
	if err := s.handler.ReviveSocket(hs.ClientName); err == nil {
		s.logger.Info("socket revived", "client", hs.ClientName)
	}
	for _, id := range hs.SourceIDs {
		s.handler.RegisterSource(hs.ClientName, id)
	}

	if err := protocol.WriteACK(conn, protocol.StatusGo, ""); err != nil {
		s.logger.Warn("writing handshake ack", "client", hs.ClientName, "error", err)
		s.markFailed(hs.ClientName)
		return
	}

	s.logger.Info("producer connected",
		"client", hs.ClientName, "remote", remote, "sources", len(hs.SourceIDs))

	// Observer de flow control escopado à conexão: empurra frames FLOW.
	flow := newFlowNotifier(hs.ClientName, conn, s.logger)
	s.handler.Registry().AddFlowControlObserver(flow)
	defer func() {
		s.handler.Registry().RemoveFlowControlObserver(flow)
		flow.stop()
	}()

	defer s.markFailed(hs.ClientName)

	for {
		if err := s.gate.Wait(ctx); err != nil {
			return
		}

		var magic [4]byte
		if _, err := io.ReadFull(br, magic[:]); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Warn("reading frame magic", "client", hs.ClientName, "error", err)
			}
			return
		}
		if magic != protocol.MagicBlock {
			s.logger.Warn("unexpected frame magic", "client", hs.ClientName, "magic", string(magic[:]))
			return
		}

		block, err := protocol.ReadBlockFrame(br, s.cfg.Ingest.MaxBlockSizeRaw)
		if err != nil {
			s.logger.Warn("reading fragment block", "client", hs.ClientName, "error", err)
			return
		}

		if err := s.handler.AddFragments(block); err != nil {
			if errors.Is(err, evb.ErrMalformedBlock) {
				// O prefixo válido do bloco já foi aceito; derruba o
				// producer que enquadrou errado.
				s.logger.Error("malformed fragment block", "client", hs.ClientName, "error", err)
				return
			}
			s.logger.Error("submitting fragments", "client", hs.ClientName, "error", err)
			return
		}
	}
}

func (s *Server) markFailed(name string) {
	if err := s.handler.MarkSocketFailed(name); err != nil {
		s.logger.Debug("marking socket failed", "client", name, "error", err)
	} else {
		s.logger.Info("socket marked dead", "client", name)
	}
}

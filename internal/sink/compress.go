// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	pgzip "github.com/klauspost/pgzip"
)

// Compression modes aceitos em sink.compression.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip" // pgzip paralelo
	CompressionZstd = "zstd" // klauspost/compress
)

// compressedSink envolve um Sink com um writer de compressão. Close faz o
// flush do compressor antes de fechar o sink base.
type compressedSink struct {
	base Sink
	w    io.WriteCloser
}

// WithCompression envolve o sink base no modo pedido. "none" (ou vazio)
// retorna o sink original.
func WithCompression(base Sink, mode string) (Sink, error) {
	switch mode {
	case "", CompressionNone:
		return base, nil
	case CompressionGzip:
		return &compressedSink{base: base, w: pgzip.NewWriter(base)}, nil
	case CompressionZstd:
		zw, err := zstd.NewWriter(base)
		if err != nil {
			return nil, fmt.Errorf("creating zstd writer: %w", err)
		}
		return &compressedSink{base: base, w: zw}, nil
	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}
}

func (s *compressedSink) Write(p []byte) (int, error) { return s.w.Write(p) }

func (s *compressedSink) MaxWriteSize() int { return s.base.MaxWriteSize() }

func (s *compressedSink) Close() error {
	if err := s.w.Close(); err != nil {
		s.base.Close()
		return fmt.Errorf("flushing compressor: %w", err)
	}
	return s.base.Close()
}

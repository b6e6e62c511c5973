// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package sink implementa os destinos downstream do stream ordenado:
// arquivo/fd, conexão TCP com um consumidor e ring buffer em memória para
// consumidores in-process. Sinks podem ser envolvidos por compressão gzip
// (pgzip) ou zstd.
package sink

import (
	"fmt"
	"io"
	"net"
	"os"
)

// defaultMaxWrite é o tamanho de write usado quando o sink não informa um
// limite melhor (1 MiB, mesmo fallback do probe de pipe).
const defaultMaxWrite = 1 << 20

// Sink é um destino de escrita do stream ordenado. MaxWriteSize orienta o
// empacotamento dos writes agregados do estágio de saída.
type Sink interface {
	io.WriteCloser
	MaxWriteSize() int
}

// FileSink escreve em um arquivo regular ou em um fd herdado (ex.: pipe
// para o consumidor). Para pipes, o tamanho ótimo de write é o tamanho do
// buffer do pipe no kernel.
type FileSink struct {
	f        *os.File
	maxWrite int
}

// NewFileSink abre (ou cria, truncando) o arquivo de destino.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file: %w", err)
	}
	return NewFDSink(f), nil
}

// NewFDSink envolve um *os.File já aberto (stdout, pipe herdado).
func NewFDSink(f *os.File) *FileSink {
	maxWrite := pipeWriteSize(f)
	if maxWrite <= 0 {
		maxWrite = defaultMaxWrite
	}
	return &FileSink{f: f, maxWrite: maxWrite}
}

func (s *FileSink) Write(p []byte) (int, error) { return s.f.Write(p) }
func (s *FileSink) Close() error                { return s.f.Close() }
func (s *FileSink) MaxWriteSize() int           { return s.maxWrite }

// TCPSink entrega o stream ordenado a um consumidor remoto.
type TCPSink struct {
	conn net.Conn
}

// NewTCPSink disca o consumidor downstream.
func NewTCPSink(address string) (*TCPSink, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing sink: %w", err)
	}
	return &TCPSink{conn: conn}, nil
}

// NewConnSink envolve uma conexão existente (testes).
func NewConnSink(conn net.Conn) *TCPSink {
	return &TCPSink{conn: conn}
}

func (s *TCPSink) Write(p []byte) (int, error) { return s.conn.Write(p) }
func (s *TCPSink) Close() error                { return s.conn.Close() }
func (s *TCPSink) MaxWriteSize() int           { return defaultMaxWrite }

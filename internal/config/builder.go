// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-EVB License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega e valida a configuração YAML do nevb-builder.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BuilderConfig representa a configuração completa do nevb-builder.
type BuilderConfig struct {
	Builder BuilderInfo `yaml:"builder"`
	Flow    FlowInfo    `yaml:"flow"`
	Ingest  IngestInfo  `yaml:"ingest"`
	TLS     TLSServer   `yaml:"tls"`
	Sink    SinkInfo    `yaml:"sink"`
	WebUI   WebUIConfig `yaml:"web_ui"`
	Logging LoggingInfo `yaml:"logging"`
}

// BuilderInfo contém os endereços de escuta e os knobs de tempo do core.
type BuilderInfo struct {
	Listen         string        `yaml:"listen"`          // ingest de producers (default: 0.0.0.0:9841)
	ControlListen  string        `yaml:"control_listen"`  // verbos de controle (default: 127.0.0.1:9842)
	BuildWindow    time.Duration `yaml:"build_window"`    // default: 20s
	StartupTimeout time.Duration `yaml:"startup_timeout"` // default: 2s
	IdlePoll       time.Duration `yaml:"idle_poll"`       // default: 1s
}

// FlowInfo contém as marcas d'água de flow control, em fragmentos.
type FlowInfo struct {
	XoffFragments int `yaml:"xoff_fragments"` // default: 4000000
	XonFragments  int `yaml:"xon_fragments"`  // default: 3000000
	PerQueueXoff  int `yaml:"per_queue_xoff"` // default: 400000
	PerQueueXon   int `yaml:"per_queue_xon"`  // default: 50000
}

// IngestInfo configura as conexões de producer.
type IngestInfo struct {
	MaxBlockSize    string `yaml:"max_block_size"`  // ex: "16mb" (default)
	MaxBlockSizeRaw int64  `yaml:"-"`               // preenchido em validate()
	BandwidthLimit  string `yaml:"bandwidth_limit"` // bytes/s por conexão, "0" = sem limite
	BandwidthRaw    int64  `yaml:"-"`
	DSCP            string `yaml:"dscp"` // ex: "AF41", "" = desabilitado
	DSCPRaw         int    `yaml:"-"`
}

// TLSServer contém os caminhos dos certificados mTLS (opcional).
type TLSServer struct {
	Enabled    bool   `yaml:"enabled"`
	CACert     string `yaml:"ca_cert"`
	ServerCert string `yaml:"server_cert"`
	ServerKey  string `yaml:"server_key"`
}

// SinkInfo configura o destino do stream ordenado.
type SinkInfo struct {
	Type        string `yaml:"type"`        // file | tcp | ring (default: file)
	Path        string `yaml:"path"`        // para type=file
	Address     string `yaml:"address"`     // para type=tcp
	Compression string `yaml:"compression"` // none | gzip | zstd (default: none)
	RingSize    string `yaml:"ring_size"`   // para type=ring (default: "64mb")
	RingSizeRaw int64  `yaml:"-"`
}

// WebUIConfig configura o listener HTTP de observabilidade.
type WebUIConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Listen       string        `yaml:"listen"`        // default: "127.0.0.1:9848"
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // default: 5s
	WriteTimeout time.Duration `yaml:"write_timeout"` // default: 15s
	IdleTimeout  time.Duration `yaml:"idle_timeout"`  // default: 60s
	AllowOrigins []string      `yaml:"allow_origins"` // IP ou CIDR (deny-by-default)

	// Persistência de eventos operacionais
	EventsFile     string `yaml:"events_file"`      // default: "events.jsonl"
	EventsMaxLines int    `yaml:"events_max_lines"` // default: 10000

	// Histórico de runs finalizados
	RunHistoryFile     string `yaml:"run_history_file"`      // default: "runs.jsonl"
	RunHistoryMaxLines int    `yaml:"run_history_max_lines"` // default: 5000

	// Snapshots periódicos das filas de source
	QueueSnapshotsFile     string `yaml:"queue_snapshots_file"`      // default: "queues.jsonl"
	QueueSnapshotsMaxLines int    `yaml:"queue_snapshots_max_lines"` // default: 20000
	SnapshotSchedule       string `yaml:"snapshot_schedule"`         // cron, default: "*/1 * * * *"

	// Parsed é preenchido em validate(); não vem do YAML.
	ParsedCIDRs []*net.IPNet `yaml:"-"`
}

// LoggingInfo contém nível, formato e arquivo opcional de log.
type LoggingInfo struct {
	Level     string `yaml:"level"`       // debug|info|warn|error (default: info)
	Format    string `yaml:"format"`      // json|text (default: json)
	File      string `yaml:"file"`        // "" = só stdout
	RunLogDir string `yaml:"run_log_dir"` // "" = sem log por run
}

// LoadBuilderConfig lê, parseia e valida a configuração do builder.
func LoadBuilderConfig(path string) (*BuilderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading builder config: %w", err)
	}

	var cfg BuilderConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing builder config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating builder config: %w", err)
	}

	return &cfg, nil
}

func (c *BuilderConfig) validate() error {
	if c.Builder.Listen == "" {
		c.Builder.Listen = "0.0.0.0:9841"
	}
	if c.Builder.ControlListen == "" {
		c.Builder.ControlListen = "127.0.0.1:9842"
	}
	if c.Builder.BuildWindow <= 0 {
		c.Builder.BuildWindow = 20 * time.Second
	}
	if c.Builder.StartupTimeout < 0 {
		return fmt.Errorf("builder.startup_timeout must not be negative")
	}
	if c.Builder.StartupTimeout == 0 {
		c.Builder.StartupTimeout = 2 * time.Second
	}
	if c.Builder.IdlePoll <= 0 {
		c.Builder.IdlePoll = 1 * time.Second
	}

	if c.Flow.XoffFragments == 0 {
		c.Flow.XoffFragments = 4_000_000
	}
	if c.Flow.XonFragments == 0 {
		c.Flow.XonFragments = 3_000_000
	}
	if c.Flow.XonFragments >= c.Flow.XoffFragments {
		return fmt.Errorf("flow.xon_fragments (%d) must be below flow.xoff_fragments (%d)",
			c.Flow.XonFragments, c.Flow.XoffFragments)
	}
	if c.Flow.PerQueueXoff == 0 {
		c.Flow.PerQueueXoff = 400_000
	}
	if c.Flow.PerQueueXon == 0 {
		c.Flow.PerQueueXon = 50_000
	}
	if c.Flow.PerQueueXon >= c.Flow.PerQueueXoff {
		return fmt.Errorf("flow.per_queue_xon (%d) must be below flow.per_queue_xoff (%d)",
			c.Flow.PerQueueXon, c.Flow.PerQueueXoff)
	}

	if c.Ingest.MaxBlockSize == "" {
		c.Ingest.MaxBlockSize = "16mb"
	}
	size, err := ParseByteSize(c.Ingest.MaxBlockSize)
	if err != nil {
		return fmt.Errorf("ingest.max_block_size: %w", err)
	}
	c.Ingest.MaxBlockSizeRaw = size

	if c.Ingest.BandwidthLimit != "" && c.Ingest.BandwidthLimit != "0" {
		bw, err := ParseByteSize(c.Ingest.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("ingest.bandwidth_limit: %w", err)
		}
		c.Ingest.BandwidthRaw = bw
	}

	dscp, err := ParseDSCP(c.Ingest.DSCP)
	if err != nil {
		return fmt.Errorf("ingest.dscp: %w", err)
	}
	c.Ingest.DSCPRaw = dscp

	if c.TLS.Enabled {
		if c.TLS.CACert == "" || c.TLS.ServerCert == "" || c.TLS.ServerKey == "" {
			return fmt.Errorf("tls.ca_cert, tls.server_cert and tls.server_key are required when tls.enabled")
		}
	}

	switch c.Sink.Type {
	case "":
		c.Sink.Type = "file"
		fallthrough
	case "file":
		if c.Sink.Path == "" {
			return fmt.Errorf("sink.path is required for sink.type=file")
		}
	case "tcp":
		if c.Sink.Address == "" {
			return fmt.Errorf("sink.address is required for sink.type=tcp")
		}
	case "ring":
		if c.Sink.RingSize == "" {
			c.Sink.RingSize = "64mb"
		}
		size, err := ParseByteSize(c.Sink.RingSize)
		if err != nil {
			return fmt.Errorf("sink.ring_size: %w", err)
		}
		c.Sink.RingSizeRaw = size
	default:
		return fmt.Errorf("unknown sink.type %q (valid: file, tcp, ring)", c.Sink.Type)
	}
	switch c.Sink.Compression {
	case "", "none", "gzip", "zstd":
	default:
		return fmt.Errorf("unknown sink.compression %q (valid: none, gzip, zstd)", c.Sink.Compression)
	}

	if err := c.WebUI.validate(); err != nil {
		return err
	}

	return nil
}

func (w *WebUIConfig) validate() error {
	if !w.Enabled {
		return nil
	}
	if w.Listen == "" {
		w.Listen = "127.0.0.1:9848"
	}
	if w.ReadTimeout <= 0 {
		w.ReadTimeout = 5 * time.Second
	}
	if w.WriteTimeout <= 0 {
		w.WriteTimeout = 15 * time.Second
	}
	if w.IdleTimeout <= 0 {
		w.IdleTimeout = 60 * time.Second
	}
	if w.EventsFile == "" {
		w.EventsFile = "events.jsonl"
	}
	if w.EventsMaxLines <= 0 {
		w.EventsMaxLines = 10000
	}
	if w.RunHistoryFile == "" {
		w.RunHistoryFile = "runs.jsonl"
	}
	if w.RunHistoryMaxLines <= 0 {
		w.RunHistoryMaxLines = 5000
	}
	if w.QueueSnapshotsFile == "" {
		w.QueueSnapshotsFile = "queues.jsonl"
	}
	if w.QueueSnapshotsMaxLines <= 0 {
		w.QueueSnapshotsMaxLines = 20000
	}
	if w.SnapshotSchedule == "" {
		w.SnapshotSchedule = "*/1 * * * *"
	}

	// Parseia os CIDRs permitidos (deny-by-default quando vazio).
	for _, origin := range w.AllowOrigins {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if !strings.Contains(origin, "/") {
			if strings.Contains(origin, ":") {
				origin += "/128"
			} else {
				origin += "/32"
			}
		}
		_, cidr, err := net.ParseCIDR(origin)
		if err != nil {
			return fmt.Errorf("web_ui.allow_origins: invalid entry %q: %w", origin, err)
		}
		w.ParsedCIDRs = append(w.ParsedCIDRs, cidr)
	}
	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}

// dscpValues mapeia nomes DSCP (RFC 2474/4594) para seus valores numéricos
// (6 bits). O valor é o code point, não o byte TOS completo.
var dscpValues = map[string]int{
	// Expedited Forwarding — tráfego de evento em tempo real
	"EF": 46,

	// Assured Forwarding — classes 1-4, drop precedence 1-3
	"AF11": 10, "AF12": 12, "AF13": 14,
	"AF21": 18, "AF22": 20, "AF23": 22,
	"AF31": 26, "AF32": 28, "AF33": 30,
	"AF41": 34, "AF42": 36, "AF43": 38,

	// Class Selector (backward compatible com IP Precedence)
	"CS0": 0, "CS1": 8, "CS2": 16, "CS3": 24,
	"CS4": 32, "CS5": 40, "CS6": 48, "CS7": 56,
}

// ParseDSCP converte um nome DSCP (ex: "AF41", "EF") para o valor numérico.
// Retorna 0 e nil para string vazia (DSCP desabilitado).
func ParseDSCP(name string) (int, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	if name == "" {
		return 0, nil // desabilitado
	}

	val, ok := dscpValues[name]
	if !ok {
		return 0, fmt.Errorf("unknown DSCP value %q (valid: EF, AF11..AF43, CS0..CS7)", name)
	}
	return val, nil
}

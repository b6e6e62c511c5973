package observability

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// monitorInterval is how often host metrics are sampled.
const monitorInterval = 15 * time.Second

// lowDiskThresholdPct is the sink-disk usage at which the monitor raises a
// low_disk event; lowDiskClearMarginPct is the hysteresis below it that
// re-arms the latch.
const (
	lowDiskThresholdPct   = 90.0
	lowDiskClearMarginPct = 5.0
)

// SystemStats holds the host metrics relevant to the event builder.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAverage   float64 `json:"load_average"`

	// Disk metrics are taken on the filesystem holding the sink: a full
	// sink disk is the usual prelude to a fatal downstream write failure.
	SinkDiskUsedPercent float64 `json:"sink_disk_used_percent"`
	SinkDiskFreeBytes   uint64  `json:"sink_disk_free_bytes"`
}

// SystemMonitor samples the host under the builder. A starved or
// swap-bound builder stalls the whole DAQ chain, so the readings sit next
// to the queue statistics in the stats log and the HTTP API. Crossing the
// sink low-disk watermark raises an operational event once per episode.
type SystemMonitor struct {
	sinkPath string
	events   *EventStore // optional
	logger   *slog.Logger

	lowDiskPct     float64
	lowDiskLatched bool

	close chan struct{}
	wg    sync.WaitGroup
	stats SystemStats
	mu    sync.RWMutex
}

// NewSystemMonitor creates a monitor watching the filesystem at sinkPath
// (the directory the ordered stream is written to; "/" when the sink has
// no backing path, e.g. TCP or ring sinks).
func NewSystemMonitor(sinkPath string, events *EventStore, logger *slog.Logger) *SystemMonitor {
	if sinkPath == "" {
		sinkPath = "/"
	}
	return &SystemMonitor{
		sinkPath:   sinkPath,
		events:     events,
		logger:     logger.With("component", "system_monitor"),
		lowDiskPct: lowDiskThresholdPct,
		close:      make(chan struct{}),
	}
}

// Start begins periodic metric collection.
func (sm *SystemMonitor) Start() {
	sm.wg.Add(1)
	go sm.run()
}

// Stop stops the monitor.
func (sm *SystemMonitor) Stop() {
	close(sm.close)
	sm.wg.Wait()
}

// Stats returns the latest collected stats.
func (sm *SystemMonitor) Stats() SystemStats {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.stats
}

func (sm *SystemMonitor) run() {
	defer sm.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	// Initial collection
	sm.collect()

	for {
		select {
		case <-sm.close:
			return
		case <-ticker.C:
			sm.collect()
		}
	}
}

func (sm *SystemMonitor) collect() {
	stats := SystemStats{}

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		sm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		sm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		sm.logger.Debug("failed to collect load stats", "error", err)
	}

	if d, err := disk.Usage(sm.sinkPath); err == nil {
		stats.SinkDiskUsedPercent = d.UsedPercent
		stats.SinkDiskFreeBytes = d.Free
		sm.checkLowDisk(d.UsedPercent, d.Free)
	} else {
		sm.logger.Debug("failed to collect sink disk stats", "path", sm.sinkPath, "error", err)
	}

	sm.mu.Lock()
	sm.stats = stats
	sm.mu.Unlock()
}

// checkLowDisk raises one low_disk event per episode: latched on crossing
// the threshold, re-armed only after usage drops past the hysteresis
// margin (a disk oscillating around the watermark must not flood the
// event log).
func (sm *SystemMonitor) checkLowDisk(usedPct float64, freeBytes uint64) {
	switch {
	case usedPct >= sm.lowDiskPct && !sm.lowDiskLatched:
		sm.lowDiskLatched = true
		sm.logger.Warn("sink disk almost full",
			"path", sm.sinkPath, "used_pct", usedPct, "free_bytes", freeBytes)
		if sm.events != nil {
			sm.events.PushEvent("warn", "low_disk", 0, "",
				fmt.Sprintf("sink filesystem %s at %.1f%% (%d bytes free); downstream writes will fail when it fills",
					sm.sinkPath, usedPct, freeBytes))
		}
	case usedPct < sm.lowDiskPct-lowDiskClearMarginPct && sm.lowDiskLatched:
		sm.lowDiskLatched = false
		sm.logger.Info("sink disk pressure cleared", "path", sm.sinkPath, "used_pct", usedPct)
	}
}

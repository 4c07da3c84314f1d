// Package probe reads host resource usage for the health monitor.
package probe

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/quorumnet/steward/pkg/fault"
)

// Snapshot is one point-in-time resource reading.
type Snapshot struct {
	CPUPct    float64 `json:"cpu_pct"`
	MemBytes  uint64  `json:"mem_bytes"`
	MemPct    float64 `json:"mem_pct"`
	DiskBytes uint64  `json:"disk_bytes"`
	LoadAvg   float64 `json:"loadavg"`
}

// Probe supplies resource snapshots.
type Probe interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// SystemProbe reads the host via gopsutil.
type SystemProbe struct {
	diskPath string
}

// NewSystemProbe creates a probe. diskPath is the filesystem to measure,
// typically the memory store's directory.
func NewSystemProbe(diskPath string) *SystemProbe {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemProbe{diskPath: diskPath}
}

// Snapshot reads cpu, memory, disk, and load. Any read failure surfaces as
// transient — the monitor treats a failed snapshot as a missed sample.
func (p *SystemProbe) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, fault.Transientf("cpu probe: %v", err)
	}
	if len(cpuPcts) > 0 {
		snap.CPUPct = cpuPcts[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fault.Transientf("memory probe: %v", err)
	}
	snap.MemBytes = vm.Used
	snap.MemPct = vm.UsedPercent

	usage, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return Snapshot{}, fault.Transientf("disk probe: %v", err)
	}
	snap.DiskBytes = usage.Used

	if avg, err := load.AvgWithContext(ctx); err == nil {
		snap.LoadAvg = avg.Load1
	}
	return snap, nil
}

// Package metrics collects host resource utilization attached to heartbeat
// frames, implemented with github.com/shirou/gopsutil/v4.
package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// Snapshot is a point-in-time read of host resource usage, percentages in
// [0, 100].
type Snapshot struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
}

// Collect samples CPU, memory, and disk usage for the root filesystem. The
// CPU percentage is taken with a zero interval, so it does not block: it
// covers the time since the previous CPU sample. It is meant to be called
// from the heartbeat loop, not from any latency path.
func Collect(ctx context.Context) (Snapshot, error) {
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: cpu sample failed: %w", err)
	}
	var cpuPct float64
	if len(cpuPercents) > 0 {
		cpuPct = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: memory sample failed: %w", err)
	}

	du, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: disk sample failed: %w", err)
	}

	return Snapshot{
		CPUPercent:  cpuPct,
		MemPercent:  vm.UsedPercent,
		DiskPercent: du.UsedPercent,
	}, nil
}

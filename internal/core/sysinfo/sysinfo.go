// Package sysinfo takes the host snapshot shown at the foot of the status view.
package sysinfo

import (
	"context"
	"fmt"

	"github.com/c2h5oh/datasize"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type Snapshot struct {
	CPUPercent  float64
	MemUsed     uint64
	MemTotal    uint64
	MemPercent  float64
	DiskUsed    uint64
	DiskTotal   uint64
	DiskFree    uint64
	DiskPercent float64
}

// Take reads CPU, memory and the usage of the filesystem holding path.
// Individual probe failures leave their fields zero.
func Take(ctx context.Context, path string) (Snapshot, error) {
	var s Snapshot
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		s.MemUsed, s.MemTotal, s.MemPercent = vm.Used, vm.Total, vm.UsedPercent
	} else {
		keep(fmt.Errorf("memory: %w", err))
	}
	if du, err := disk.UsageWithContext(ctx, path); err == nil {
		s.DiskUsed, s.DiskTotal, s.DiskFree, s.DiskPercent = du.Used, du.Total, du.Free, du.UsedPercent
	} else {
		keep(fmt.Errorf("disk: %w", err))
	}
	// interval 0 compares against the previous call, so it never blocks.
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		s.CPUPercent = pct[0]
	} else if err != nil {
		keep(fmt.Errorf("cpu: %w", err))
	}
	return s, firstErr
}

func (s Snapshot) String() string {
	return fmt.Sprintf("CPU %.0f%% | RAM %s/%s (%.0f%%) | Disk %s/%s (%.0f%%, %s free)",
		s.CPUPercent,
		datasize.ByteSize(s.MemUsed).HR(), datasize.ByteSize(s.MemTotal).HR(), s.MemPercent,
		datasize.ByteSize(s.DiskUsed).HR(), datasize.ByteSize(s.DiskTotal).HR(), s.DiskPercent,
		datasize.ByteSize(s.DiskFree).HR(),
	)
}

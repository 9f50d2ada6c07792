// Package hostinfo reports ambient host diagnostics (CPU count, memory,
// uptime) for startup logging and periodic housekeeping. It never backs a
// mapper device — concrete device/service implementations are out of
// scope for this module.
package hostinfo

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is a point-in-time read of host diagnostics.
type Snapshot struct {
	CPUCount     int
	TotalMemory  uint64
	UsedMemory   uint64
	UptimeSecond uint64
}

// Collect gathers a Snapshot, ignoring individual collector errors so a
// sandboxed or restricted environment still returns partial data.
func Collect(ctx context.Context) Snapshot {
	var snap Snapshot

	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPUCount = counts
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snap.TotalMemory = vm.Total
		snap.UsedMemory = vm.Used
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		snap.UptimeSecond = uptime
	}
	return snap
}

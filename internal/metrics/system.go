package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemMetrics is a point-in-time snapshot of host and process resources,
// served on the admin surface for capacity checks.
type SystemMetrics struct {
	Timestamp time.Time      `json:"timestamp"`
	CPU       CPUMetrics     `json:"cpu"`
	Memory    MemoryMetrics  `json:"memory"`
	Disk      DiskMetrics    `json:"disk"`
	Process   ProcessMetrics `json:"process"`
}

// CPUMetrics contains CPU usage information.
type CPUMetrics struct {
	UsagePercent float64 `json:"usage_percent"`
	Count        int     `json:"count"`
}

// MemoryMetrics contains memory usage information.
type MemoryMetrics struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Available   uint64  `json:"available"`
	UsedPercent float64 `json:"used_percent"`
}

// DiskMetrics contains disk usage information.
type DiskMetrics struct {
	Total       uint64  `json:"total"`
	Used        uint64  `json:"used"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// ProcessMetrics contains Go runtime information.
type ProcessMetrics struct {
	GoRoutines int    `json:"go_routines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
}

// cpuSampleWindow bounds how long the CPU probe blocks the caller.
const cpuSampleWindow = 250 * time.Millisecond

// CollectSystemMetrics gathers a system snapshot. Probes that fail leave
// their section zeroed rather than failing the whole snapshot.
func CollectSystemMetrics(ctx context.Context) *SystemMetrics {
	snapshot := &SystemMetrics{
		Timestamp: time.Now().UTC(),
	}

	if percents, err := cpu.PercentWithContext(ctx, cpuSampleWindow, false); err == nil && len(percents) > 0 {
		snapshot.CPU.UsagePercent = percents[0]
	}
	if count, err := cpu.Counts(true); err == nil {
		snapshot.CPU.Count = count
	}

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		snapshot.Memory.Total = memStat.Total
		snapshot.Memory.Used = memStat.Used
		snapshot.Memory.Available = memStat.Available
		snapshot.Memory.UsedPercent = memStat.UsedPercent
	}

	if diskStat, err := disk.UsageWithContext(ctx, "/"); err == nil {
		snapshot.Disk.Total = diskStat.Total
		snapshot.Disk.Used = diskStat.Used
		snapshot.Disk.Free = diskStat.Free
		snapshot.Disk.UsedPercent = diskStat.UsedPercent
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	snapshot.Process.GoRoutines = runtime.NumGoroutine()
	snapshot.Process.HeapAlloc = m.HeapAlloc
	snapshot.Process.HeapSys = m.HeapSys
	snapshot.Process.NumGC = m.NumGC

	return snapshot
}

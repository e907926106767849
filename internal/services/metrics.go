package services

import (
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

type ProcessStats struct {
	CapturedAt        time.Time `json:"capturedAt"`
	ProcessRSSBytes   int64     `json:"processRssBytes"`
	ProcessCPULoad    float64   `json:"processCpuLoad"`
	SystemCPULoad     float64   `json:"systemCpuLoad"`
	SystemMemoryTotal int64     `json:"systemMemoryTotalBytes"`
	SystemMemoryUsed  int64     `json:"systemMemoryUsedBytes"`
	DiskTotalBytes    int64     `json:"diskTotalBytes"`
	DiskUsedBytes     int64     `json:"diskUsedBytes"`
}

// CaptureProcessStats samples the host. Any probe that fails leaves its
// fields at zero.
func CaptureProcessStats(diskPath string) ProcessStats {
	stats := ProcessStats{CapturedAt: time.Now().UTC()}
	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if rss, err := proc.MemoryInfo(); err == nil && rss != nil {
			stats.ProcessRSSBytes = int64(rss.RSS)
		}
		if perc, err := proc.CPUPercent(); err == nil {
			stats.ProcessCPULoad = perc / 100.0
		}
	}
	if sys, err := cpu.Percent(0, false); err == nil && len(sys) > 0 {
		stats.SystemCPULoad = sys[0] / 100.0
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		stats.SystemMemoryTotal = int64(vm.Total)
		stats.SystemMemoryUsed = int64(vm.Total - vm.Available)
	}
	if diskPath == "" {
		diskPath = "/"
	}
	usage, err := disk.Usage(diskPath)
	if err != nil {
		usage, err = disk.Usage("/")
	}
	if err == nil {
		stats.DiskTotalBytes = int64(usage.Total)
		stats.DiskUsedBytes = int64(usage.Used)
	}
	return stats
}

package sysinfo

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status is the host panel of the system-status view.
type Status struct {
	Hostname    string    `json:"hostname"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemTotal    uint64    `json:"mem_total_bytes"`
	MemUsed     uint64    `json:"mem_used_bytes"`
	MemPercent  float64   `json:"mem_percent"`
	DiskPath    string    `json:"disk_path"`
	DiskTotal   uint64    `json:"disk_total_bytes"`
	DiskUsed    uint64    `json:"disk_used_bytes"`
	DiskPercent float64   `json:"disk_percent"`
	UptimeSec   uint64    `json:"uptime_sec"`
	ProcessSec  float64   `json:"process_uptime_sec"`
	Goroutines  int       `json:"goroutines"`
	CollectedAt time.Time `json:"collected_at"`
}

// Collector samples host metrics. Any sampler that fails reports zero and is
// logged; Collect itself never fails.
type Collector struct {
	logger   *slog.Logger
	diskPath string
	started  time.Time
	interval time.Duration

	cpuPercent func(context.Context, time.Duration, bool) ([]float64, error)
	memory     func(context.Context) (*mem.VirtualMemoryStat, error)
	usage      func(context.Context, string) (*disk.UsageStat, error)
	uptime     func(context.Context) (uint64, error)
	hostname   func() (string, error)
	now        func() time.Time
}

func NewCollector(logger *slog.Logger) *Collector {
	path := "/"
	if runtime.GOOS == "windows" {
		path = `C:\`
	}
	return &Collector{
		logger:     logger,
		diskPath:   path,
		started:    time.Now().UTC(),
		interval:   200 * time.Millisecond,
		cpuPercent: cpu.PercentWithContext,
		memory:     mem.VirtualMemoryWithContext,
		usage:      disk.UsageWithContext,
		uptime:     host.UptimeWithContext,
		hostname:   os.Hostname,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (c *Collector) Collect(ctx context.Context) Status {
	now := c.now()
	st := Status{
		DiskPath:    c.diskPath,
		Goroutines:  runtime.NumGoroutine(),
		ProcessSec:  now.Sub(c.started).Seconds(),
		CollectedAt: now,
	}
	if name, err := c.hostname(); err == nil && name != "" {
		st.Hostname = name
	} else {
		st.Hostname = "unknown-host"
	}
	if pct, err := c.cpuPercent(ctx, c.interval, false); err != nil {
		c.warn("cpu", err)
	} else if len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := c.memory(ctx); err != nil {
		c.warn("memory", err)
	} else {
		st.MemTotal = vm.Total
		st.MemUsed = vm.Used
		st.MemPercent = vm.UsedPercent
	}
	if du, err := c.usage(ctx, c.diskPath); err != nil {
		c.warn("disk", err)
	} else {
		st.DiskTotal = du.Total
		st.DiskUsed = du.Used
		st.DiskPercent = du.UsedPercent
	}
	if up, err := c.uptime(ctx); err != nil {
		c.warn("uptime", err)
	} else {
		st.UptimeSec = up
	}
	return st
}

func (c *Collector) warn(metric string, err error) {
	if c.logger != nil {
		c.logger.Warn("host metric unavailable", "metric", metric, "err", err)
	}
}

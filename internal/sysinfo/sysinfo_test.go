package sysinfo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
)

func stubCollector() *Collector {
	c := NewCollector(nil)
	start := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	c.started = start
	c.now = func() time.Time { return start.Add(90 * time.Second) }
	c.hostname = func() (string, error) { return "line-3", nil }
	c.cpuPercent = func(context.Context, time.Duration, bool) ([]float64, error) { return []float64{42.5}, nil }
	c.memory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Total: 1000, Used: 250, UsedPercent: 25}, nil
	}
	c.usage = func(context.Context, string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Total: 2000, Used: 1000, UsedPercent: 50}, nil
	}
	c.uptime = func(context.Context) (uint64, error) { return 3600, nil }
	return c
}

func TestCollect(t *testing.T) {
	st := stubCollector().Collect(context.Background())
	assert.Equal(t, "line-3", st.Hostname)
	assert.Equal(t, 42.5, st.CPUPercent)
	assert.Equal(t, uint64(250), st.MemUsed)
	assert.Equal(t, 50.0, st.DiskPercent)
	assert.Equal(t, uint64(3600), st.UptimeSec)
	assert.Equal(t, 90.0, st.ProcessSec)
}

func TestCollectReportsZeroOnSamplerFailure(t *testing.T) {
	c := stubCollector()
	boom := errors.New("boom")
	c.memory = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, boom }
	c.hostname = func() (string, error) { return "", boom }
	st := c.Collect(context.Background())
	assert.Equal(t, "unknown-host", st.Hostname)
	assert.Zero(t, st.MemTotal)
	assert.Equal(t, 42.5, st.CPUPercent)
}

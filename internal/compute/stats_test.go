package compute

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCPUPercentFirstSampleIsZero(t *testing.T) {
	cur := cpuSample{totalUsage: 500, systemUsage: 10_000}
	assert.Zero(t, cpuPercent(cpuSample{}, false, cur, 4))
}

func TestCPUPercentDelta(t *testing.T) {
	prev := cpuSample{totalUsage: 1_000, systemUsage: 100_000}
	cur := cpuSample{totalUsage: 1_500, systemUsage: 101_000}

	// (500 / 1000) × 2 × 100 = 100%
	assert.InDelta(t, 100.0, cpuPercent(prev, true, cur, 2), 0.001)
}

func TestCPUPercentCountersWentBackwards(t *testing.T) {
	// counter reset after a container restart must not go negative
	prev := cpuSample{totalUsage: 9_000, systemUsage: 900_000}
	cur := cpuSample{totalUsage: 100, systemUsage: 1_000}
	assert.Zero(t, cpuPercent(prev, true, cur, 2))
}

func TestCPUPercentZeroOnlineCPUsDefaultsToOne(t *testing.T) {
	prev := cpuSample{totalUsage: 0, systemUsage: 0}
	cur := cpuSample{totalUsage: 500, systemUsage: 1_000}
	assert.InDelta(t, 50.0, cpuPercent(prev, true, cur, 0), 0.001)
}

func TestStatsCacheSwapAndForget(t *testing.T) {
	c := newStatsCache()

	_, ok := c.swap("c1", cpuSample{totalUsage: 1})
	assert.False(t, ok)

	prev, ok := c.swap("c1", cpuSample{totalUsage: 2})
	require.True(t, ok)
	assert.Equal(t, uint64(1), prev.totalUsage)

	c.forget("c1")
	_, ok = c.swap("c1", cpuSample{totalUsage: 3})
	assert.False(t, ok)
}

func TestParseStats(t *testing.T) {
	raw := &container.StatsResponse{}
	raw.CPUStats.CPUUsage.TotalUsage = 2_000
	raw.CPUStats.SystemUsage = 200_000
	raw.CPUStats.OnlineCPUs = 4
	raw.MemoryStats.Usage = 512 * mib
	raw.MemoryStats.Limit = 2048 * mib
	raw.Networks = map[string]container.NetworkStats{
		"eth0": {RxBytes: 10 * mib, TxBytes: 5 * mib},
	}
	raw.BlkioStats.IoServiceBytesRecursive = []container.BlkioStatEntry{
		{Op: "Read", Value: 100 * mib},
		{Op: "Write", Value: 50 * mib},
		{Op: "Total", Value: 150 * mib},
	}

	prev := cpuSample{totalUsage: 1_000, systemUsage: 100_000}
	started := time.Now().Add(-90 * time.Second)
	stats := parseStats(raw, prev, true, started, 2.5)

	assert.InDelta(t, 4.0, stats.CPUPercent, 0.001) // (1000/100000)×4×100
	assert.Equal(t, 2.5, stats.CPULimitCores)
	assert.InDelta(t, 512.0, stats.MemUsedMiB, 0.001)
	assert.InDelta(t, 2048.0, stats.MemLimitMiB, 0.001)
	assert.InDelta(t, 25.0, stats.MemPercent, 0.001)
	assert.InDelta(t, 10.0, stats.NetRxMiB, 0.001)
	assert.InDelta(t, 5.0, stats.NetTxMiB, 0.001)
	assert.InDelta(t, 100.0, stats.DiskReadMiB, 0.001)
	assert.InDelta(t, 50.0, stats.DiskWriteMiB, 0.001)
	assert.GreaterOrEqual(t, stats.UptimeS, int64(89))
}

func TestParseStatsNoMemoryLimit(t *testing.T) {
	raw := &container.StatsResponse{}
	raw.MemoryStats.Usage = 100 * mib
	stats := parseStats(raw, cpuSample{}, false, time.Time{}, 0)
	assert.Zero(t, stats.MemPercent)
	assert.Zero(t, stats.UptimeS)
}

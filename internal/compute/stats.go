package compute

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/podex/podex/pkg/models"
)

const mib = 1024 * 1024

// cpuSample is the prior reading needed for the delta calculation.
type cpuSample struct {
	totalUsage  uint64
	systemUsage uint64
}

type statsCache struct {
	mu      sync.Mutex
	samples map[string]cpuSample // container id → last sample
}

func newStatsCache() *statsCache {
	return &statsCache{samples: make(map[string]cpuSample)}
}

func (c *statsCache) swap(containerID string, next cpuSample) (cpuSample, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.samples[containerID]
	c.samples[containerID] = next
	return prev, ok
}

func (c *statsCache) forget(containerID string) {
	c.mu.Lock()
	delete(c.samples, containerID)
	c.mu.Unlock()
}

// cpuPercent is the delta calculation (cpu_delta / system_delta) ×
// online_cpus × 100. Without a prior sample the result is 0.
func cpuPercent(prev cpuSample, havePrev bool, cur cpuSample, onlineCPUs uint32) float64 {
	if !havePrev {
		return 0
	}
	cpuDelta := float64(cur.totalUsage) - float64(prev.totalUsage)
	systemDelta := float64(cur.systemUsage) - float64(prev.systemUsage)
	if cpuDelta <= 0 || systemDelta <= 0 {
		return 0
	}
	if onlineCPUs == 0 {
		onlineCPUs = 1
	}
	return cpuDelta / systemDelta * float64(onlineCPUs) * 100
}

// parseStats converts one raw Docker stats sample, using prev for the CPU
// delta.
func parseStats(raw *container.StatsResponse, prev cpuSample, havePrev bool, startedAt time.Time, cpuLimitCores float64) *models.ContainerStats {
	cur := cpuSample{
		totalUsage:  raw.CPUStats.CPUUsage.TotalUsage,
		systemUsage: raw.CPUStats.SystemUsage,
	}

	stats := &models.ContainerStats{
		CPUPercent:    cpuPercent(prev, havePrev, cur, raw.CPUStats.OnlineCPUs),
		CPULimitCores: cpuLimitCores,
		MemUsedMiB:    float64(raw.MemoryStats.Usage) / mib,
		MemLimitMiB:   float64(raw.MemoryStats.Limit) / mib,
		CollectedAt:   time.Now().UTC(),
	}
	if raw.MemoryStats.Limit > 0 {
		stats.MemPercent = float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100
	}

	for _, net := range raw.Networks {
		stats.NetRxMiB += float64(net.RxBytes) / mib
		stats.NetTxMiB += float64(net.TxBytes) / mib
	}

	for _, entry := range raw.BlkioStats.IoServiceBytesRecursive {
		switch entry.Op {
		case "read", "Read":
			stats.DiskReadMiB += float64(entry.Value) / mib
		case "write", "Write":
			stats.DiskWriteMiB += float64(entry.Value) / mib
		}
	}

	if !startedAt.IsZero() {
		stats.UptimeS = int64(time.Since(startedAt).Seconds())
	}
	return stats
}

// ContainerStats returns one parsed usage sample. The first sample for a
// container reports 0% CPU.
func (d *Driver) ContainerStats(ctx context.Context, hostID, containerID string) (*models.ContainerStats, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return nil, err
	}

	var stats *models.ContainerStats
	err = d.pool.withWorker(ctx, func() error {
		resp, err := conn.Client.ContainerStats(ctx, containerID, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var raw container.StatsResponse
		if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
			return err
		}

		inspect, err := conn.Client.ContainerInspect(ctx, containerID)
		if err != nil {
			return err
		}
		startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
		limitCores := float64(inspect.HostConfig.NanoCPUs) / 1e9

		cur := cpuSample{
			totalUsage:  raw.CPUStats.CPUUsage.TotalUsage,
			systemUsage: raw.CPUStats.SystemUsage,
		}
		prev, havePrev := d.stats.swap(containerID, cur)
		stats = parseStats(&raw, prev, havePrev, startedAt, limitCores)
		return nil
	})
	return stats, err
}

// ServerStats summarizes a host's capacity and the reservations of its
// labeled workspace containers. GPU presence comes from the nvidia runtime
// in Docker info plus the host's registration labels.
func (d *Driver) ServerStats(ctx context.Context, hostID string) (*models.ServerStats, error) {
	conn, err := d.pool.Get(hostID)
	if err != nil {
		return nil, err
	}
	host := conn.Host

	out := &models.ServerStats{
		TotalCPU:       host.TotalCPU,
		TotalMemoryMiB: host.TotalMemoryMiB,
		TotalDiskGiB:   host.TotalDiskGiB,
		Architecture:   host.Architecture,
		Status:         "healthy",
	}
	if !d.pool.Healthy(hostID) {
		out.Status = "unhealthy"
		return out, nil
	}

	err = d.pool.withWorker(ctx, func() error {
		info, err := conn.Client.Info(ctx)
		if err != nil {
			return err
		}
		if _, ok := info.Runtimes["nvidia"]; ok {
			out.HasGPU = true
			out.GPUType = host.Labels["gpu.type"]
			if count, convErr := strconv.Atoi(host.Labels["gpu.count"]); convErr == nil {
				out.GPUCount = count
			}
		}

		ids, err := d.ListWorkspaceContainers(ctx, hostID)
		if err != nil {
			return err
		}
		out.ActiveWorkspaces = len(ids)
		for _, id := range ids {
			inspect, err := conn.Client.ContainerInspect(ctx, id)
			if err != nil {
				continue
			}
			out.UsedCPU += float64(inspect.HostConfig.NanoCPUs) / 1e9
			out.UsedMemoryMiB += inspect.HostConfig.Memory / mib
		}
		return nil
	})
	if err != nil {
		out.Status = "degraded"
	}
	return out, err
}

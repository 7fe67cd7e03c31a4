package handlers

import (
	"context"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// Health answers the server's getHealth client-results call with a coarse
// liveness snapshot of the host the agent runs on.
func Health(ctx context.Context) (map[string]any, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"healthy":       true,
		"uptimeSeconds": info.Uptime,
		"os":            info.OS,
		"platform":      info.Platform,
		"kernelVersion": info.KernelVersion,
		"hostID":        info.HostID,
	}, nil
}

// ResourceUsage answers getResourceUsage with current CPU/memory/load
// figures — used by the dashboard to render fleet capacity.
func ResourceUsage(ctx context.Context) (map[string]any, error) {
	out := map[string]any{}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		out["cpuPercent"] = percents[0]
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["memTotalBytes"] = vm.Total
		out["memUsedBytes"] = vm.Used
		out["memUsedPercent"] = vm.UsedPercent
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		out["load1"] = avg.Load1
		out["load5"] = avg.Load5
		out["load15"] = avg.Load15
	}

	return out, nil
}

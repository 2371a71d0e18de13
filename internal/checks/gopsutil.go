package checks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

func checkCPU(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var tc thresholdConfig
	if err := parseConfig(cfg, &tc); err != nil {
		return Result{}, err
	}
	warn, crit := tc.thresholds()

	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Result{}, fmt.Errorf("cpu: %w", err)
	}
	if len(percents) == 0 {
		return Result{}, fmt.Errorf("cpu: no samples returned")
	}
	pct := percents[0]

	return Result{
		Status:  thresholdStatus(pct, warn, crit),
		Message: fmt.Sprintf("cpu at %.1f%%", pct),
		Metrics: metricsJSON(map[string]any{"cpu_percent": pct}),
	}, nil
}

func checkMemory(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var tc thresholdConfig
	if err := parseConfig(cfg, &tc); err != nil {
		return Result{}, err
	}
	warn, crit := tc.thresholds()

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("memory: %w", err)
	}

	return Result{
		Status:  thresholdStatus(vm.UsedPercent, warn, crit),
		Message: fmt.Sprintf("memory at %.1f%%", vm.UsedPercent),
		Metrics: metricsJSON(map[string]any{
			"used_percent": vm.UsedPercent,
			"total_bytes":  vm.Total,
			"used_bytes":   vm.Used,
			"available":    vm.Available,
		}),
	}, nil
}

type diskConfig struct {
	thresholdConfig
	Path string `json:"path"`
}

func checkDiskSpace(ctx context.Context, cfg json.RawMessage) (Result, error) {
	dc := diskConfig{Path: "/"}
	if err := parseConfig(cfg, &dc); err != nil {
		return Result{}, err
	}
	warn, crit := dc.thresholds()

	usage, err := disk.UsageWithContext(ctx, dc.Path)
	if err != nil {
		return Result{}, fmt.Errorf("disk_space %q: %w", dc.Path, err)
	}

	return Result{
		Status:  thresholdStatus(usage.UsedPercent, warn, crit),
		Message: fmt.Sprintf("%s at %.1f%% used", dc.Path, usage.UsedPercent),
		Metrics: metricsJSON(map[string]any{
			"path":         dc.Path,
			"used_percent": usage.UsedPercent,
			"total_bytes":  usage.Total,
			"free_bytes":   usage.Free,
		}),
	}, nil
}

type loadConfig struct {
	MaxLoad1 *float64 `json:"max_load1,omitempty"`
}

func checkLoadAverage(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var lc loadConfig
	if err := parseConfig(cfg, &lc); err != nil {
		return Result{}, err
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load_average: %w", err)
	}

	status := "ok"
	if lc.MaxLoad1 != nil && avg.Load1 >= *lc.MaxLoad1 {
		status = "warning"
	}

	return Result{
		Status:  status,
		Message: fmt.Sprintf("load1=%.2f load5=%.2f load15=%.2f", avg.Load1, avg.Load5, avg.Load15),
		Metrics: metricsJSON(avg),
	}, nil
}

func checkUptime(ctx context.Context, cfg json.RawMessage) (Result, error) {
	uptimeSecs, err := host.UptimeWithContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("uptime: %w", err)
	}
	return Result{
		Status:  "ok",
		Message: fmt.Sprintf("up %d seconds", uptimeSecs),
		Metrics: metricsJSON(map[string]any{"uptime_secs": uptimeSecs}),
	}, nil
}

func checkOSInfo(ctx context.Context, cfg json.RawMessage) (Result, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("os_info: %w", err)
	}
	return Result{
		Status:  "ok",
		Message: fmt.Sprintf("%s %s (%s)", info.Platform, info.PlatformVersion, info.KernelVersion),
		Metrics: metricsJSON(map[string]any{
			"platform":         info.Platform,
			"platform_version": info.PlatformVersion,
			"kernel_version":   info.KernelVersion,
			"hostname":         info.Hostname,
		}),
	}, nil
}

type networkConfig struct {
	Interface      string   `json:"interface,omitempty"`
	MaxErrorsTotal *float64 `json:"max_errors_total,omitempty"`
}

func checkNetwork(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var nc networkConfig
	if err := parseConfig(cfg, &nc); err != nil {
		return Result{}, err
	}

	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return Result{}, fmt.Errorf("network: %w", err)
	}

	for _, c := range counters {
		if nc.Interface != "" && c.Name != nc.Interface {
			continue
		}
		status := "ok"
		errTotal := float64(c.Errin + c.Errout + c.Dropin + c.Dropout)
		if nc.MaxErrorsTotal != nil && errTotal >= *nc.MaxErrorsTotal {
			status = "warning"
		}
		return Result{
			Status:  status,
			Message: fmt.Sprintf("%s: %d bytes sent, %d bytes recv", c.Name, c.BytesSent, c.BytesRecv),
			Metrics: metricsJSON(c),
		}, nil
	}

	if nc.Interface != "" {
		return Result{}, fmt.Errorf("network: interface %q not found", nc.Interface)
	}
	return Result{Status: "error", Message: "no network interfaces found"}, nil
}

type processConfig struct {
	Name          string `json:"name"`
	MinInstances  int    `json:"min_instances,omitempty"`
}

func checkProcess(ctx context.Context, cfg json.RawMessage) (Result, error) {
	pc := processConfig{MinInstances: 1}
	if err := parseConfig(cfg, &pc); err != nil {
		return Result{}, err
	}
	if pc.Name == "" {
		return Result{}, fmt.Errorf("process: config.name is required")
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("process: %w", err)
	}

	count := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if name == pc.Name {
			count++
		}
	}

	status := "ok"
	if count < pc.MinInstances {
		status = "error"
	}

	return Result{
		Status:  status,
		Message: fmt.Sprintf("%d instance(s) of %q running", count, pc.Name),
		Metrics: metricsJSON(map[string]any{"name": pc.Name, "instance_count": count}),
	}, nil
}

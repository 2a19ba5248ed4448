package sandbox

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/docker/docker/api/types/container"
)

const statsPayload = `{
	"read": "2025-03-01T12:00:00Z",
	"pids_stats": {"current": 7},
	"memory_stats": {"usage": 104857600, "stats": {"inactive_file": 4194304}},
	"cpu_stats": {
		"cpu_usage": {"total_usage": 400000000},
		"system_cpu_usage": 20000000000,
		"online_cpus": 4
	},
	"precpu_stats": {
		"cpu_usage": {"total_usage": 200000000},
		"system_cpu_usage": 18000000000,
		"online_cpus": 4
	}
}`

func TestStatsPayloadDecodes(t *testing.T) {
	var raw container.StatsResponse
	if err := json.Unmarshal([]byte(statsPayload), &raw); err != nil {
		t.Fatal(err)
	}
	if raw.PidsStats.Current != 7 {
		t.Errorf("pids = %d, want 7", raw.PidsStats.Current)
	}
	if raw.MemoryStats.Usage != 100<<20 || raw.MemoryStats.Stats["inactive_file"] != 4<<20 {
		t.Errorf("memory = %+v", raw.MemoryStats)
	}
	// 0.2s of CPU over 2s of system time on 4 CPUs.
	if got := cpuPercent(raw.PreCPUStats, raw.CPUStats); math.Abs(got-40) > 1e-9 {
		t.Errorf("cpuPercent() = %v, want 40", got)
	}
}

func TestCPUPercent(t *testing.T) {
	stats := func(total, system uint64, cpus uint32) container.CPUStats {
		return container.CPUStats{
			CPUUsage:    container.CPUUsage{TotalUsage: total},
			SystemUsage: system,
			OnlineCPUs:  cpus,
		}
	}
	tests := []struct {
		name      string
		prev, cur container.CPUStats
		want      float64
	}{
		{"first sample", container.CPUStats{}, stats(100, 1000, 2), 20},
		{"idle", stats(100, 1000, 2), stats(100, 2000, 2), 0},
		{"no system delta", stats(100, 1000, 2), stats(200, 1000, 2), 0},
		{"unknown cpu count", stats(0, 0, 0), stats(50, 100, 0), 50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cpuPercent(tt.prev, tt.cur); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("cpuPercent() = %v, want %v", got, tt.want)
			}
		})
	}
}

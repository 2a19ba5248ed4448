package sandbox

import (
	"fmt"

	units "github.com/docker/go-units"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// DefaultPidsLimit applies when a template leaves pids_limit unset.
const DefaultPidsLimit = 256

// cfsPeriod is the CFS scheduling period in microseconds.
const cfsPeriod = 100000

type ResourceLimits struct {
	MemoryMB   int64 `json:"memory_mb"`   // Hard memory limit, swap included
	CPUPercent int   `json:"cpu_percent"` // 100 = one full core
	DiskMB     int64 `json:"disk_mb"`     // Writable layer quota, or /tmp tmpfs size as fallback
	PidsLimit  int64 `json:"pids_limit"`  // Max processes (fork bomb protection)
}

func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryMB:   512,
		CPUPercent: 50,
		DiskMB:     1024,
		PidsLimit:  DefaultPidsLimit,
	}
}

func (rl ResourceLimits) Validate() error {
	if rl.MemoryMB < 16 || rl.MemoryMB > 16384 {
		return fmt.Errorf("%w: memory_mb must be 16-16384, got %d", ErrInvalidLimits, rl.MemoryMB)
	}
	if rl.CPUPercent < 1 || rl.CPUPercent > 800 {
		return fmt.Errorf("%w: cpu_percent must be 1-800, got %d", ErrInvalidLimits, rl.CPUPercent)
	}
	if rl.DiskMB < 1 || rl.DiskMB > 10240 {
		return fmt.Errorf("%w: disk_mb must be 1-10240, got %d", ErrInvalidLimits, rl.DiskMB)
	}
	if rl.PidsLimit != 0 && (rl.PidsLimit < 8 || rl.PidsLimit > 4096) {
		return fmt.Errorf("%w: pids_limit must be 8-4096, got %d", ErrInvalidLimits, rl.PidsLimit)
	}
	return nil
}

// MemoryBytes is the memory cap in bytes.
func (rl ResourceLimits) MemoryBytes() int64 {
	return rl.MemoryMB * units.MiB
}

// DiskBytes is the disk quota in bytes.
func (rl ResourceLimits) DiskBytes() int64 {
	return rl.DiskMB * units.MiB
}

// NanoCPUs converts the CPU percentage to Docker's NanoCPUs (1e9 = one core).
func (rl ResourceLimits) NanoCPUs() int64 {
	return int64(rl.CPUPercent) * 10_000_000
}

// CFSQuota is the CFS quota in microseconds for a 100ms period.
func (rl ResourceLimits) CFSQuota() int64 {
	quota := int64(rl.CPUPercent) * cfsPeriod / 100
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}
	return quota
}

// Pids returns the effective process limit.
func (rl ResourceLimits) Pids() int64 {
	if rl.PidsLimit == 0 {
		return DefaultPidsLimit
	}
	return rl.PidsLimit
}

// String renders the limits for logs, e.g. "512MiB/50%/1GiB".
func (rl ResourceLimits) String() string {
	return fmt.Sprintf("%s/%d%%/%s",
		units.BytesSize(float64(rl.MemoryBytes())), rl.CPUPercent, units.BytesSize(float64(rl.DiskBytes())))
}

// ApplyResourceLimits writes the limits into an OCI spec as hard cgroup
// constraints. Disk is enforced as a size-capped /tmp tmpfs plus RLIMIT_FSIZE
// because containerd snapshotters do not offer per-container quotas.
func ApplyResourceLimits(spec *specs.Spec, limits ResourceLimits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	period := uint64(cfsPeriod)
	quota := limits.CFSQuota()
	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryBytes()
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.Pids(),
	}

	tmpfsBytes := limits.DiskBytes()
	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", tmpfsBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.Pids()), Soft: safeUint64(limits.Pids())},
		{Type: "RLIMIT_FSIZE", Hard: safeUint64(tmpfsBytes), Soft: safeUint64(tmpfsBytes)},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}

package sandbox

import (
	"errors"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestDefaultLimits(t *testing.T) {
	l := DefaultLimits()
	if l.MemoryMB != 512 {
		t.Errorf("MemoryMB = %d, want 512", l.MemoryMB)
	}
	if l.CPUPercent != 50 {
		t.Errorf("CPUPercent = %d, want 50", l.CPUPercent)
	}
	if l.DiskMB != 1024 {
		t.Errorf("DiskMB = %d, want 1024", l.DiskMB)
	}
	if l.PidsLimit != DefaultPidsLimit {
		t.Errorf("PidsLimit = %d, want %d", l.PidsLimit, DefaultPidsLimit)
	}
	if err := l.Validate(); err != nil {
		t.Errorf("DefaultLimits().Validate() = %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		limits  ResourceLimits
		wantErr bool
	}{
		{"defaults", DefaultLimits(), false},
		{"ceilings", ResourceLimits{MemoryMB: 16384, CPUPercent: 800, DiskMB: 10240, PidsLimit: 4096}, false},
		{"pids unset", ResourceLimits{MemoryMB: 64, CPUPercent: 10, DiskMB: 10}, false},
		{"memory zero", ResourceLimits{MemoryMB: 0, CPUPercent: 50, DiskMB: 100}, true},
		{"memory over", ResourceLimits{MemoryMB: 16385, CPUPercent: 50, DiskMB: 100}, true},
		{"cpu zero", ResourceLimits{MemoryMB: 256, CPUPercent: 0, DiskMB: 100}, true},
		{"cpu over", ResourceLimits{MemoryMB: 256, CPUPercent: 801, DiskMB: 100}, true},
		{"disk zero", ResourceLimits{MemoryMB: 256, CPUPercent: 50, DiskMB: 0}, true},
		{"disk over", ResourceLimits{MemoryMB: 256, CPUPercent: 50, DiskMB: 10241}, true},
		{"pids too small", ResourceLimits{MemoryMB: 256, CPUPercent: 50, DiskMB: 100, PidsLimit: 4}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.limits.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidLimits) {
				t.Errorf("error %v does not wrap ErrInvalidLimits", err)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	l := ResourceLimits{MemoryMB: 512, CPUPercent: 50, DiskMB: 1024}
	if got := l.MemoryBytes(); got != 512<<20 {
		t.Errorf("MemoryBytes() = %d", got)
	}
	if got := l.DiskBytes(); got != 1024<<20 {
		t.Errorf("DiskBytes() = %d", got)
	}
	if got := l.NanoCPUs(); got != 500_000_000 {
		t.Errorf("NanoCPUs() = %d, want 5e8", got)
	}
	if got := l.CFSQuota(); got != 50000 {
		t.Errorf("CFSQuota() = %d, want 50000", got)
	}
	if got := l.Pids(); got != DefaultPidsLimit {
		t.Errorf("Pids() = %d, want default", got)
	}
	if got := (ResourceLimits{CPUPercent: 0}).CFSQuota(); got != 1000 {
		t.Errorf("CFSQuota() floor = %d, want 1000", got)
	}
}

func TestApplyResourceLimits(t *testing.T) {
	spec := &specs.Spec{}
	limits := ResourceLimits{MemoryMB: 256, CPUPercent: 100, DiskMB: 64, PidsLimit: 32}
	ApplyResourceLimits(spec, limits)

	res := spec.Linux.Resources
	if *res.CPU.Quota != 100000 || *res.CPU.Period != 100000 {
		t.Errorf("cpu quota/period = %d/%d", *res.CPU.Quota, *res.CPU.Period)
	}
	if *res.Memory.Limit != 256<<20 || *res.Memory.Swap != *res.Memory.Limit {
		t.Errorf("memory limit/swap = %d/%d", *res.Memory.Limit, *res.Memory.Swap)
	}
	if res.Pids.Limit != 32 {
		t.Errorf("pids = %d, want 32", res.Pids.Limit)
	}

	var tmp *specs.Mount
	for i := range spec.Mounts {
		if spec.Mounts[i].Destination == "/tmp" {
			tmp = &spec.Mounts[i]
		}
	}
	if tmp == nil {
		t.Fatal("no /tmp mount")
	}
	foundSize := false
	for _, o := range tmp.Options {
		if o == "size=67108864" {
			foundSize = true
		}
	}
	if !foundSize {
		t.Errorf("/tmp options %v missing size", tmp.Options)
	}

	for _, rl := range spec.Process.Rlimits {
		if rl.Type == "RLIMIT_CORE" && rl.Hard != 0 {
			t.Errorf("core dumps allowed: %d", rl.Hard)
		}
		if rl.Type == "RLIMIT_NPROC" && rl.Hard != 32 {
			t.Errorf("RLIMIT_NPROC = %d, want 32", rl.Hard)
		}
	}

	// Applying twice must not duplicate the tmpfs mount.
	ApplyResourceLimits(spec, limits)
	count := 0
	for _, m := range spec.Mounts {
		if m.Destination == "/tmp" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("/tmp mounted %d times", count)
	}
}

package sandbox

import (
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestProfileFor(t *testing.T) {
	tests := []struct {
		level        SecurityLevel
		wantLevel    SecurityLevel
		wantReadonly bool
		wantUser     string
		wantCaps     []string
	}{
		{LevelHardened, LevelHardened, true, "65534:65534", nil},
		{"", LevelHardened, true, "65534:65534", nil},
		{LevelAnalysis, LevelAnalysis, false, "", nil},
		{LevelLab, LevelLab, false, "", []string{"CAP_CHOWN", "CAP_SETUID"}},
		{LevelOffensive, LevelOffensive, false, "", []string{"CAP_NET_RAW", "CAP_NET_ADMIN"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.wantLevel), func(t *testing.T) {
			p := ProfileFor(tt.level, true)
			if p.Level != tt.wantLevel {
				t.Errorf("Level = %q, want %q", p.Level, tt.wantLevel)
			}
			if p.ReadonlyRootfs != tt.wantReadonly {
				t.Errorf("ReadonlyRootfs = %v", p.ReadonlyRootfs)
			}
			if got := p.UserString(); got != tt.wantUser {
				t.Errorf("UserString() = %q, want %q", got, tt.wantUser)
			}
			if p.Seccomp == nil {
				t.Fatal("no seccomp profile")
			}
			for _, want := range tt.wantCaps {
				if !contains(p.Capabilities, want) {
					t.Errorf("capabilities %v missing %s", p.Capabilities, want)
				}
			}
		})
	}
}

func TestProfileFor_LabHasNoRawSockets(t *testing.T) {
	p := ProfileFor(LevelLab, true)
	if contains(p.Capabilities, "CAP_NET_RAW") {
		t.Error("lab level must not grant CAP_NET_RAW")
	}
	if contains(p.Capabilities, "CAP_SYS_ADMIN") {
		t.Error("lab level must not grant CAP_SYS_ADMIN")
	}
}

func TestSeccompJSON(t *testing.T) {
	js, err := ProfileFor(LevelHardened, false).SeccompJSON()
	if err != nil {
		t.Fatalf("SeccompJSON: %v", err)
	}
	if !strings.Contains(js, "SCMP_ACT_ERRNO") {
		t.Errorf("hardened profile JSON has no errno default: %.80s", js)
	}
	empty, err := SecurityProfile{}.SeccompJSON()
	if err != nil || empty != "" {
		t.Errorf("empty profile = %q, %v", empty, err)
	}
}

func TestApplySecurityProfile_KeepsJoinedNetns(t *testing.T) {
	spec := &specs.Spec{
		Root: &specs.Root{Path: "rootfs"},
		Linux: &specs.Linux{
			Namespaces: []specs.LinuxNamespace{
				{Type: specs.NetworkNamespace, Path: "/proc/42/ns/net"},
			},
		},
	}
	ApplySecurityProfile(spec, ProfileFor(LevelHardened, true))

	var netns *specs.LinuxNamespace
	for i := range spec.Linux.Namespaces {
		if spec.Linux.Namespaces[i].Type == specs.NetworkNamespace {
			netns = &spec.Linux.Namespaces[i]
		}
	}
	if netns == nil || netns.Path != "/proc/42/ns/net" {
		t.Errorf("network namespace = %+v, want joined path", netns)
	}
	if !spec.Root.Readonly {
		t.Error("hardened profile should make rootfs read-only")
	}
	if !spec.Process.NoNewPrivileges {
		t.Error("NoNewPrivileges not set")
	}
	if spec.Process.User.UID != 65534 {
		t.Errorf("UID = %d, want 65534", spec.Process.User.UID)
	}
	for _, ns := range spec.Linux.Namespaces {
		if ns.Type == specs.UserNamespace {
			t.Error("user namespace should not be requested")
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

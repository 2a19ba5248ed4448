package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"lab-sandbox/pkg/seccomp"
)

// SecurityLevel selects how tightly a container is confined.
type SecurityLevel string

const (
	// LevelHardened: nobody user, read-only rootfs, allowlist seccomp, no capabilities.
	LevelHardened SecurityLevel = "hardened"
	// LevelAnalysis keeps the image user and a writable rootfs, and allows
	// ptrace so tracers work on samples.
	LevelAnalysis SecurityLevel = "analysis"
	// LevelLab runs service images (vulnerable targets) with a small capability set.
	LevelLab SecurityLevel = "lab"
	// LevelOffensive adds raw sockets for scanners on attacker boxes.
	LevelOffensive SecurityLevel = "offensive"
)

type SecurityProfile struct {
	Level          SecurityLevel
	Seccomp        *specs.LinuxSeccomp
	Capabilities   []string
	Namespaces     []specs.LinuxNamespace
	MaskedPaths    []string
	ReadonlyPaths  []string
	ReadonlyRootfs bool
	ScratchDirs    []string // tmpfs mounts that stay writable on a read-only rootfs
	User           *specs.User
}

var serviceCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FOWNER",
	"CAP_SETUID",
	"CAP_SETGID",
	"CAP_KILL",
	"CAP_NET_BIND_SERVICE",
}

func baseProfile() SecurityProfile {
	return SecurityProfile{
		Capabilities: []string{},
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/timer_stats",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/asound",
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
		ScratchDirs: []string{"/tmp"},
	}
}

// ProfileFor returns the profile for level. network reports whether the
// container is attached to a network; hardened containers without one get
// no socket syscalls at all.
func ProfileFor(level SecurityLevel, network bool) SecurityProfile {
	p := baseProfile()
	p.Level = level

	switch level {
	case LevelAnalysis:
		p.Seccomp = seccomp.AnalysisProfile()
	case LevelLab:
		p.Seccomp = seccomp.LabProfile()
		p.Capabilities = append([]string{}, serviceCapabilities...)
	case LevelOffensive:
		p.Seccomp = seccomp.LabProfile()
		p.Capabilities = append(append([]string{}, serviceCapabilities...), "CAP_NET_RAW", "CAP_NET_ADMIN")
	default:
		p.Level = LevelHardened
		p.Seccomp = seccomp.DefaultProfile()
		if network {
			p.Seccomp = seccomp.NetworkAllowProfile()
		}
		p.ReadonlyRootfs = true
		p.ScratchDirs = []string{"/tmp", "/workspace"}
		p.User = &specs.User{UID: 65534, GID: 65534}
	}
	return p
}

// SeccompJSON renders the profile's seccomp filter in the JSON form the
// Docker API accepts in a "seccomp=" security option.
func (p SecurityProfile) SeccompJSON() (string, error) {
	if p.Seccomp == nil {
		return "", nil
	}
	data, err := seccomp.DockerJSON(p.Seccomp)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// UserString returns the "uid:gid" form, or "" to keep the image user.
func (p SecurityProfile) UserString() string {
	if p.User == nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", p.User.UID, p.User.GID)
}

func ApplySecurityProfile(spec *specs.Spec, profile SecurityProfile) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}
	if spec.Process.Capabilities == nil {
		spec.Process.Capabilities = &specs.LinuxCapabilities{}
	}

	spec.Linux.Seccomp = profile.Seccomp
	spec.Process.Capabilities.Bounding = profile.Capabilities
	spec.Process.Capabilities.Effective = profile.Capabilities
	spec.Process.Capabilities.Inheritable = profile.Capabilities
	spec.Process.Capabilities.Permitted = profile.Capabilities
	spec.Process.Capabilities.Ambient = profile.Capabilities

	spec.Linux.Namespaces = mergeNamespaces(spec.Linux.Namespaces, profile.Namespaces)
	spec.Linux.MaskedPaths = profile.MaskedPaths
	spec.Linux.ReadonlyPaths = profile.ReadonlyPaths

	spec.Process.NoNewPrivileges = true
	if profile.User != nil {
		spec.Process.User = *profile.User
	}

	for _, dir := range profile.ScratchDirs {
		spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
			Destination: dir,
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "nodev", "mode=1777"},
		})
	}

	if spec.Root != nil {
		spec.Root.Readonly = profile.ReadonlyRootfs
	}
}

// mergeNamespaces keeps namespaces the OCI spec already pins to a path (a joined
// network namespace) and adds the profile's fresh ones for the rest.
func mergeNamespaces(existing, wanted []specs.LinuxNamespace) []specs.LinuxNamespace {
	pinned := make(map[specs.LinuxNamespaceType]specs.LinuxNamespace)
	for _, ns := range existing {
		if ns.Path != "" {
			pinned[ns.Type] = ns
		}
	}
	out := make([]specs.LinuxNamespace, 0, len(wanted))
	for _, ns := range wanted {
		if p, ok := pinned[ns.Type]; ok {
			out = append(out, p)
			continue
		}
		out = append(out, ns)
	}
	return out
}

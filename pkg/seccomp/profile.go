package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

type ProfileBuilder struct {
	profile *specs.LinuxSeccomp
}

func NewBuilder() *ProfileBuilder {
	return &ProfileBuilder{
		profile: &specs.LinuxSeccomp{
			DefaultAction: specs.ActErrno,
			Architectures: []specs.Arch{
				specs.ArchX86_64,
				specs.ArchAARCH64,
			},
		},
	}
}

func (b *ProfileBuilder) AllowSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	})
	return b
}

func (b *ProfileBuilder) BlockSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActErrno,
	})
	return b
}

func (b *ProfileBuilder) LogSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActLog,
	})
	return b
}

func (b *ProfileBuilder) TrapSyscalls(names ...string) *ProfileBuilder {
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActTrap,
	})
	return b
}

// SyscallArg constrains a single argument for a seccomp rule.
type SyscallArg struct {
	Index uint   // Argument index (0-5)
	Value uint64 // Value to compare
	Op    specs.LinuxSeccompOperator
}

func (b *ProfileBuilder) AllowSyscallWithArgs(name string, args []SyscallArg) *ProfileBuilder {
	specArgs := make([]specs.LinuxSeccompArg, len(args))
	for i, a := range args {
		specArgs[i] = specs.LinuxSeccompArg{
			Index: a.Index,
			Value: a.Value,
			Op:    a.Op,
		}
	}
	b.profile.Syscalls = append(b.profile.Syscalls, specs.LinuxSyscall{
		Names:  []string{name},
		Action: specs.ActAllow,
		Args:   specArgs,
	})
	return b
}

// WithDefaultAction sets the action for syscalls no rule matches.
func (b *ProfileBuilder) WithDefaultAction(action specs.LinuxSeccompAction) *ProfileBuilder {
	b.profile.DefaultAction = action
	return b
}

func (b *ProfileBuilder) WithArchitectures(archs ...specs.Arch) *ProfileBuilder {
	b.profile.Architectures = archs
	return b
}

func (b *ProfileBuilder) Build() *specs.LinuxSeccomp {
	return b.profile
}

// DockerJSON encodes a profile in the format the Docker daemon accepts for
// "seccomp=<json>". The OCI field names match Docker's profile schema.
func DockerJSON(p *specs.LinuxSeccomp) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding seccomp profile: %w", err)
	}
	return data, nil
}

// DockerProfileJSON returns the default profile encoded for Docker.
func DockerProfileJSON() ([]byte, error) {
	return DockerJSON(DefaultProfile())
}

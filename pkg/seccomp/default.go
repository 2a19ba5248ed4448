package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func baseSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise",
		).
		AllowSyscalls(
			"execve", "execveat",
			"exit", "exit_group",
			"wait4", "waitid",
			"clone", "clone3",
			"vfork",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"getgroups",
			"uname",
			"getcwd",
		).
		AllowSyscalls(
			// Exec wrappers start commands in their own session and kill
			// the whole process group on timeout.
			"setsid", "getsid",
			"setpgid", "getpgid", "getpgrp",
			"kill",
			"sched_yield", "sched_getaffinity",
		).
		AllowSyscalls(
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		AllowSyscalls(
			"getrandom",
			"arch_prctl",
			"prctl",
			"ioctl",
			"sysinfo",
			"getrlimit", "prlimit64",
			"umask",
			"chmod", "fchmod", "fchmodat",
			"chdir", "fchdir",
			"rename", "renameat", "renameat2",
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"symlink", "symlinkat",
			"link", "linkat",
			"ftruncate",
			"fallocate",
			"fsync", "fdatasync",
			"flock",
			"statfs", "fstatfs",
			"statx",
			"memfd_create",
			"copy_file_range",
		)
}

func dangerousSyscalls(b *ProfileBuilder) *ProfileBuilder {
	b.TrapSyscalls(
		"ptrace",
		"process_vm_readv", "process_vm_writev",
		"keyctl",
		"add_key", "request_key",
		"bpf",
		"perf_event_open",
		"userfaultfd",
		"kexec_load", "kexec_file_load",
		"finit_module", "init_module", "delete_module",
	)
	return hostSyscalls(b)
}

func hostSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
		)
}

// DefaultProfile returns a deny-by-default seccomp profile with allowlisted
// syscalls for language runtimes and shells.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

// NetworkAllowProfile adds socket/connect/bind to the default profile.
func NetworkAllowProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = baseSyscalls(b)
	b = networkSyscalls(b)
	b = dangerousSyscalls(b)
	return b.Build()
}

func networkSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.AllowSyscalls(
		"socket", "socketpair", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg", "sendmmsg", "recvmmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)
}

// LabProfile is allow-by-default with the host-facing syscalls blocked. Lab
// targets are full distributions and services that need far more than the
// language allowlist.
func LabProfile() *specs.LinuxSeccomp {
	b := NewBuilder().WithDefaultAction(specs.ActAllow)
	b = dangerousSyscalls(b)
	return b.Build()
}

// AnalysisProfile is LabProfile with ptrace permitted so strace and
// debuggers can trace samples inside the sandbox.
func AnalysisProfile() *specs.LinuxSeccomp {
	b := NewBuilder().WithDefaultAction(specs.ActAllow)
	b = hostSyscalls(b)
	b.BlockSyscalls(
		"keyctl",
		"add_key", "request_key",
		"bpf",
		"perf_event_open",
		"userfaultfd",
		"kexec_load", "kexec_file_load",
		"finit_module", "init_module", "delete_module",
	)
	return b.Build()
}

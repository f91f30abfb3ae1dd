package security

import (
	"encoding/json"
	"fmt"
	"sort"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// errnoEPERM is returned to the workload for every syscall outside the allow list.
	errnoEPERM uint = 1
	// errnoENOSYS makes libc fall back from clone3 to the filtered clone.
	errnoENOSYS uint = 38

	// cloneNamespaceFlags is CLONE_NEWNS|CLONE_NEWCGROUP|CLONE_NEWUTS|
	// CLONE_NEWIPC|CLONE_NEWUSER|CLONE_NEWPID|CLONE_NEWNET. clone is allowed
	// only when none of them is set.
	cloneNamespaceFlags uint64 = 0x7E020000
)

// baselineSyscalls covers network I/O, file I/O, process control, time and memory.
var baselineSyscalls = []string{
	// network
	"accept", "accept4", "bind", "connect", "getpeername", "getsockname", "getsockopt",
	"listen", "recvfrom", "recvmmsg", "recvmsg", "sendmmsg", "sendmsg", "sendto",
	"setsockopt", "shutdown", "socket", "socketpair",
	// polling
	"epoll_create", "epoll_create1", "epoll_ctl", "epoll_pwait", "epoll_wait", "eventfd",
	"eventfd2", "poll", "ppoll", "pselect6", "select",
	// files
	"access", "chdir", "close", "close_range", "dup", "dup2", "dup3", "faccessat", "faccessat2",
	"fadvise64", "fallocate", "fchdir", "fchmod", "fchmodat", "fchown", "fcntl", "fdatasync",
	"flock", "fstat", "fstatfs", "fsync", "ftruncate", "getcwd", "getdents", "getdents64",
	"inotify_add_watch", "inotify_init", "inotify_init1", "inotify_rm_watch", "lseek", "lstat",
	"mkdir", "mkdirat", "newfstatat", "open", "openat", "openat2", "pipe", "pipe2", "pread64",
	"preadv", "pwrite64", "pwritev", "read", "readlink", "readlinkat", "readv", "rename",
	"renameat", "renameat2", "rmdir", "sendfile", "splice", "stat", "statfs", "statx",
	"symlink", "symlinkat", "truncate", "umask", "unlink", "unlinkat", "utimensat", "write", "writev",
	// process
	"arch_prctl", "capget", "execve", "execveat", "exit", "exit_group",
	"fork", "futex", "get_robust_list", "getegid", "geteuid", "getgid", "getgroups", "getpgid",
	"getpgrp", "getpid", "getppid", "getpriority", "getrandom", "getresgid", "getresuid",
	"getrlimit", "getrusage", "getsid", "gettid", "getuid", "kill", "prctl", "prlimit64",
	"rseq", "rt_sigaction", "rt_sigpending", "rt_sigprocmask", "rt_sigqueueinfo", "rt_sigreturn",
	"rt_sigsuspend", "rt_sigtimedwait", "sched_getaffinity", "sched_yield", "set_robust_list",
	"set_tid_address", "setpgid", "setsid", "sigaltstack", "tgkill", "tkill", "uname", "vfork",
	"wait4", "waitid",
	// time and memory
	"brk", "clock_getres", "clock_gettime", "clock_nanosleep", "gettimeofday", "madvise",
	"membarrier", "mlock", "mprotect", "mremap", "mmap", "munlock", "munmap", "nanosleep",
	"time", "timer_create", "timer_delete", "timer_gettime", "timer_settime", "timerfd_create",
	"timerfd_gettime", "timerfd_settime",
	// ipc
	"ioctl", "memfd_create", "sysinfo",
}

// deniedSyscalls can never be added to an allow list. clone and clone3 get
// argument filtered rules of their own.
var deniedSyscalls = map[string]struct{}{
	"clone":             {},
	"clone3":            {},
	"mount":             {},
	"umount2":           {},
	"ptrace":            {},
	"init_module":       {},
	"finit_module":      {},
	"delete_module":     {},
	"kexec_load":        {},
	"kexec_file_load":   {},
	"bpf":               {},
	"setns":             {},
	"unshare":           {},
	"keyctl":            {},
	"add_key":           {},
	"request_key":       {},
	"pivot_root":        {},
	"reboot":            {},
	"swapon":            {},
	"swapoff":           {},
	"open_by_handle_at": {},
	"perf_event_open":   {},
	"process_vm_readv":  {},
	"process_vm_writev": {},
}

// AllowList merges the baseline with extra names, sorted and deduplicated.
// Denied names are rejected.
func AllowList(extra []string) ([]string, error) {
	seen := make(map[string]struct{}, len(baselineSyscalls)+len(extra))
	out := make([]string, 0, len(baselineSyscalls)+len(extra))
	for _, name := range append(append([]string(nil), baselineSyscalls...), extra...) {
		if name == "" {
			continue
		}
		if _, denied := deniedSyscalls[name]; denied {
			return nil, fmt.Errorf("syscall %s may not be allowed", name)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	if err := validateSyscalls(out); err != nil {
		return nil, err
	}
	return out, nil
}

// RenderSeccomp encodes an errno-by-default profile in the OCI runtime format
// understood by docker and podman.
func RenderSeccomp(allowed []string) ([]byte, error) {
	errno, enosys := errnoEPERM, errnoENOSYS
	profile := specs.LinuxSeccomp{
		DefaultAction:   specs.ActErrno,
		DefaultErrnoRet: &errno,
		Architectures: []specs.Arch{
			specs.ArchX86_64, specs.ArchX86, specs.ArchX32,
			specs.ArchAARCH64, specs.ArchARM,
		},
		Syscalls: []specs.LinuxSyscall{
			{
				Names:  allowed,
				Action: specs.ActAllow,
			},
			{
				// Threads and plain forks only; no new namespaces.
				Names:  []string{"clone"},
				Action: specs.ActAllow,
				Args: []specs.LinuxSeccompArg{{
					Index:    0,
					Value:    cloneNamespaceFlags,
					ValueTwo: 0,
					Op:       specs.OpMaskedEqual,
				}},
			},
			{
				// clone3 passes flags in memory where seccomp cannot see them.
				Names:    []string{"clone3"},
				Action:   specs.ActErrno,
				ErrnoRet: &enosys,
			},
		},
	}
	return json.MarshalIndent(profile, "", "  ")
}

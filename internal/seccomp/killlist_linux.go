package seccomp

import "golang.org/x/sys/unix"

// killListNames is the fixed set of syscalls that enable container
// escape, privilege escalation, or time/system tampering (spec.md
// §4.C). Each name that resolves on the build arch becomes an
// unconditional SCMP_ACT_KILL rule; names with no syscall number on
// this arch are dropped instead of erroring — spec.md's "kernels
// lacking a given syscall number absorb the rule-install error
// silently" applied at the Go-constant level, since amd64 has no
// SYS_STIME/SYS_VM86/SYS_VM86OLD at all.
var killListNames = []string{
	"acct", "add_key", "adjtimex", "bpf",
	"clock_adjtime", "clock_settime", "create_module", "delete_module",
	"fanotify_init", "fanotify_mark", "finit_module", "get_kernel_syms",
	"get_mempolicy", "init_module", "ioperm", "iopl", "kcmp",
	"kexec_file_load", "kexec_load", "keyctl", "lookup_dcookie", "mbind",
	"move_pages", "name_to_handle_at", "nfsservctl", "perf_event_open",
	"personality", "process_vm_readv", "process_vm_writev", "ptrace",
	"query_module", "quotactl", "reboot", "request_key", "set_mempolicy",
	"setns", "settimeofday", "stime", "swapoff", "swapon", "sysfs",
	"syslog", "_sysctl", "uselib", "userfaultfd", "ustat", "vm86",
	"vm86old",
}

// syscallNumbers resolves killListNames against this build's syscall
// table, dropping any name this architecture has no number for.
func syscallNumbers(names []string) []int32 {
	nums := make([]int32, 0, len(names))
	for _, name := range names {
		if n, ok := syscallNumber(name); ok {
			nums = append(nums, n)
		}
	}
	return nums
}

func syscallNumber(name string) (int32, bool) {
	switch name {
	case "acct":
		return unix.SYS_ACCT, true
	case "add_key":
		return unix.SYS_ADD_KEY, true
	case "adjtimex":
		return unix.SYS_ADJTIMEX, true
	case "bpf":
		return unix.SYS_BPF, true
	case "clock_adjtime":
		return unix.SYS_CLOCK_ADJTIME, true
	case "clock_settime":
		return unix.SYS_CLOCK_SETTIME, true
	case "create_module":
		return unix.SYS_CREATE_MODULE, true
	case "delete_module":
		return unix.SYS_DELETE_MODULE, true
	case "fanotify_init":
		return unix.SYS_FANOTIFY_INIT, true
	case "fanotify_mark":
		return unix.SYS_FANOTIFY_MARK, true
	case "finit_module":
		return unix.SYS_FINIT_MODULE, true
	case "get_kernel_syms":
		return unix.SYS_GET_KERNEL_SYMS, true
	case "get_mempolicy":
		return unix.SYS_GET_MEMPOLICY, true
	case "init_module":
		return unix.SYS_INIT_MODULE, true
	case "ioperm":
		return unix.SYS_IOPERM, true
	case "iopl":
		return unix.SYS_IOPL, true
	case "kcmp":
		return unix.SYS_KCMP, true
	case "kexec_file_load":
		return unix.SYS_KEXEC_FILE_LOAD, true
	case "kexec_load":
		return unix.SYS_KEXEC_LOAD, true
	case "keyctl":
		return unix.SYS_KEYCTL, true
	case "lookup_dcookie":
		return unix.SYS_LOOKUP_DCOOKIE, true
	case "mbind":
		return unix.SYS_MBIND, true
	case "move_pages":
		return unix.SYS_MOVE_PAGES, true
	case "name_to_handle_at":
		return unix.SYS_NAME_TO_HANDLE_AT, true
	case "nfsservctl":
		return unix.SYS_NFSSERVCTL, true
	case "perf_event_open":
		return unix.SYS_PERF_EVENT_OPEN, true
	case "personality":
		return unix.SYS_PERSONALITY, true
	case "process_vm_readv":
		return unix.SYS_PROCESS_VM_READV, true
	case "process_vm_writev":
		return unix.SYS_PROCESS_VM_WRITEV, true
	case "ptrace":
		return unix.SYS_PTRACE, true
	case "query_module":
		return unix.SYS_QUERY_MODULE, true
	case "quotactl":
		return unix.SYS_QUOTACTL, true
	case "reboot":
		return unix.SYS_REBOOT, true
	case "request_key":
		return unix.SYS_REQUEST_KEY, true
	case "set_mempolicy":
		return unix.SYS_SET_MEMPOLICY, true
	case "setns":
		return unix.SYS_SETNS, true
	case "settimeofday":
		return unix.SYS_SETTIMEOFDAY, true
	case "swapoff":
		return unix.SYS_SWAPOFF, true
	case "swapon":
		return unix.SYS_SWAPON, true
	case "sysfs":
		return unix.SYS_SYSFS, true
	case "syslog":
		return unix.SYS_SYSLOG, true
	case "_sysctl":
		return unix.SYS__SYSCTL, true
	case "uselib":
		return unix.SYS_USELIB, true
	case "userfaultfd":
		return unix.SYS_USERFAULTFD, true
	case "ustat":
		return unix.SYS_USTAT, true
	// stime, vm86, vm86old: i386-only syscalls, no amd64 number to resolve.
	default:
		return 0, false
	}
}

package seccomp

import (
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const eperm = 1
const eacces = 13

// multicastOptions is the fixed IP/IPv6 multicast setsockopt option
// list ForbidMulticast denies (spec.md §4.C).
var multicastOptions = []int32{
	unix.IP_ADD_MEMBERSHIP, unix.IP_DROP_MEMBERSHIP,
	unix.IP_ADD_SOURCE_MEMBERSHIP, unix.IP_DROP_SOURCE_MEMBERSHIP,
	unix.IP_MULTICAST_IF, unix.IP_MULTICAST_TTL, unix.IP_MULTICAST_LOOP,
	unix.IPV6_ADD_MEMBERSHIP, unix.IPV6_DROP_MEMBERSHIP,
	unix.IPV6_MULTICAST_IF, unix.IPV6_MULTICAST_HOPS, unix.IPV6_MULTICAST_LOOP,
}

// forbidUserNamespace denies unshare(2)/clone(2) whenever
// CLONE_NEWUSER is set in the flags argument (arg0 for unshare, arg0
// for clone on this ABI), returning EPERM (spec.md §4.C).
func forbidUserNamespace() []bpf.Instruction {
	var out []bpf.Instruction
	for _, nr := range []int32{unix.SYS_UNSHARE, unix.SYS_CLONE} {
		body := []bpf.Instruction{
			bpf.LoadAbsolute{Off: argLoOffset(0), Size: 4},
			bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: unix.CLONE_NEWUSER, SkipTrue: 0, SkipFalse: 1},
			bpf.RetConstant{Val: errnoReturn(eperm)},
		}
		out = append(out, guardedBlock(nr, body)...)
	}
	return out
}

// forbidMulticast denies setsockopt(2) for the fixed multicast option
// list, regardless of level, returning EPERM.
func forbidMulticast() []bpf.Instruction {
	var body []bpf.Instruction
	body = append(body, bpf.LoadAbsolute{Off: argLoOffset(1), Size: 4}) // optname
	for _, opt := range multicastOptions {
		body = append(body,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(opt), SkipTrue: 0, SkipFalse: 1},
			bpf.RetConstant{Val: errnoReturn(eperm)},
		)
	}
	return guardedBlock(unix.SYS_SETSOCKOPT, body)
}

// forbidBind denies bind(2) and listen(2) outright, returning EACCES.
func forbidBind() []bpf.Instruction {
	var out []bpf.Instruction
	for _, nr := range []int32{unix.SYS_BIND, unix.SYS_LISTEN} {
		out = append(out, guardedBlock(nr, []bpf.Instruction{
			bpf.RetConstant{Val: errnoReturn(eacces)},
		})...)
	}
	return out
}

// guardedBlock reloads nr and skips body entirely unless it matches
// target — every per-syscall conditional layer is wrapped this way so
// layers can be concatenated in any order without interfering with
// each other's accumulator state.
func guardedBlock(target int32, body []bpf.Instruction) []bpf.Instruction {
	out := []bpf.Instruction{
		bpf.LoadAbsolute{Off: offNR, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpNotEqual, Val: uint32(target), SkipTrue: uint8(len(body)), SkipFalse: 0},
	}
	return append(out, body...)
}

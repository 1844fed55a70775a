package seccomp

import "golang.org/x/sys/unix"

// seccomp_data field offsets (linux/seccomp.h):
//
//	struct seccomp_data {
//	        int nr;
//	        __u32 arch;
//	        __u64 instruction_pointer;
//	        __u64 args[6];
//	};
const (
	offNR   = 0
	offArch = 4
	offArgsLo0 = 16 // low 32 bits of args[0], little-endian amd64
)

// argLoOffset returns the offset of the low 32 bits of args[i]. Only
// the low word is inspected: every value this assembler compares
// against args (socket domains, clone/unshare flag bits) fits in 32
// bits, so the high word is never loaded.
func argLoOffset(i int) uint32 {
	return uint32(offArgsLo0 + i*8)
}

// auditArch is this build's AUDIT_ARCH_* value, the one arch check
// prologue accepts before dispatching on syscall number (spec.md
// §4.C step 1: "reject cross-architecture execve under seccomp").
const auditArch = unix.AUDIT_ARCH_X86_64

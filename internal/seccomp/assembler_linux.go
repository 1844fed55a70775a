// Package seccomp assembles the classic-BPF seccomp program the
// isolation builder installs as the last pre-exec step (spec.md
// §4.B step 14, §4.C). Default action is allow; two policy layers
// are layered on top: an unconditional denial list and the socket()
// domain allow-list, plus optional composed layers.
package seccomp

import (
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// Config selects the optional composed layers spec.md §4.C names.
// The unconditional kill list and socket domain allow-list are always
// present; these three are opt-in per request.
type Config struct {
	ForbidUserNamespace bool
	ForbidMulticast      bool
	ForbidBind           bool
}

// Assemble builds the complete classic-BPF program: arch check, the
// unconditional kill list, the socket domain allow-list, then any
// Config layers, then a default-allow trailer. The returned bytes are
// in the 8-byte struct sock_filter layout the isolation builder's
// sockFprog helper unpacks before install.
func Assemble(cfg Config) ([]byte, error) {
	var prog []bpf.Instruction

	prog = append(prog,
		bpf.LoadAbsolute{Off: offArch, Size: 4},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: auditArch, SkipTrue: 1, SkipFalse: 0},
		bpf.RetConstant{Val: retKillProcess},
	)

	prog = append(prog, bpf.LoadAbsolute{Off: offNR, Size: 4})
	for _, nr := range syscallNumbers(killListNames) {
		prog = append(prog,
			bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(nr), SkipTrue: 0, SkipFalse: 1},
			bpf.RetConstant{Val: retKillProcess},
		)
	}

	prog = append(prog, guardedBlock(unix.SYS_SOCKET,
		domainAllowList([]int32{afLocal, afInet, afInet6}, errnoReturn(eafnosupport)))...)

	if cfg.ForbidUserNamespace {
		prog = append(prog, forbidUserNamespace()...)
	}
	if cfg.ForbidMulticast {
		prog = append(prog, forbidMulticast()...)
	}
	if cfg.ForbidBind {
		prog = append(prog, forbidBind()...)
	}

	prog = append(prog, bpf.RetConstant{Val: retAllow})

	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, err
	}
	return rawToBytes(raw), nil
}

// rawToBytes packs []bpf.RawInstruction into the 8-byte struct
// sock_filter wire layout: {Code uint16, Jt uint8, Jf uint8, K
// uint32}, little-endian — the same layout internal/isolate's
// sockFprog helper unpacks before calling seccomp(2).
func rawToBytes(raw []bpf.RawInstruction) []byte {
	out := make([]byte, len(raw)*8)
	for i, ins := range raw {
		off := i * 8
		out[off] = byte(ins.Op)
		out[off+1] = byte(ins.Op >> 8)
		out[off+2] = ins.Jt
		out[off+3] = ins.Jf
		out[off+4] = byte(ins.K)
		out[off+5] = byte(ins.K >> 8)
		out[off+6] = byte(ins.K >> 16)
		out[off+7] = byte(ins.K >> 24)
	}
	return out
}

package seccomp

import (
	"sort"

	"golang.org/x/net/bpf"
)

// domainAllowList encodes the socket() domain allow-list spec.md
// §4.C describes as "arg0 < min, per-gap ranges, and arg0 > max":
// reject anything below the lowest accepted domain, anything above
// the highest, and anything in a gap between two accepted domains
// that aren't adjacent. Everything else falls through to the
// program's eventual default-allow return.
func domainAllowList(allowed []int32, rejectErrno uint32) []bpf.Instruction {
	sorted := append([]int32(nil), allowed...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var body []bpf.Instruction
	body = append(body, bpf.LoadAbsolute{Off: argLoOffset(0), Size: 4})

	min, max := sorted[0], sorted[len(sorted)-1]
	body = append(body,
		bpf.JumpIf{Cond: bpf.JumpLessThan, Val: uint32(min), SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: rejectErrno},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: uint32(max), SkipTrue: 0, SkipFalse: 1},
		bpf.RetConstant{Val: rejectErrno},
	)

	for i := 1; i < len(sorted); i++ {
		lo, hi := sorted[i-1]+1, sorted[i]-1
		if lo > hi {
			continue // adjacent accepted values, no gap to reject
		}
		body = append(body, rejectRange(uint32(lo), uint32(hi), rejectErrno)...)
	}

	return body
}

// rejectRange returns the reject-return for arg0 in [lo, hi]: two
// bail-out jumps (below lo, above hi) guarding a single RET.
func rejectRange(lo, hi, rejectErrno uint32) []bpf.Instruction {
	return []bpf.Instruction{
		bpf.JumpIf{Cond: bpf.JumpLessThan, Val: lo, SkipTrue: 2, SkipFalse: 0},
		bpf.JumpIf{Cond: bpf.JumpGreaterThan, Val: hi, SkipTrue: 1, SkipFalse: 0},
		bpf.RetConstant{Val: rejectErrno},
	}
}

package seccomp

// SECCOMP_RET_* action codes (linux/seccomp.h). Not exposed by
// golang.org/x/sys/unix at the version this module pins, following
// the teacher's own pkg/forkexec/consts.go precedent of defining
// "missing consts from syscall package" locally rather than adding a
// dependency for a handful of literals.
const (
	retKillProcess uint32 = 0x80000000
	retErrno       uint32 = 0x00050000
	retAllow       uint32 = 0x7fff0000
	retDataMask    uint32 = 0x0000ffff
)

func errnoReturn(errno uint32) uint32 {
	return retErrno | (errno & retDataMask)
}

// Well-known socket address families the domain allow-list accepts
// (spec.md §4.C): AF_LOCAL, AF_INET, AF_INET6.
const (
	afLocal = 1
	afInet  = 2
	afInet6 = 10
)

const eafnosupport = 97

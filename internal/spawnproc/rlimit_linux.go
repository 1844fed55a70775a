package spawnproc

import "golang.org/x/sys/unix"

// resourceForIndex maps the wire's single-byte resource_index (§6,
// RLIMIT sub-command) to the kernel's RLIMIT_* constant, using the
// standard Linux rlimit enumeration order so the index is stable
// across kernel versions.
func resourceForIndex(idx byte) (int, bool) {
	table := [...]int{
		unix.RLIMIT_CPU,
		unix.RLIMIT_FSIZE,
		unix.RLIMIT_DATA,
		unix.RLIMIT_STACK,
		unix.RLIMIT_CORE,
		unix.RLIMIT_RSS,
		unix.RLIMIT_NPROC,
		unix.RLIMIT_NOFILE,
		unix.RLIMIT_MEMLOCK,
		unix.RLIMIT_AS,
		unix.RLIMIT_LOCKS,
		unix.RLIMIT_SIGPENDING,
		unix.RLIMIT_MSGQUEUE,
		unix.RLIMIT_NICE,
		unix.RLIMIT_RTPRIO,
		unix.RLIMIT_RTTIME,
	}
	if int(idx) >= len(table) {
		return 0, false
	}
	return table[idx], true
}

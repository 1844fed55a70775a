// Package wire implements the byte-exact framed protocol spoken on the
// spawner's UNIX datagram socket: request/response opcodes, the EXEC
// sub-command stream, and the size limits that bound a single frame.
package wire

// Request opcodes (client -> spawner).
const (
	OpConnect byte = 0
	OpExec    byte = 1
	OpKill    byte = 2
)

// Response opcodes (spawner -> client).
const (
	OpCgroupsAvailable byte = 0
	OpExit             byte = 1
)

// EXEC sub-command tags.
const (
	TagArg             byte = 0
	TagSetEnv          byte = 1
	TagUmask           byte = 2
	TagStdin           byte = 3
	TagStdout          byte = 4
	TagStderr          byte = 5
	TagControl         byte = 6
	TagStderrPath      byte = 7
	TagTTY             byte = 8
	TagRefence         byte = 9
	TagUserNS          byte = 10
	TagPidNS           byte = 11
	TagNetworkNS       byte = 12
	TagNetworkNSName   byte = 13
	TagIPCNS           byte = 14
	TagMountNS         byte = 15
	TagMountProc       byte = 16
	TagWritableProc    byte = 17
	TagPivotRoot       byte = 18
	TagMountHome       byte = 19
	TagMountTmpTmpfs   byte = 20
	TagMountTmpfs      byte = 21
	TagBindMount       byte = 22
	TagHostname        byte = 23
	TagRlimit          byte = 24
	TagUidGid          byte = 25
	TagSchedIdle       byte = 26
	TagIOPrioIdle      byte = 27
	TagForbidUserNS    byte = 28
	TagForbidMulticast byte = 29
	TagForbidBind      byte = 30
	TagNoNewPrivs      byte = 31
	TagCgroup          byte = 32
	TagCgroupSet       byte = 33
	TagPriority        byte = 34
	TagChroot          byte = 35
	TagChdir           byte = 36
	TagHookInfo        byte = 37
	TagStderrNull      byte = 38
	TagStderrJailed    byte = 39
)

// Framing limits (spec.md §3, §6).
const (
	MaxPayload  = 65536
	MaxRecvFDs  = 32
	MaxSendFDs  = 8
	MaxSupGroup = 32
)

package spawnproc

import (
	"github.com/pkg/errors"

	"github.com/watchtower/spawnd/internal/wire"
)

// ParseExec decodes an EXEC request's header and sub-command stream
// into a PreparedChildProcess. On any error every FD already taken
// from d is closed before returning, so the caller never has to track
// partial ownership (spec.md §3 lifecycle invariant).
func ParseExec(d *wire.Decoder) (id int32, name string, proc *PreparedChildProcess, err error) {
	id, err = d.ReadInt32()
	if err != nil {
		return 0, "", nil, err
	}
	name, err = d.ReadString()
	if err != nil {
		return 0, "", nil, err
	}

	proc = NewPreparedChildProcess()
	var mountProcSeen, writableProcSeen bool

	// Error returns set the named result proc to nil, so the deferred
	// cleanup holds its own reference.
	owned := proc
	defer func() {
		if err != nil {
			closeFDs(owned.OwnedFDs())
		}
	}()

	for !d.IsEmpty() {
		var tag byte
		tag, err = d.ReadByte()
		if err != nil {
			return 0, "", nil, err
		}
		switch tag {
		case wire.TagArg:
			var s string
			if s, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			proc.Argv = append(proc.Argv, s)

		case wire.TagSetEnv:
			var s string
			if s, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			proc.Env = append(proc.Env, s)

		case wire.TagUmask:
			var v uint16
			if v, err = d.ReadUint16(); err != nil {
				return 0, "", nil, err
			}
			proc.Umask = v

		case wire.TagStdin:
			if proc.StdinFD, err = d.TakeFD(); err != nil {
				return 0, "", nil, err
			}
		case wire.TagStdout:
			if proc.StdoutFD, err = d.TakeFD(); err != nil {
				return 0, "", nil, err
			}
		case wire.TagStderr:
			if proc.StderrFD, err = d.TakeFD(); err != nil {
				return 0, "", nil, err
			}
		case wire.TagControl:
			if proc.ControlFD, err = d.TakeFD(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagStderrPath:
			if proc.StderrPath, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			if proc.StderrMode == StderrInherit {
				proc.StderrMode = StderrFile
			}

		case wire.TagStderrNull:
			proc.StderrMode = StderrNull

		case wire.TagStderrJailed:
			proc.StderrMode = StderrJailed

		case wire.TagTTY:
			proc.TTY = true

		case wire.TagRefence:
			if proc.Refence, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagUserNS:
			proc.Namespaces.User = true
		case wire.TagPidNS:
			proc.Namespaces.Pid = true
		case wire.TagNetworkNS:
			proc.Namespaces.Network = true
		case wire.TagNetworkNSName:
			if proc.Namespaces.NetworkName, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			proc.Namespaces.Network = true
		case wire.TagIPCNS:
			proc.Namespaces.IPC = true
		case wire.TagMountNS:
			proc.Namespaces.Mount = true
		case wire.TagMountProc:
			mountProcSeen = true
		case wire.TagWritableProc:
			writableProcSeen = true

		case wire.TagPivotRoot:
			if proc.Namespaces.PivotRoot, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagMountHome:
			home := &MountHome{}
			if home.HostPath, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			if home.ContainerPath, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			proc.Mounts.Home = home

		case wire.TagMountTmpTmpfs:
			if proc.Mounts.TmpTmpfs, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagMountTmpfs:
			if proc.Mounts.Tmpfs, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagBindMount:
			var bm BindMount
			if bm.Source, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			if bm.Target, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			var writable, execFlag byte
			if writable, err = d.ReadByte(); err != nil {
				return 0, "", nil, err
			}
			if execFlag, err = d.ReadByte(); err != nil {
				return 0, "", nil, err
			}
			bm.Writable = writable != 0
			bm.Exec = execFlag != 0
			proc.Mounts.Binds = append(proc.Mounts.Binds, bm)

		case wire.TagHostname:
			if proc.Namespaces.Hostname, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagRlimit:
			var idx byte
			if idx, err = d.ReadByte(); err != nil {
				return 0, "", nil, err
			}
			var soft, hard uint64
			if soft, err = d.ReadUint64(); err != nil {
				return 0, "", nil, err
			}
			if hard, err = d.ReadUint64(); err != nil {
				return 0, "", nil, err
			}
			res, ok := resourceForIndex(idx)
			if !ok {
				err = wire.ErrMalformedPayload
				return 0, "", nil, err
			}
			proc.RLimits = append(proc.RLimits, ResourceLimit{Resource: res, Soft: soft, Hard: hard})

		case wire.TagUidGid:
			var cred UidGid
			var u32 uint32
			if u32, err = d.ReadUint32(); err != nil {
				return 0, "", nil, err
			}
			cred.UID = u32
			if u32, err = d.ReadUint32(); err != nil {
				return 0, "", nil, err
			}
			cred.GID = u32
			var n byte
			if n, err = d.ReadByte(); err != nil {
				return 0, "", nil, err
			}
			if int(n) > wire.MaxSupGroup {
				err = wire.ErrMalformedPayload
				return 0, "", nil, err
			}
			cred.Groups = make([]uint32, n)
			for i := range cred.Groups {
				if cred.Groups[i], err = d.ReadUint32(); err != nil {
					return 0, "", nil, err
				}
			}
			proc.Credential = cred

		case wire.TagSchedIdle:
			proc.SchedIdle = true
		case wire.TagIOPrioIdle:
			proc.IOPrioIdle = true
		case wire.TagForbidUserNS:
			proc.ForbidUserNS = true
		case wire.TagForbidMulticast:
			proc.ForbidMulticast = true
		case wire.TagForbidBind:
			proc.ForbidBind = true
		case wire.TagNoNewPrivs:
			proc.NoNewPrivs = true

		case wire.TagCgroup:
			if proc.Cgroup.Name, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagCgroupSet:
			var cs CgroupSetting
			if cs.Key, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			if cs.Value, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}
			proc.Cgroup.Set = append(proc.Cgroup.Set, cs)

		case wire.TagPriority:
			var v int32
			if v, err = d.ReadInt32(); err != nil {
				return 0, "", nil, err
			}
			proc.Priority = v

		case wire.TagChroot:
			if proc.Chroot, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagChdir:
			if proc.Chdir, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		case wire.TagHookInfo:
			if proc.HookInfo, err = d.ReadString(); err != nil {
				return 0, "", nil, err
			}

		default:
			err = errors.Wrapf(wire.ErrMalformedPayload, "unknown EXEC sub-command tag %d", tag)
			return 0, "", nil, err
		}
	}

	if len(d.RemainingFDs()) != 0 {
		err = errors.Wrap(wire.ErrMalformedPayload, "EXEC: surplus FDs not consumed by any sub-command")
		return 0, "", nil, err
	}
	if len(proc.Argv) == 0 {
		err = errors.Wrap(wire.ErrMalformedPayload, "EXEC: empty argv")
		return 0, "", nil, err
	}

	switch {
	case writableProcSeen:
		proc.Namespaces.Proc = ProcWritable
	case mountProcSeen:
		proc.Namespaces.Proc = ProcReadOnly
	default:
		proc.Namespaces.Proc = ProcNone
	}

	return id, name, proc, nil
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		_ = closeFD(fd)
	}
}

package wire

// EncodeExit builds the EXIT response body: id:i32, status:i32.
func EncodeExit(id, status int32) []byte {
	e := NewEncoder()
	_ = e.WriteByte(OpExit)
	_ = e.WriteInt32(id)
	_ = e.WriteInt32(status)
	return e.Bytes()
}

// EncodeCgroupsAvailable builds the empty-body CGROUPS_AVAILABLE response.
func EncodeCgroupsAvailable() []byte {
	e := NewEncoder()
	_ = e.WriteByte(OpCgroupsAvailable)
	return e.Bytes()
}

// WExitCode synthesizes a wait-status-shaped exit code the way
// W_EXITCODE(code, 0) would, for error paths that never reach a real
// wait4 (e.g. VerifyRejected, spec.md §7).
func WExitCode(code int32) int32 {
	return code << 8
}

// WTermSig synthesizes a wait-status-shaped termination-by-signal code.
func WTermSig(sig int32) int32 {
	return sig
}

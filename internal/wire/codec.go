package wire

import (
	"bytes"
	"encoding/binary"
)

// Decoder reads a single datagram's payload plus the FDs received
// alongside it. All reads are bounds-checked against the remaining
// payload; any underflow or overrun yields ErrMalformedPayload.
type Decoder struct {
	buf []byte
	fds []int // FIFO: index 0 is taken next
}

// NewDecoder wraps a received payload and its ancillary FDs. fds is
// owned by the Decoder: TakeFD moves ownership out one at a time, and
// any FDs left untaken when the Decoder is discarded must be closed
// by the caller (see Decoder.RemainingFDs).
func NewDecoder(payload []byte, fds []int) *Decoder {
	return &Decoder{buf: payload, fds: fds}
}

// IsEmpty reports whether every byte of the payload has been consumed.
func (d *Decoder) IsEmpty() bool {
	return len(d.buf) == 0
}

// RemainingFDs returns FDs not yet taken, for the caller to close on
// an error path so no descriptor is leaked.
func (d *Decoder) RemainingFDs() []int {
	return d.fds
}

func (d *Decoder) ReadByte() (byte, error) {
	if len(d.buf) < 1 {
		return 0, ErrMalformedPayload
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b, nil
}

func (d *Decoder) ReadUint16() (uint16, error) {
	if len(d.buf) < 2 {
		return 0, ErrMalformedPayload
	}
	v := binary.LittleEndian.Uint16(d.buf)
	d.buf = d.buf[2:]
	return v, nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	if len(d.buf) < 4 {
		return 0, ErrMalformedPayload
	}
	v := binary.LittleEndian.Uint32(d.buf)
	d.buf = d.buf[4:]
	return v, nil
}

func (d *Decoder) ReadInt32() (int32, error) {
	v, err := d.ReadUint32()
	return int32(v), err
}

func (d *Decoder) ReadUint64() (uint64, error) {
	if len(d.buf) < 8 {
		return 0, ErrMalformedPayload
	}
	v := binary.LittleEndian.Uint64(d.buf)
	d.buf = d.buf[8:]
	return v, nil
}

// ReadString reads a NUL-terminated string bounded by the remaining
// payload. The terminator is consumed but not included in the result.
func (d *Decoder) ReadString() (string, error) {
	i := bytes.IndexByte(d.buf, 0)
	if i < 0 {
		return "", ErrMalformedPayload
	}
	s := string(d.buf[:i])
	d.buf = d.buf[i+1:]
	return s, nil
}

// ReadBytes consumes and returns exactly n raw bytes, for trivial POD
// structures. The RLIMIT sub-command does not use it: its struct
// rlimit is read as two ReadUint64 calls.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if len(d.buf) < n {
		return nil, ErrMalformedPayload
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b, nil
}

// TakeFD moves one FD out of the FIFO. Callers that accept ownership
// are responsible for closing it eventually (or handing it to the
// kernel via exec/dup).
func (d *Decoder) TakeFD() (int, error) {
	if len(d.fds) == 0 {
		return -1, ErrMalformedPayload
	}
	fd := d.fds[0]
	d.fds = d.fds[1:]
	return fd, nil
}

// Encoder builds a single outbound datagram payload into a fixed
// stack-sized buffer, capping the attached FD array at MaxSendFDs.
type Encoder struct {
	buf [MaxPayload]byte
	n   int
	fds []int
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) append(b []byte) error {
	if e.n+len(b) > len(e.buf) {
		return ErrPayloadTooLarge
	}
	copy(e.buf[e.n:], b)
	e.n += len(b)
	return nil
}

func (e *Encoder) WriteByte(b byte) error {
	return e.append([]byte{b})
}

func (e *Encoder) WriteUint16(v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return e.append(b[:])
}

func (e *Encoder) WriteUint32(v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return e.append(b[:])
}

func (e *Encoder) WriteInt32(v int32) error {
	return e.WriteUint32(uint32(v))
}

func (e *Encoder) WriteUint64(v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return e.append(b[:])
}

func (e *Encoder) WriteString(s string) error {
	if err := e.append([]byte(s)); err != nil {
		return err
	}
	return e.append([]byte{0})
}

// AddFD appends an FD to the outbound ancillary set, enforcing the
// MaxSendFDs cap the spec places on the encoder side.
func (e *Encoder) AddFD(fd int) error {
	if len(e.fds) >= MaxSendFDs {
		return ErrTooManyFDs
	}
	e.fds = append(e.fds, fd)
	return nil
}

func (e *Encoder) Bytes() []byte {
	return e.buf[:e.n]
}

func (e *Encoder) FDs() []int {
	return e.fds
}

package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodec_RoundTrip(t *testing.T) {
	e := NewEncoder()
	require.NoError(t, e.WriteByte(0x7f))
	require.NoError(t, e.WriteUint16(0xfffe))
	require.NoError(t, e.WriteInt32(-123))
	require.NoError(t, e.WriteUint64(0x0102030405060708))
	require.NoError(t, e.WriteString("hello"))
	require.NoError(t, e.AddFD(3))

	d := NewDecoder(e.Bytes(), e.FDs())

	b, err := d.ReadByte()
	require.NoError(t, err)
	assert.Equal(t, byte(0x7f), b)

	u16, err := d.ReadUint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0xfffe), u16)

	i32, err := d.ReadInt32()
	require.NoError(t, err)
	assert.Equal(t, int32(-123), i32)

	u64, err := d.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), u64)

	s, err := d.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	assert.True(t, d.IsEmpty())

	fd, err := d.TakeFD()
	require.NoError(t, err)
	assert.Equal(t, 3, fd)
}

func TestDecoder_UnderflowIsMalformed(t *testing.T) {
	d := NewDecoder([]byte{0x01}, nil)
	_, err := d.ReadUint32()
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecoder_UnterminatedStringIsMalformed(t *testing.T) {
	d := NewDecoder([]byte{'a', 'b', 'c'}, nil)
	_, err := d.ReadString()
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecoder_TakeFDWithNoneLeftIsMalformed(t *testing.T) {
	d := NewDecoder(nil, nil)
	_, err := d.TakeFD()
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestDecoder_RemainingFDsReflectsUntakenOnes(t *testing.T) {
	d := NewDecoder(nil, []int{5, 6, 7})
	_, err := d.TakeFD()
	require.NoError(t, err)
	assert.Equal(t, []int{6, 7}, d.RemainingFDs())
}

func TestEncoder_PayloadTooLarge(t *testing.T) {
	e := NewEncoder()
	big := make([]byte, MaxPayload+1)
	err := e.append(big)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestEncoder_TooManyFDs(t *testing.T) {
	e := NewEncoder()
	for i := 0; i < MaxSendFDs; i++ {
		require.NoError(t, e.AddFD(i))
	}
	assert.ErrorIs(t, e.AddFD(99), ErrTooManyFDs)
}

func TestEncodeExit_IsByteExact(t *testing.T) {
	got := EncodeExit(7, WExitCode(2))
	want := []byte{OpExit, 0x07, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00, 0x00}
	assert.Equal(t, want, got)
}

func TestEncodeCgroupsAvailable_IsSingleByte(t *testing.T) {
	assert.Equal(t, []byte{OpCgroupsAvailable}, EncodeCgroupsAvailable())
}

func TestWExitCode_MatchesWExitCodeMacroShape(t *testing.T) {
	// W_EXITCODE(ret, 0) == ret<<8 | 0
	assert.Equal(t, int32(0xff00), WExitCode(0xff))
}

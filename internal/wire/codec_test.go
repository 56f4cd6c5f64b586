package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncoderDecoderPrimitivesRoundTrip(t *testing.T) {
	enc := NewEncoder()
	enc.U8(7).Bool(true).U32(12345).I32(-7).U64(9876543210).I64(-1234567890).F64(3.5).String("hello").ByteVec([]byte{1, 2, 3})

	dec := NewDecoder(enc.Bytes())
	u8, err := dec.U8()
	require.NoError(t, err)
	assert.Equal(t, uint8(7), u8)

	b, err := dec.Bool()
	require.NoError(t, err)
	assert.True(t, b)

	u32, err := dec.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(12345), u32)

	i32, err := dec.I32()
	require.NoError(t, err)
	assert.Equal(t, int32(-7), i32)

	u64, err := dec.U64()
	require.NoError(t, err)
	assert.Equal(t, uint64(9876543210), u64)

	i64, err := dec.I64()
	require.NoError(t, err)
	assert.Equal(t, int64(-1234567890), i64)

	f64, err := dec.F64()
	require.NoError(t, err)
	assert.Equal(t, 3.5, f64)

	s, err := dec.String()
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	bv, err := dec.Bytes(0)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, bv)

	assert.Zero(t, dec.Remaining())
}

func TestDecoderShortFrameErrors(t *testing.T) {
	dec := NewDecoder([]byte{1, 2})
	_, err := dec.U64()
	assert.Error(t, err)
}

func TestDecoderBytesEnforcesMax(t *testing.T) {
	enc := NewEncoder()
	enc.ByteVec([]byte{1, 2, 3, 4, 5})
	dec := NewDecoder(enc.Bytes())
	_, err := dec.Bytes(2)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 0x42, []byte("payload")))

	cmd, payload, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), cmd)
	assert.Equal(t, []byte("payload"), payload)
}

func TestWriteFrameWithEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, 0x01, nil))
	cmd, payload, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), cmd)
	assert.Empty(t, payload)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := []byte{0, 0, 0, 0}
	// MaxFrameBytes+1, little-endian.
	n := uint32(MaxFrameBytes) + 1
	lenBuf[0] = byte(n)
	lenBuf[1] = byte(n >> 8)
	lenBuf[2] = byte(n >> 16)
	lenBuf[3] = byte(n >> 24)
	buf.Write(lenBuf)

	_, _, err := ReadFrame(bufio.NewReader(&buf))
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

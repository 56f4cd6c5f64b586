package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// ErrFrameTooLarge guards against a corrupt or hostile length prefix
// causing an unbounded allocation.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// MaxFrameBytes bounds a single frame's payload, independent of any one
// result type's configured cache capacity.
const MaxFrameBytes = 256 << 20

// Encoder accumulates a frame payload using the wire format common to
// every command (spec.md §6): fixed-width little-endian integers,
// u32-length-prefixed UTF-8 strings, u64-count-prefixed vectors, one-byte
// booleans.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder { return &Encoder{} }

func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) U8(v uint8) *Encoder  { e.buf = append(e.buf, v); return e }
func (e *Encoder) Bool(v bool) *Encoder {
	if v {
		return e.U8(1)
	}
	return e.U8(0)
}

func (e *Encoder) U32(v uint32) *Encoder {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *Encoder) I32(v int32) *Encoder { return e.U32(uint32(v)) }

func (e *Encoder) U64(v uint64) *Encoder {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf = append(e.buf, b[:]...)
	return e
}

func (e *Encoder) I64(v int64) *Encoder { return e.U64(uint64(v)) }

func (e *Encoder) F64(v float64) *Encoder { return e.U64(math.Float64bits(v)) }

func (e *Encoder) String(s string) *Encoder {
	e.U32(uint32(len(s)))
	e.buf = append(e.buf, s...)
	return e
}

func (e *Encoder) ByteVec(b []byte) *Encoder {
	e.U64(uint64(len(b)))
	e.buf = append(e.buf, b...)
	return e
}

// Decoder reads primitives off a byte slice holding one whole, already
// length-framed payload. Readers must tolerate partial reads at the
// transport layer (see ReadFrame); by the time a Decoder exists
// the full frame is already buffered.
type Decoder struct {
	buf []byte
	off int
}

func NewDecoder(b []byte) *Decoder { return &Decoder{buf: b} }

var errShortFrame = errors.New("wire: short frame")

func (d *Decoder) need(n int) error {
	if d.off+n > len(d.buf) {
		return errShortFrame
	}
	return nil
}

func (d *Decoder) U8() (uint8, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	v := d.buf[d.off]
	d.off++
	return v, nil
}

func (d *Decoder) Bool() (bool, error) {
	v, err := d.U8()
	return v != 0, err
}

func (d *Decoder) U32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v, nil
}

func (d *Decoder) I32() (int32, error) {
	v, err := d.U32()
	return int32(v), err
}

func (d *Decoder) U64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v, nil
}

func (d *Decoder) I64() (int64, error) {
	v, err := d.U64()
	return int64(v), err
}

func (d *Decoder) F64() (float64, error) {
	v, err := d.U64()
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(v), nil
}

func (d *Decoder) String() (string, error) {
	n, err := d.U32()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	return s, nil
}

func (d *Decoder) Bytes(max int) ([]byte, error) {
	n, err := d.U64()
	if err != nil {
		return nil, err
	}
	if max > 0 && n > uint64(max) {
		return nil, fmt.Errorf("%w: vector count %d exceeds max %d", ErrFrameTooLarge, n, max)
	}
	if err := d.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+int(n)])
	d.off += int(n)
	return b, nil
}

func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// ReadFrame reads one length-prefixed frame from r: a u32 total length
// (command byte + payload), then that many bytes. Returns the command
// byte and the payload (without the command byte or the length prefix).
func ReadFrame(r *bufio.Reader) (cmd byte, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n == 0 {
		return 0, nil, errors.New("wire: zero-length frame")
	}
	if n > MaxFrameBytes {
		return 0, nil, ErrFrameTooLarge
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return body[0], body[1:], nil
}

// WriteFrame writes cmd and payload as one length-prefixed frame.
func WriteFrame(w io.Writer, cmd byte, payload []byte) error {
	total := uint32(1 + len(payload))
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], total)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if _, err := w.Write([]byte{cmd}); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

package wire

import (
	"bytes"
	"encoding/binary"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
)

// Encoder accumulates a frame payload field by field, in declaration order,
// matching the wire protocol's "structured values serialize field by field"
// rule.
type Encoder struct {
	buf bytes.Buffer
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder { return &Encoder{} }

// Bytes returns the accumulated payload.
func (e *Encoder) Bytes() []byte { return e.buf.Bytes() }

func (e *Encoder) U8(v uint8)   { e.buf.WriteByte(v) }
func (e *Encoder) U32(v uint32) { var b [4]byte; binary.LittleEndian.PutUint32(b[:], v); e.buf.Write(b[:]) }
func (e *Encoder) U64(v uint64) { var b [8]byte; binary.LittleEndian.PutUint64(b[:], v); e.buf.Write(b[:]) }
func (e *Encoder) I64(v int64)  { e.U64(uint64(v)) }
func (e *Encoder) F64(v float64) { e.U64(math.Float64bits(v)) }
func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

// Str writes a u64 length prefix followed by the string's bytes.
func (e *Encoder) Str(s string) {
	e.U64(uint64(len(s)))
	e.buf.WriteString(s)
}

// Time writes a timestamp as unix nanoseconds.
func (e *Encoder) Time(t time.Time) { e.I64(t.UnixNano()) }

// Blob writes a u64 length prefix followed by raw bytes, for opaque
// cached payloads (rasters, vector tiles) moving alongside their metadata.
func (e *Encoder) Blob(b []byte) {
	e.U64(uint64(len(b)))
	e.buf.Write(b)
}

// Decoder consumes a frame payload field by field in the same order it was
// encoded.
type Decoder struct {
	r   *bytes.Reader
	err error
}

// NewDecoder wraps a frame payload for sequential decoding.
func NewDecoder(payload []byte) *Decoder {
	return &Decoder{r: bytes.NewReader(payload)}
}

// Err returns the first error encountered, if any; callers decode a whole
// message then check Err once rather than after every field.
func (d *Decoder) Err() error { return d.err }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = errors.Wrap(err, "decode wire field")
	}
}

func (d *Decoder) U8() uint8 {
	if d.err != nil {
		return 0
	}
	b, err := d.r.ReadByte()
	if err != nil {
		d.fail(err)
		return 0
	}
	return b
}

func (d *Decoder) U32() uint32 {
	if d.err != nil {
		return 0
	}
	var b [4]byte
	if _, err := readFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.LittleEndian.Uint32(b[:])
}

func (d *Decoder) U64() uint64 {
	if d.err != nil {
		return 0
	}
	var b [8]byte
	if _, err := readFull(d.r, b[:]); err != nil {
		d.fail(err)
		return 0
	}
	return binary.LittleEndian.Uint64(b[:])
}

func (d *Decoder) I64() int64 { return int64(d.U64()) }

func (d *Decoder) F64() float64 { return math.Float64frombits(d.U64()) }

func (d *Decoder) Bool() bool { return d.U8() != 0 }

func (d *Decoder) Str() string {
	if d.err != nil {
		return ""
	}
	n := d.U64()
	if d.err != nil {
		return ""
	}
	if n > MaxFrameSize {
		d.fail(errors.Wrapf(cacheerrors.ErrWireFraming, "string length %d implausible", n))
		return ""
	}
	buf := make([]byte, n)
	if _, err := readFull(d.r, buf); err != nil {
		d.fail(err)
		return ""
	}
	return string(buf)
}

func (d *Decoder) Time() time.Time {
	return time.Unix(0, d.I64())
}

func (d *Decoder) Blob() []byte {
	if d.err != nil {
		return nil
	}
	n := d.U64()
	if d.err != nil {
		return nil
	}
	if n > MaxFrameSize {
		d.fail(errors.Wrapf(cacheerrors.ErrWireFraming, "blob length %d implausible", n))
		return nil
	}
	buf := make([]byte, n)
	if _, err := readFull(d.r, buf); err != nil {
		d.fail(err)
		return nil
	}
	return buf
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

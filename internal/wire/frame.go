// Package wire implements the length-framed binary protocol shared by every
// connection role: a frame is `u64 total_size | u8 code | payload`, where
// total_size counts the whole frame including the 8-byte header and the
// 1-byte code. Every integer is written little-endian; the implementation
// only ever talks to itself, so wire endianness is an implementation detail
// rather than an interop contract.
//
// Unlike the source system's non-blocking read_nb/write_nb state machine
// driven by a single-threaded poll loop, frames here are read and written
// by ordinary blocking io.Reader/io.Writer calls from a per-connection
// goroutine; Go's scheduler multiplexes the actual blocking onto the
// runtime's network poller, so there is no hand-rolled partial-IO buffer.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/umr-dbs/cachemesh/internal/cacheerrors"
)

// headerSize is the 8-byte total-size prefix plus the 1-byte command code.
const headerSize = 9

// MaxFrameSize bounds a single frame's payload to guard against a
// corrupted or malicious length prefix causing an unbounded allocation.
const MaxFrameSize = 256 << 20 // 256 MiB; rasters are the largest payload.

// Magic numbers discriminate a connection's role on its first frame.
type Magic uint32

const (
	MagicClient   Magic = 0x22345678
	MagicWorker   Magic = 0x32345678
	MagicControl  Magic = 0x42345678
	MagicDelivery Magic = 0x52345678
)

// ReadFrame reads one complete frame from r: the 8-byte total size, the
// 1-byte code, then exactly total_size-9 bytes of payload.
func ReadFrame(r io.Reader) (code byte, payload []byte, err error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, errors.Wrap(err, "read frame header")
	}
	total := binary.LittleEndian.Uint64(header[:8])
	if total < headerSize {
		return 0, nil, errors.Wrapf(cacheerrors.ErrWireFraming, "frame total_size %d smaller than header", total)
	}
	bodyLen := total - headerSize
	if bodyLen > MaxFrameSize {
		return 0, nil, errors.Wrapf(cacheerrors.ErrWireFraming, "frame body %d exceeds max %d", bodyLen, MaxFrameSize)
	}
	code = header[8]
	if bodyLen == 0 {
		return code, nil, nil
	}
	payload = make([]byte, bodyLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, errors.Wrap(err, "read frame body")
	}
	return code, payload, nil
}

// WriteFrame writes one complete frame to w.
func WriteFrame(w io.Writer, code byte, payload []byte) error {
	total := uint64(headerSize + len(payload))
	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[:8], total)
	header[8] = code

	if _, err := w.Write(header[:]); err != nil {
		return errors.Wrap(err, "write frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errors.Wrap(err, "write frame body")
		}
	}
	return nil
}

// ReadMagic reads the 4-byte role magic that must precede the first frame
// on a freshly accepted connection.
func ReadMagic(r io.Reader) (Magic, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, errors.Wrap(err, "read magic")
	}
	return Magic(binary.LittleEndian.Uint32(buf[:])), nil
}

// WriteMagic writes the 4-byte role magic.
func WriteMagic(w io.Writer, m Magic) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(m))
	_, err := w.Write(buf[:])
	return errors.Wrap(err, "write magic")
}

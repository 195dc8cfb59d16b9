package lib

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	ErrShortBuffer = errors.New("buffer too short")
	ErrBadMagic    = errors.New("unconnected magic mismatch")
)

var be = binary.BigEndian

// Reader walks a received packet. All multi-byte reads are big endian unless
// the method name says otherwise.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}

func (r *Reader) Offset() int {
	return r.off
}

// Rest returns the unread bytes without consuming them.
func (r *Reader) Rest() []byte {
	return r.buf[r.off:]
}

func (r *Reader) need(n int) error {
	if n < 0 || r.Remaining() < n {
		return errors.Wrapf(ErrShortBuffer, "need %d bytes at offset %d, have %d", n, r.off, r.Remaining())
	}
	return nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadUint8()
	return v != 0, err
}

func (r *Reader) ReadUint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := be.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

func (r *Reader) ReadUint16LE() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v, nil
}

// ReadUint24LE reads the 3-byte little endian integers used for sequence,
// reliability and ordering indices.
func (r *Reader) ReadUint24LE() (uint32, error) {
	if err := r.need(3); err != nil {
		return 0, err
	}
	b := r.buf[r.off:]
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	r.off += 3
	return v, nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := be.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := be.Uint64(r.buf[r.off:])
	r.off += 8
	return int64(v), nil
}

// ReadBytes returns the next n bytes. The slice aliases the packet buffer.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

// ReadMagic consumes 16 bytes and checks them against the offline message magic.
func (r *Reader) ReadMagic() error {
	b, err := r.ReadBytes(len(unconnectedMagic))
	if err != nil {
		return err
	}
	if !bytes.Equal(b, unconnectedMagic[:]) {
		return ErrBadMagic
	}
	return nil
}

// Writer appends to a byte slice. It never fails; callers size packets with
// the MTU before writing.
type Writer struct {
	buf []byte
}

// NewWriter returns a writer that appends to b[:0], reusing its capacity.
func NewWriter(b []byte) *Writer {
	return &Writer{buf: b[:0]}
}

func NewWriterSize(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
		return
	}
	w.buf = append(w.buf, 0)
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = be.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint16LE(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint24LE(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16))
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = be.AppendUint32(w.buf, v)
}

func (w *Writer) WriteInt32(v int32) {
	w.WriteUint32(uint32(v))
}

func (w *Writer) WriteInt64(v int64) {
	w.buf = be.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) WriteBytes(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *Writer) WriteMagic() {
	w.buf = append(w.buf, unconnectedMagic[:]...)
}

// PutUint16At overwrites two bytes already written at off. Used to backpatch
// counts once the entries are known.
func (w *Writer) PutUint16At(off int, v uint16) {
	be.PutUint16(w.buf[off:], v)
}

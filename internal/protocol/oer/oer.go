// Package oer implements the subset of Octet Encoding Rules used by BTP and ILP:
// fixed-width big-endian integers, length determinants, var-octet-strings and var-uints.
package oer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
)

// MaxLength bounds any single length determinant accepted on decode.
const MaxLength = 32 * 1024 * 1024

var (
	ErrShortBuffer   = errors.New("oer: short buffer")
	ErrInvalidLength = errors.New("oer: invalid length prefix")
	ErrTrailingBytes = errors.New("oer: trailing bytes")
	ErrVarUintRange  = errors.New("oer: var-uint out of range")
)

// Writer appends OER values to an internal buffer.
type Writer struct {
	buf []byte
}

func NewWriter(sizeHint int) *Writer {
	return &Writer{buf: make([]byte, 0, sizeHint)}
}

func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) WriteUint8(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteUint16(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteUint32(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

// WriteOctets writes b with no length prefix.
func (w *Writer) WriteOctets(b []byte) {
	w.buf = append(w.buf, b...)
}

// WriteLength writes a length determinant.
func (w *Writer) WriteLength(n int) {
	if n < 0x80 {
		w.buf = append(w.buf, byte(n))
		return
	}
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(n))
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	w.buf = append(w.buf, 0x80|byte(8-i))
	w.buf = append(w.buf, tmp[i:]...)
}

func (w *Writer) WriteVarOctetString(b []byte) {
	w.WriteLength(len(b))
	w.buf = append(w.buf, b...)
}

// WriteVarUint writes v as a length-prefixed minimal big-endian integer (at least one byte).
func (w *Writer) WriteVarUint(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	i := 0
	for i < 7 && tmp[i] == 0 {
		i++
	}
	w.WriteVarOctetString(tmp[i:])
}

// Reader walks a byte slice. Methods return ErrShortBuffer rather than panicking.
type Reader struct {
	buf []byte
	off int
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Done reports ErrTrailingBytes when input remains.
func (r *Reader) Done() error {
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d", ErrTrailingBytes, r.Remaining())
	}
	return nil
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrShortBuffer
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *Reader) PeekUint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, ErrShortBuffer
	}
	return r.buf[r.off], nil
}

func (r *Reader) ReadUint8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadUint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadOctets returns a copy of the next n bytes.
func (r *Reader) ReadOctets(n int) ([]byte, error) {
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadLength() (int, error) {
	first, err := r.ReadUint8()
	if err != nil {
		return 0, err
	}
	if first&0x80 == 0 {
		return int(first), nil
	}
	n := int(first & 0x7f)
	if n == 0 || n > 4 {
		return 0, ErrInvalidLength
	}
	b, err := r.take(n)
	if err != nil {
		return 0, err
	}
	var l uint64
	for _, c := range b {
		l = l<<8 | uint64(c)
	}
	if l > MaxLength {
		return 0, fmt.Errorf("%w: %d exceeds %d", ErrInvalidLength, l, MaxLength)
	}
	return int(l), nil
}

func (r *Reader) ReadVarOctetString() ([]byte, error) {
	n, err := r.ReadLength()
	if err != nil {
		return nil, err
	}
	return r.ReadOctets(n)
}

func (r *Reader) ReadVarUint() (uint64, error) {
	b, err := r.ReadVarOctetString()
	if err != nil {
		return 0, err
	}
	if len(b) == 0 {
		return 0, ErrInvalidLength
	}
	if len(b) > 8 {
		v := new(big.Int).SetBytes(b)
		if v.BitLen() > 64 {
			return 0, ErrVarUintRange
		}
		return v.Uint64(), nil
	}
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v, nil
}

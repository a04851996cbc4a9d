package oer

import (
	"bytes"
	"errors"
	"testing"
)

func TestLengthDeterminantForms(t *testing.T) {
	cases := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x81, 0x80}},
		{256, []byte{0x82, 0x01, 0x00}},
	}
	for _, tc := range cases {
		w := NewWriter(4)
		w.WriteLength(tc.n)
		if !bytes.Equal(w.Bytes(), tc.want) {
			t.Fatalf("WriteLength(%d) = %x want %x", tc.n, w.Bytes(), tc.want)
		}
		got, err := NewReader(tc.want).ReadLength()
		if err != nil || got != tc.n {
			t.Fatalf("ReadLength(%x) = %d,%v", tc.want, got, err)
		}
	}
}

func TestVarUintMinimalEncoding(t *testing.T) {
	w := NewWriter(8)
	w.WriteVarUint(0)
	w.WriteVarUint(2)
	w.WriteVarUint(0x0102)
	want := []byte{0x01, 0x00, 0x01, 0x02, 0x02, 0x01, 0x02}
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("encoded %x want %x", w.Bytes(), want)
	}
	r := NewReader(w.Bytes())
	for _, expect := range []uint64{0, 2, 0x0102} {
		v, err := r.ReadVarUint()
		if err != nil || v != expect {
			t.Fatalf("ReadVarUint = %d,%v want %d", v, err, expect)
		}
	}
	if err := r.Done(); err != nil {
		t.Fatalf("unexpected trailing: %v", err)
	}
}

func TestReaderShortAndTrailing(t *testing.T) {
	r := NewReader([]byte{0x05, 'a', 'b'})
	if _, err := r.ReadVarOctetString(); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}

	r = NewReader([]byte{0x00, 0x01, 0x02, 0x03, 0x04, 0xff})
	if _, err := r.ReadUint32(); err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if err := r.Done(); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}

	if _, err := NewReader([]byte{0x80}).ReadLength(); !errors.Is(err, ErrInvalidLength) {
		t.Fatalf("expected ErrInvalidLength for indefinite form, got %v", err)
	}
}

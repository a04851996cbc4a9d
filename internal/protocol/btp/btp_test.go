package btp

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestEncodeMessageWireLayout(t *testing.T) {
	p := NewMessage(0x01020304, ProtocolData{{Name: "auth", ContentType: ContentOctetStream, Data: []byte{}}})
	b, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	want := []byte{
		0x06,                   // type
		0x01, 0x02, 0x03, 0x04, // request id
		0x09,                   // contents length
		0x01, 0x01,             // var-uint count = 1
		0x04, 'a', 'u', 't', 'h',
		0x00, // content type
		0x00, // empty data
	}
	if !bytes.Equal(b, want) {
		t.Fatalf("encoded %x\nwant    %x", b, want)
	}
}

func TestPreparePacketRoundTrip(t *testing.T) {
	id := uuid.MustParse("5857d460-2a46-4545-8311-1539d99e78e8")
	exp := time.Date(2026, 10, 17, 12, 30, 45, 123e6, time.UTC)
	p := Packet{
		Type:      TypePrepare,
		RequestID: 7,
		Data: Data{
			TransferID: id,
			Amount:     123,
			ExpiresAt:  exp,
			ProtocolData: ProtocolData{
				{Name: ProtocolILP, ContentType: ContentOctetStream, Data: []byte{1, 2, 3}},
			},
		},
	}
	p.Data.ExecutionCondition[0] = 0xaa

	b, err := Encode(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != TypePrepare || got.RequestID != 7 || got.Data.TransferID != id || got.Data.Amount != 123 {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	if !got.Data.ExpiresAt.Equal(exp) {
		t.Fatalf("expiresAt = %v want %v", got.Data.ExpiresAt, exp)
	}
	if got.Data.ExecutionCondition != p.Data.ExecutionCondition {
		t.Fatalf("condition mismatch")
	}
	ilp, ok := got.Data.ProtocolData.Get(ProtocolILP)
	if !ok || !bytes.Equal(ilp.Data, []byte{1, 2, 3}) {
		t.Fatalf("ilp entry missing: %+v", got.Data.ProtocolData)
	}
}

func TestErrorPacketUsesNameTable(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cases := []struct {
		err  error
		code string
		name string
	}{
		{Errorf(NameInsufficientBalance, "balance too low"), "F07", NameInsufficientBalance},
		{fmt.Errorf("wrap: %w", Errorf(NameDuplicateID, "dup")), "F04", NameDuplicateID},
		{Errorf(NameUnreachable, "gone"), "T00", NameUnreachable},
		{Errorf("SomethingElse", "x"), "F00", "SomethingElse"},
		{errors.New("plain"), "F00", NameNotAccepted},
	}
	for _, tc := range cases {
		p := NewErrorPacket(9, tc.err, at)
		b, err := Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Data.Code != tc.code || got.Data.Name != tc.name {
			t.Fatalf("%v -> %s/%s want %s/%s", tc.err, got.Data.Code, got.Data.Name, tc.code, tc.name)
		}
		if !got.Data.TriggeredAt.Equal(at) {
			t.Fatalf("triggeredAt = %v", got.Data.TriggeredAt)
		}
	}
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	if _, err := Decode(nil); !errors.Is(err, ErrEmptyEnvelope) {
		t.Fatalf("expected empty error, got %v", err)
	}
	if _, err := Decode([]byte{0x09, 0, 0, 0, 1, 0x01, 0x00}); !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected unknown type, got %v", err)
	}
	good := MustEncode(NewResponse(1, nil))
	if _, err := Decode(good[:len(good)-1]); err == nil {
		t.Fatalf("expected truncated packet to fail")
	}
	if _, err := Decode(append(good, 0x00)); err == nil {
		t.Fatalf("expected trailing bytes to fail")
	}
}

func TestRemoteErrorKeepsPeerFields(t *testing.T) {
	p := NewErrorPacket(3, Errorf(NameNotAccepted, "incorrect token for account"), time.Now())
	re := RemoteErrorFrom(p)
	if re.Code != "F00" || !IsName(re, NameNotAccepted) {
		t.Fatalf("unexpected remote error: %+v", re)
	}
	if Message(re) != "incorrect token for account" {
		t.Fatalf("message = %q", Message(re))
	}
}

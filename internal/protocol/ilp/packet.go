// Package ilp encodes the Interledger v4 packets carried inside the BTP "ilp"
// sub-protocol, plus the ILDCP configuration exchange.
package ilp

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/btpmux/internal/protocol/oer"
)

type Type uint8

const (
	TypePrepare Type = 12
	TypeFulfill Type = 13
	TypeReject  Type = 14
)

func (t Type) String() string {
	switch t {
	case TypePrepare:
		return "ilp_prepare"
	case TypeFulfill:
		return "ilp_fulfill"
	case TypeReject:
		return "ilp_reject"
	default:
		return fmt.Sprintf("ilp_type(%d)", uint8(t))
	}
}

const expiryLayout = "20060102150405.000"

var (
	ErrUnknownType  = errors.New("ilp: unknown packet type")
	ErrInvalidCode  = errors.New("ilp: reject code must be 3 characters")
	ErrInvalidTime  = errors.New("ilp: invalid expiry timestamp")
	ErrEmptyPayload = errors.New("ilp: empty packet")
)

type Prepare struct {
	Amount             uint64
	ExpiresAt          time.Time
	ExecutionCondition [32]byte
	Destination        string
	Data               []byte
}

type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

type Reject struct {
	Code        string
	TriggeredBy string
	Message     string
	Data        []byte
}

// Packet is a decoded ILP packet; exactly one of the pointers is set.
type Packet struct {
	Type    Type
	Prepare *Prepare
	Fulfill *Fulfill
	Reject  *Reject
}

func envelope(t Type, contents []byte) []byte {
	w := oer.NewWriter(len(contents) + 4)
	w.WriteUint8(uint8(t))
	w.WriteVarOctetString(contents)
	return w.Bytes()
}

// ilp timestamps are fixed width: YYYYMMDDHHMMSSfff
func formatExpiry(t time.Time) string {
	s := t.UTC().Format(expiryLayout)
	return s[:14] + s[15:]
}

func parseExpiry(s string) (time.Time, error) {
	if len(s) != 17 {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	t, err := time.Parse(expiryLayout, s[:14]+"."+s[14:])
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
	}
	return t.UTC(), nil
}

func (p Prepare) Encode() []byte {
	w := oer.NewWriter(64 + len(p.Destination) + len(p.Data))
	w.WriteUint64(p.Amount)
	w.WriteOctets([]byte(formatExpiry(p.ExpiresAt)))
	w.WriteOctets(p.ExecutionCondition[:])
	w.WriteVarOctetString([]byte(p.Destination))
	w.WriteVarOctetString(p.Data)
	return envelope(TypePrepare, w.Bytes())
}

func (f Fulfill) Encode() []byte {
	w := oer.NewWriter(40 + len(f.Data))
	w.WriteOctets(f.Fulfillment[:])
	w.WriteVarOctetString(f.Data)
	return envelope(TypeFulfill, w.Bytes())
}

func (r Reject) Encode() ([]byte, error) {
	if len(r.Code) != 3 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCode, r.Code)
	}
	w := oer.NewWriter(16 + len(r.TriggeredBy) + len(r.Message) + len(r.Data))
	w.WriteOctets([]byte(r.Code))
	w.WriteVarOctetString([]byte(r.TriggeredBy))
	w.WriteVarOctetString([]byte(r.Message))
	w.WriteVarOctetString(r.Data)
	return envelope(TypeReject, w.Bytes()), nil
}

func Decode(b []byte) (Packet, error) {
	r := oer.NewReader(b)
	typ, err := r.ReadUint8()
	if err != nil {
		return Packet{}, ErrEmptyPayload
	}
	contents, err := r.ReadVarOctetString()
	if err != nil {
		return Packet{}, err
	}
	if err := r.Done(); err != nil {
		return Packet{}, err
	}
	cr := oer.NewReader(contents)
	p := Packet{Type: Type(typ)}
	switch p.Type {
	case TypePrepare:
		var v Prepare
		if v.Amount, err = cr.ReadUint64(); err != nil {
			return Packet{}, err
		}
		raw, err := cr.ReadOctets(17)
		if err != nil {
			return Packet{}, err
		}
		if v.ExpiresAt, err = parseExpiry(string(raw)); err != nil {
			return Packet{}, err
		}
		cond, err := cr.ReadOctets(32)
		if err != nil {
			return Packet{}, err
		}
		copy(v.ExecutionCondition[:], cond)
		dest, err := cr.ReadVarOctetString()
		if err != nil {
			return Packet{}, err
		}
		v.Destination = string(dest)
		if v.Data, err = cr.ReadVarOctetString(); err != nil {
			return Packet{}, err
		}
		p.Prepare = &v
	case TypeFulfill:
		var v Fulfill
		f, err := cr.ReadOctets(32)
		if err != nil {
			return Packet{}, err
		}
		copy(v.Fulfillment[:], f)
		if v.Data, err = cr.ReadVarOctetString(); err != nil {
			return Packet{}, err
		}
		p.Fulfill = &v
	case TypeReject:
		var v Reject
		code, err := cr.ReadOctets(3)
		if err != nil {
			return Packet{}, err
		}
		v.Code = string(code)
		by, err := cr.ReadVarOctetString()
		if err != nil {
			return Packet{}, err
		}
		v.TriggeredBy = string(by)
		msg, err := cr.ReadVarOctetString()
		if err != nil {
			return Packet{}, err
		}
		v.Message = string(msg)
		if v.Data, err = cr.ReadVarOctetString(); err != nil {
			return Packet{}, err
		}
		p.Reject = &v
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}
	if err := cr.Done(); err != nil {
		return Packet{}, err
	}
	return p, nil
}

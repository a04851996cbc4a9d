package btp

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/btpmux/internal/protocol/oer"
	"github.com/google/uuid"
)

// GeneralizedTime layout used on the wire.
const timeLayout = "20060102150405.000Z"

var (
	ErrUnknownType   = errors.New("btp: unknown packet type")
	ErrInvalidCode   = errors.New("btp: error code must be 3 characters")
	ErrInvalidTime   = errors.New("btp: invalid generalized time")
	ErrEmptyEnvelope = errors.New("btp: empty packet")
)

func Encode(p Packet) ([]byte, error) {
	contents := oer.NewWriter(64)
	switch p.Type {
	case TypeResponse, TypeMessage:
	case TypeError:
		if len(p.Data.Code) != 3 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidCode, p.Data.Code)
		}
		contents.WriteOctets([]byte(p.Data.Code))
		contents.WriteVarOctetString([]byte(p.Data.Name))
		contents.WriteVarOctetString([]byte(formatTime(p.Data.TriggeredAt)))
		contents.WriteVarOctetString(p.Data.ErrorData)
	case TypePrepare:
		contents.WriteOctets(p.Data.TransferID[:])
		contents.WriteUint64(p.Data.Amount)
		contents.WriteOctets(p.Data.ExecutionCondition[:])
		contents.WriteVarOctetString([]byte(formatTime(p.Data.ExpiresAt)))
	case TypeFulfill:
		contents.WriteOctets(p.Data.TransferID[:])
		contents.WriteOctets(p.Data.Fulfillment[:])
	case TypeReject:
		contents.WriteOctets(p.Data.TransferID[:])
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(p.Type))
	}
	writeProtocolData(contents, p.Data.ProtocolData)

	out := oer.NewWriter(contents.Len() + 8)
	out.WriteUint8(uint8(p.Type))
	out.WriteUint32(p.RequestID)
	out.WriteVarOctetString(contents.Bytes())
	return out.Bytes(), nil
}

// MustEncode is Encode for packets built in-process, where failure is a programming error.
func MustEncode(p Packet) []byte {
	b, err := Encode(p)
	if err != nil {
		panic(err)
	}
	return b
}

func Decode(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, ErrEmptyEnvelope
	}
	r := oer.NewReader(b)
	typ, err := r.ReadUint8()
	if err != nil {
		return Packet{}, err
	}
	reqID, err := r.ReadUint32()
	if err != nil {
		return Packet{}, err
	}
	contents, err := r.ReadVarOctetString()
	if err != nil {
		return Packet{}, err
	}
	if err := r.Done(); err != nil {
		return Packet{}, err
	}

	p := Packet{Type: Type(typ), RequestID: reqID}
	cr := oer.NewReader(contents)
	switch p.Type {
	case TypeResponse, TypeMessage:
	case TypeError:
		code, err := cr.ReadOctets(3)
		if err != nil {
			return Packet{}, err
		}
		name, err := cr.ReadVarOctetString()
		if err != nil {
			return Packet{}, err
		}
		at, err := readTime(cr)
		if err != nil {
			return Packet{}, err
		}
		data, err := cr.ReadVarOctetString()
		if err != nil {
			return Packet{}, err
		}
		p.Data.Code, p.Data.Name, p.Data.TriggeredAt, p.Data.ErrorData = string(code), string(name), at, data
	case TypePrepare:
		if p.Data.TransferID, err = readUUID(cr); err != nil {
			return Packet{}, err
		}
		if p.Data.Amount, err = cr.ReadUint64(); err != nil {
			return Packet{}, err
		}
		cond, err := cr.ReadOctets(32)
		if err != nil {
			return Packet{}, err
		}
		copy(p.Data.ExecutionCondition[:], cond)
		if p.Data.ExpiresAt, err = readTime(cr); err != nil {
			return Packet{}, err
		}
	case TypeFulfill:
		if p.Data.TransferID, err = readUUID(cr); err != nil {
			return Packet{}, err
		}
		f, err := cr.ReadOctets(32)
		if err != nil {
			return Packet{}, err
		}
		copy(p.Data.Fulfillment[:], f)
	case TypeReject:
		if p.Data.TransferID, err = readUUID(cr); err != nil {
			return Packet{}, err
		}
	default:
		return Packet{}, fmt.Errorf("%w: %d", ErrUnknownType, typ)
	}

	pd, err := readProtocolData(cr)
	if err != nil {
		return Packet{}, err
	}
	p.Data.ProtocolData = pd
	if err := cr.Done(); err != nil {
		return Packet{}, err
	}
	return p, nil
}

func writeProtocolData(w *oer.Writer, pd ProtocolData) {
	w.WriteVarUint(uint64(len(pd)))
	for _, sp := range pd {
		w.WriteVarOctetString([]byte(sp.Name))
		w.WriteUint8(uint8(sp.ContentType))
		w.WriteVarOctetString(sp.Data)
	}
}

func readProtocolData(r *oer.Reader) (ProtocolData, error) {
	n, err := r.ReadVarUint()
	if err != nil {
		return nil, err
	}
	// each entry needs at least three bytes
	if n > uint64(r.Remaining()/3) {
		return nil, fmt.Errorf("btp: protocol data count %d exceeds remaining input", n)
	}
	pd := make(ProtocolData, 0, n)
	for i := uint64(0); i < n; i++ {
		name, err := r.ReadVarOctetString()
		if err != nil {
			return nil, err
		}
		ct, err := r.ReadUint8()
		if err != nil {
			return nil, err
		}
		data, err := r.ReadVarOctetString()
		if err != nil {
			return nil, err
		}
		pd = append(pd, SubProtocol{Name: string(name), ContentType: ContentType(ct), Data: data})
	}
	return pd, nil
}

func readUUID(r *oer.Reader) (uuid.UUID, error) {
	b, err := r.ReadOctets(16)
	if err != nil {
		return uuid.UUID{}, err
	}
	return uuid.FromBytes(b)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func readTime(r *oer.Reader) (time.Time, error) {
	raw, err := r.ReadVarOctetString()
	if err != nil {
		return time.Time{}, err
	}
	return parseTime(string(raw))
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{timeLayout, "20060102150405Z", "20060102150405.000", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, s)
}

// Package btp models Bilateral Transfer Protocol 2.0 packets and their OER wire form.
package btp

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type is the BTP packet type byte.
type Type uint8

const (
	TypeResponse Type = 1
	TypeError    Type = 2
	TypePrepare  Type = 3
	TypeFulfill  Type = 4
	TypeReject   Type = 5
	TypeMessage  Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypePrepare:
		return "PREPARE"
	case TypeFulfill:
		return "FULFILL"
	case TypeReject:
		return "REJECT"
	case TypeMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("TYPE(%d)", uint8(t))
	}
}

// IsReply reports whether packets of this type answer an earlier request.
func (t Type) IsReply() bool {
	return t == TypeResponse || t == TypeError
}

// ContentType tags the encoding of a sub-protocol payload.
type ContentType uint8

const (
	ContentOctetStream ContentType = 0
	ContentTextPlain   ContentType = 1
	ContentJSON        ContentType = 2
)

// Reserved sub-protocol names.
const (
	ProtocolAuth         = "auth"
	ProtocolAuthToken    = "auth_token"
	ProtocolAuthUsername = "auth_username"
	ProtocolILP          = "ilp"
	ProtocolInfo         = "info"
	ProtocolBalance      = "balance"
	ProtocolLimit        = "limit"
	ProtocolCustom       = "custom"
)

type SubProtocol struct {
	Name        string
	ContentType ContentType
	Data        []byte
}

// ProtocolData is the ordered list of named sub-protocol payloads carried by every packet.
type ProtocolData []SubProtocol

// Get returns the first entry with the given name.
func (pd ProtocolData) Get(name string) (SubProtocol, bool) {
	for _, sp := range pd {
		if sp.Name == name {
			return sp, true
		}
	}
	return SubProtocol{}, false
}

// Names lists entry names in order.
func (pd ProtocolData) Names() []string {
	out := make([]string, 0, len(pd))
	for _, sp := range pd {
		out = append(out, sp.Name)
	}
	return out
}

// Data carries the type-specific fields. Only the fields relevant to the
// enclosing packet type are encoded.
type Data struct {
	ProtocolData ProtocolData

	// ERROR
	Code        string
	Name        string
	TriggeredAt time.Time
	ErrorData   []byte

	// PREPARE, FULFILL, REJECT
	TransferID uuid.UUID

	// PREPARE
	Amount             uint64
	ExecutionCondition [32]byte
	ExpiresAt          time.Time

	// FULFILL
	Fulfillment [32]byte
}

type Packet struct {
	Type      Type
	RequestID uint32
	Data      Data
}

func NewMessage(requestID uint32, pd ProtocolData) Packet {
	return Packet{Type: TypeMessage, RequestID: requestID, Data: Data{ProtocolData: pd}}
}

func NewResponse(requestID uint32, pd ProtocolData) Packet {
	return Packet{Type: TypeResponse, RequestID: requestID, Data: Data{ProtocolData: pd}}
}

// NewErrorPacket builds the ERROR reply for err using the name to code table.
func NewErrorPacket(requestID uint32, err error, at time.Time) Packet {
	code, name := CodeFor(err)
	msg := ""
	if err != nil {
		msg = Message(err)
	}
	return Packet{
		Type:      TypeError,
		RequestID: requestID,
		Data: Data{
			Code:        code,
			Name:        name,
			TriggeredAt: at,
			ErrorData:   []byte(msg),
		},
	}
}

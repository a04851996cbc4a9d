package btp

import (
	"errors"
	"fmt"
	"time"
)

// Error names understood by peers.
const (
	NameUnreachable         = "UnreachableError"
	NameNotAccepted         = "NotAcceptedError"
	NameInvalidFields       = "InvalidFieldsError"
	NameTransferNotFound    = "TransferNotFoundError"
	NameInvalidFulfillment  = "InvalidFulfillmentError"
	NameDuplicateID         = "DuplicateIdError"
	NameAlreadyRolledBack   = "AlreadyRolledBackError"
	NameAlreadyFulfilled    = "AlreadyFulfilledError"
	NameInsufficientBalance = "InsufficientBalanceError"

	// Local-only names; peers see them as F00.
	NameMissingFulfillment              = "MissingFulfillmentError"
	NameRequestHandlerAlreadyRegistered = "RequestHandlerAlreadyRegisteredError"
)

var namesToCodes = map[string]string{
	NameUnreachable:         "T00",
	NameNotAccepted:         "F00",
	NameInvalidFields:       "F01",
	NameTransferNotFound:    "F02",
	NameInvalidFulfillment:  "F03",
	NameDuplicateID:         "F04",
	NameAlreadyRolledBack:   "F05",
	NameAlreadyFulfilled:    "F06",
	NameInsufficientBalance: "F07",
}

// ProtocolError is a failure that is reported to the peer as an ERROR packet.
type ProtocolError struct {
	Name    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Name + ": " + e.Message
}

// Code returns the wire code for the error name, F00 when the name is unknown.
func (e *ProtocolError) Code() string {
	if c, ok := namesToCodes[e.Name]; ok {
		return c
	}
	return "F00"
}

func Errorf(name, format string, args ...any) *ProtocolError {
	return &ProtocolError{Name: name, Message: fmt.Sprintf(format, args...)}
}

// IsName reports whether err carries a ProtocolError or RemoteError with the given name.
func IsName(err error, name string) bool {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Name == name
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Name == name
	}
	return false
}

// CodeFor maps err to the ERROR code and name sent on the wire.
// Errors without a protocol name are reported as NotAcceptedError.
func CodeFor(err error) (code, name string) {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Code(), pe.Name
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Code, re.Name
	}
	return namesToCodes[NameNotAccepted], NameNotAccepted
}

// Message returns the text placed in an ERROR packet's data field.
func Message(err error) string {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Message
	}
	var re *RemoteError
	if errors.As(err, &re) {
		return string(re.Data)
	}
	return err.Error()
}

// RemoteError is an ERROR packet received from a peer in reply to a request.
type RemoteError struct {
	Code        string
	Name        string
	TriggeredAt time.Time
	Data        []byte
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("btp: remote error %s %s: %s", e.Code, e.Name, e.Data)
}

// RemoteErrorFrom converts a decoded ERROR packet.
func RemoteErrorFrom(p Packet) *RemoteError {
	return &RemoteError{
		Code:        p.Data.Code,
		Name:        p.Data.Name,
		TriggeredAt: p.Data.TriggeredAt,
		Data:        p.Data.ErrorData,
	}
}

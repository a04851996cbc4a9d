package ilp

import (
	"errors"
	"fmt"
)

// Reject codes, grouped F (final), T (temporary), R (relative).
const (
	CodeBadRequest                    = "F00"
	CodeInvalidPacket                 = "F01"
	CodeUnreachable                   = "F02"
	CodeInvalidAmount                 = "F03"
	CodeInsufficientDestinationAmount = "F04"
	CodeWrongCondition                = "F05"
	CodeUnexpectedPayment             = "F06"
	CodeCannotReceive                 = "F07"
	CodeAmountTooLarge                = "F08"
	CodeApplicationError              = "F99"
	CodeInternalError                 = "T00"
	CodePeerUnreachable               = "T01"
	CodePeerBusy                      = "T02"
	CodeConnectorBusy                 = "T03"
	CodeInsufficientLiquidity         = "T04"
	CodeRateLimited                   = "T05"
	CodeTemporaryApplicationError     = "T99"
	CodeTransferTimedOut              = "R00"
	CodeInsufficientSourceAmount      = "R01"
	CodeInsufficientTimeout           = "R02"
	CodeRelativeApplicationError      = "R99"
)

var codeNames = map[string]string{
	CodeBadRequest:                    "BadRequestError",
	CodeInvalidPacket:                 "InvalidPacketError",
	CodeUnreachable:                   "UnreachableError",
	CodeInvalidAmount:                 "InvalidAmountError",
	CodeInsufficientDestinationAmount: "InsufficientDestinationAmountError",
	CodeWrongCondition:                "WrongConditionError",
	CodeUnexpectedPayment:             "UnexpectedPaymentError",
	CodeCannotReceive:                 "CannotReceiveError",
	CodeAmountTooLarge:                "AmountTooLargeError",
	CodeApplicationError:              "ApplicationError",
	CodeInternalError:                 "InternalError",
	CodePeerUnreachable:               "PeerUnreachableError",
	CodePeerBusy:                      "PeerBusyError",
	CodeConnectorBusy:                 "ConnectorBusyError",
	CodeInsufficientLiquidity:         "InsufficientLiquidityError",
	CodeRateLimited:                   "RateLimitedError",
	CodeTemporaryApplicationError:     "TemporaryApplicationError",
	CodeTransferTimedOut:              "TransferTimedOutError",
	CodeInsufficientSourceAmount:      "InsufficientSourceAmountError",
	CodeInsufficientTimeout:           "InsufficientTimeoutError",
	CodeRelativeApplicationError:      "RelativeApplicationError",
}

// Error is a failure that becomes an ILP reject with its code.
type Error struct {
	Code    string
	Message string
	Data    []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %s", e.Code, CodeName(e.Code), e.Message)
}

func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeName returns the conventional error name for a reject code.
func CodeName(code string) string {
	if n, ok := codeNames[code]; ok {
		return n
	}
	return "UnknownError"
}

// ErrorToReject builds the reject for err as seen by triggeredBy.
// Errors without a code become F00.
func ErrorToReject(triggeredBy string, err error) Reject {
	var ie *Error
	if errors.As(err, &ie) {
		return Reject{Code: ie.Code, TriggeredBy: triggeredBy, Message: ie.Message, Data: ie.Data}
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return Reject{Code: CodeBadRequest, TriggeredBy: triggeredBy, Message: msg}
}

// EncodeErrorReject is ErrorToReject followed by encoding, falling back to F00
// when the error carries an invalid code.
func EncodeErrorReject(triggeredBy string, err error) []byte {
	r := ErrorToReject(triggeredBy, err)
	b, encErr := r.Encode()
	if encErr != nil {
		r.Code = CodeBadRequest
		b, _ = r.Encode()
	}
	return b
}

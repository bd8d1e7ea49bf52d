package varlink

import "fmt"

// ErrorCode identifies one failure condition from the closed set the engine
// can report. The numeric values and identifier strings are part of the
// protocol library's stable contract.
type ErrorCode int

const (
	ErrPanic ErrorCode = iota + 1
	ErrInvalidInterface
	ErrInvalidAddress
	ErrInvalidIdentifier
	ErrInvalidType
	ErrInterfaceNotFound
	ErrMethodNotFound
	ErrCannotConnect
	ErrCannotListen
	ErrCannotAccept
	ErrSendingMessage
	ErrReceivingMessage
	ErrInvalidIndex
	ErrUnknownField
	ErrReadOnly
	ErrInvalidJson
	ErrInvalidMessage
	ErrInvalidCall
	ErrAccessDenied
	ErrConnectionClosed

	errMax
)

var errorStrings = [errMax]string{
	ErrPanic:             "Panic",
	ErrInvalidInterface:  "InvalidInterface",
	ErrInvalidAddress:    "InvalidAddress",
	ErrInvalidIdentifier: "InvalidIdentifier",
	ErrInvalidType:       "InvalidType",
	ErrInterfaceNotFound: "InterfaceNotFound",
	ErrMethodNotFound:    "MethodNotFound",
	ErrCannotConnect:     "CannotConnect",
	ErrCannotListen:      "CannotListen",
	ErrCannotAccept:      "CannotAccept",
	ErrSendingMessage:    "SendingMessage",
	ErrReceivingMessage:  "ReceivingMessage",
	ErrInvalidIndex:      "InvalidIndex",
	ErrUnknownField:      "UnknownField",
	ErrReadOnly:          "ReadOnly",
	ErrInvalidJson:       "InvalidJson",
	ErrInvalidMessage:    "InvalidMessage",
	ErrInvalidCall:       "InvalidCall",
	ErrAccessDenied:      "AccessDenied",
	ErrConnectionClosed:  "ConnectionClosed",
}

// String returns the stable identifier for the code, or "<invalid>" for a
// value outside the defined set.
func (c ErrorCode) String() string {
	if c <= 0 || c >= errMax {
		return "<invalid>"
	}
	return errorStrings[c]
}

// ErrVarlink is a sentinel for use with errors.Is to check whether any error
// in a chain is an *Error, regardless of its code.
var ErrVarlink = &Error{}

// Error is the failure type returned by all fallible engine operations.
type Error struct {
	Code    ErrorCode
	Message string // optional detail beyond the code identifier
	Err     error  // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return "varlink: " + e.Code.String()
	}
	return fmt.Sprintf("varlink: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is supports errors.Is. A target with a zero Code matches any *Error;
// otherwise the codes must be equal.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// CodeOf returns the ErrorCode carried by err or any error it wraps, or zero
// when err is not an engine error.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return 0
		}
		err = u.Unwrap()
	}
	return 0
}

func newError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

func wrapError(code ErrorCode, err error) *Error {
	return &Error{Code: code, Err: err}
}

func errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

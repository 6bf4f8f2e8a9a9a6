package protocol

import (
	"errors"
	"fmt"
)

// ErrorPayload is the "error" member of a response. It doubles as the error
// value for request-level failures: handlers return it to choose the code,
// and callers receive it when the peer answered with an error.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *ErrorPayload) Error() string {
	return fmt.Sprintf("request error %d (%s): %s", int(e.Code), e.Code, e.Message)
}

// NewRequestError creates an error payload with the given code.
func NewRequestError(code ErrorCode, message string, data any) *ErrorPayload {
	return &ErrorPayload{Code: code, Message: message, Data: data}
}

// MethodNotFound reports an unknown method.
func MethodNotFound(method string) *ErrorPayload {
	return &ErrorPayload{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", method)}
}

// InvalidParams reports unusable request parameters.
func InvalidParams(format string, args ...any) *ErrorPayload {
	return &ErrorPayload{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

// InternalError wraps an arbitrary handler failure.
func InternalError(err error) *ErrorPayload {
	return &ErrorPayload{Code: CodeInternalError, Message: err.Error()}
}

// AsErrorPayload converts any error into the payload sent on the wire.
// Errors that already carry a payload keep their code.
func AsErrorPayload(err error) *ErrorPayload {
	if err == nil {
		return nil
	}
	var payload *ErrorPayload
	if errors.As(err, &payload) {
		return payload
	}
	return InternalError(err)
}

// IsRequestError reports whether err is a peer-reported request failure.
func IsRequestError(err error) bool {
	var payload *ErrorPayload
	return errors.As(err, &payload)
}

// ErrorKind classifies protocol errors.
type ErrorKind int

const (
	ErrMalformed ErrorKind = iota + 1
	ErrUnsupportedVersion
	ErrUnexpectedMessage
	ErrInvalidState
	ErrDuplicateID
)

func (k ErrorKind) String() string {
	switch k {
	case ErrMalformed:
		return "malformed message"
	case ErrUnsupportedVersion:
		return "unsupported version"
	case ErrUnexpectedMessage:
		return "unexpected message"
	case ErrInvalidState:
		return "invalid state"
	case ErrDuplicateID:
		return "duplicate request id"
	}
	return "protocol error"
}

// Error is a violation of the message protocol. Fatal errors close the
// connection; the rest are logged and the offending message is skipped.
type Error struct {
	Kind    ErrorKind
	Message string
	Fatal   bool
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same kind, so a bare
// &Error{Kind: ErrInvalidState} works as a target for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Malformed returns a non-fatal malformed-message error.
func Malformed(format string, args ...any) *Error {
	return &Error{Kind: ErrMalformed, Message: fmt.Sprintf(format, args...)}
}

// InvalidState returns an error for an operation issued in the wrong
// lifecycle state.
func InvalidState(format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidState, Message: fmt.Sprintf(format, args...)}
}

// IsProtocolError reports whether err is a protocol violation.
func IsProtocolError(err error) bool {
	var perr *Error
	return errors.As(err, &perr)
}

// IsFatal reports whether err is a protocol error that must close the connection.
func IsFatal(err error) bool {
	var perr *Error
	return errors.As(err, &perr) && perr.Fatal
}

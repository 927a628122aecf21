package protocol

import (
	"errors"
	"fmt"
)

// ErrCode classifies request failures on the wire.
type ErrCode string

const (
	CodeNotFound             ErrCode = "not_found"
	CodeInvalidRequest       ErrCode = "invalid_request"
	CodeUnavailable          ErrCode = "unavailable"
	CodeInsufficientFunds    ErrCode = "insufficient_funds"
	CodeTransferAborted      ErrCode = "transfer_aborted"
	CodeTransferFailed       ErrCode = "transfer_failed"
	CodeTransferInconsistent ErrCode = "transfer_inconsistent"
	CodeTransport            ErrCode = "transport"
)

// Error is a classified failure that maps onto an error response.
type Error struct {
	Code    ErrCode
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds a classified error.
func Errorf(code ErrCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorResponse converts an error into the wire error shape. Unclassified
// errors are reported as transport failures.
func ErrorResponse(err error) Response {
	var perr *Error
	if errors.As(err, &perr) {
		return Response{Status: StatusError, Message: perr.Message, Code: perr.Code}
	}
	return Response{Status: StatusError, Message: err.Error(), Code: CodeTransport}
}

// ResponseError reconstructs a classified error from an error response, so a
// caller can branch on the code of a downstream failure.
func ResponseError(r Response) *Error {
	if r.IsSuccess() {
		return nil
	}
	code := r.Code
	if code == "" {
		code = CodeTransport
	}
	return &Error{Code: code, Message: r.Message}
}

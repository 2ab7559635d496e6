// Package bridgeerr defines the error taxonomy shared by every bridge
// component. An *Error carries a stable code, a human readable message and
// optional structured details; it is exactly what crosses the wire inside an
// ERROR message.
//
// Sentinels allow errors.Is matching regardless of message or details:
//
//	if errors.Is(err, bridgeerr.ErrVersionConflict) { /* resync and retry */ }
package bridgeerr

import (
	"errors"
	"fmt"
)

// Code is a stable machine readable error identifier.
type Code string

const (
	CodeCapacityExceeded  Code = "CAPACITY_EXCEEDED"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodeAuthMismatch      Code = "AUTH_MISMATCH"
	CodeUnauthorized      Code = "UNAUTHORIZED"
	CodeInvalidMessage    Code = "INVALID_MESSAGE"
	CodeInvalidPayload    Code = "INVALID_PAYLOAD"
	CodeChecksumMismatch  Code = "CHECKSUM_MISMATCH"
	CodeVersionConflict   Code = "VERSION_CONFLICT"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeTimeout           Code = "TIMEOUT"
	CodeTransferFailed    Code = "TRANSFER_FAILED"
	CodeInternal          Code = "INTERNAL_ERROR"
)

var (
	ErrCapacityExceeded  = errors.New("capacity exceeded")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrAuthMismatch      = errors.New("identity mismatch")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTimeout           = errors.New("timeout")
	ErrTransferFailed    = errors.New("transfer failed")
	ErrInternal          = errors.New("internal error")
)

var sentinels = map[Code]error{
	CodeCapacityExceeded:  ErrCapacityExceeded,
	CodeNotFound:          ErrNotFound,
	CodeAlreadyExists:     ErrAlreadyExists,
	CodeAuthMismatch:      ErrAuthMismatch,
	CodeUnauthorized:      ErrUnauthorized,
	CodeInvalidMessage:    ErrInvalidMessage,
	CodeInvalidPayload:    ErrInvalidPayload,
	CodeChecksumMismatch:  ErrChecksumMismatch,
	CodeVersionConflict:   ErrVersionConflict,
	CodeInvalidTransition: ErrInvalidTransition,
	CodeTimeout:           ErrTimeout,
	CodeTransferFailed:    ErrTransferFailed,
	CodeInternal:          ErrInternal,
}

// Error is a coded bridge error.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`

	cause error
}

// New builds an Error. details may be nil.
func New(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

// Newf builds an Error with a formatted message and no details.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that unwraps to cause.
func Wrap(code Code, cause error, message string) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches the sentinel for the error's code and any *Error with the same
// code.
func (e *Error) Is(target error) bool {
	if s, ok := sentinels[e.Code]; ok && s == target {
		return true
	}
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// WithDetail returns a copy of e with key set in its details.
func (e *Error) WithDetail(key string, value any) *Error {
	cp := *e
	cp.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// CodeOf returns the code of err, or CodeInternal when err carries none.
func CodeOf(err error) Code {
	return From(err).Code
}

// From converts any error into an *Error. Errors already in the chain are
// returned as-is; bare sentinels get their code; everything else maps to
// CodeInternal.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	for code, s := range sentinels {
		if errors.Is(err, s) {
			return Wrap(code, err, s.Error())
		}
	}
	return Wrap(CodeInternal, err, "internal error")
}

// Copyright (c) 2024 The govarstored Authors
//
// SPDX-License-Identifier: Apache-2.0
//

// Package efistatus defines the UEFI status codes returned to the guest
// in command responses, and a typed error that carries one of them.
package efistatus

import "fmt"

// Code is a UEFI status code as defined by the UEFI specification's
// EFI_STATUS encoding (high bit set for errors).
type Code uint64

// Status codes surfaced to the guest. Values match the UEFI spec's
// error encoding: 0x8000000000000000 | <code>.
const (
	Success           Code = 0
	InvalidParameter  Code = 0x8000000000000002
	Unsupported       Code = 0x8000000000000003
	BufferTooSmall    Code = 0x8000000000000005
	WriteProtected    Code = 0x8000000000000008
	OutOfResources    Code = 0x8000000000000009
	NotFound          Code = 0x800000000000000E
	SecurityViolation Code = 0x800000000000001A
)

func (c Code) String() string {
	switch c {
	case Success:
		return "Success"
	case InvalidParameter:
		return "InvalidParameter"
	case Unsupported:
		return "Unsupported"
	case BufferTooSmall:
		return "BufferTooSmall"
	case WriteProtected:
		return "WriteProtected"
	case OutOfResources:
		return "OutOfResources"
	case NotFound:
		return "NotFound"
	case SecurityViolation:
		return "SecurityViolation"
	default:
		return fmt.Sprintf("Code(0x%x)", uint64(c))
	}
}

// Error wraps a status code returned from a command-scope operation.
// RequiredSize is meaningful only when Code == BufferTooSmall, in which
// case it is serialized back to the guest immediately after the status.
type Error struct {
	Code         Code
	RequiredSize uint64
	msg          string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.msg)
	}
	return e.Code.String()
}

// New builds an Error for the given code with an explanatory message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, msg: fmt.Sprintf(format, args...)}
}

// TooSmall builds a BufferTooSmall error carrying the size the guest
// must supply on retry.
func TooSmall(required uint64) *Error {
	return &Error{Code: BufferTooSmall, RequiredSize: required, msg: "buffer too small"}
}

// As extracts an *Error from err, or reports ok=false if err does not
// carry a status code (in which case callers should treat it as
// InvalidParameter, per the wire-error rule in the error taxonomy).
func As(err error) (*Error, bool) {
	se, ok := err.(*Error)
	return se, ok
}

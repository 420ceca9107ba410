package libmodule

import (
	"errors"
	"fmt"
)

// Code is a small numeric error taxonomy, mirroring the negative errno-style
// return codes of the original C implementation (EINVAL, ENOMEM, ENOENT,
// EEXIST, EACCES, EPERM, EAGAIN). Success is represented by the absence of
// an error, not by a zero Code; Code is only meaningful on a non-nil error
// produced by this package.
type Code int

const (
	// CodeInvalidArgument mirrors EINVAL: null handles, wrong ranges, bad
	// flag combinations.
	CodeInvalidArgument Code = iota + 1
	// CodeOutOfMemory mirrors ENOMEM: allocation failure.
	CodeOutOfMemory
	// CodeNotFound mirrors ENOENT: deregister of unknown source, Ref miss.
	CodeNotFound
	// CodeAlreadyExists mirrors EEXIST: duplicate registration without
	// ModAllowReplace.
	CodeAlreadyExists
	// CodeStateViolation mirrors EACCES: transition requested from an
	// incompatible state, or use of a ZOMBIE handle.
	CodeStateViolation
	// CodePermissionDenied mirrors EPERM: operation forbidden by module
	// flags, or by context finalization / PERSIST.
	CodePermissionDenied
	// CodeWouldBlock mirrors EAGAIN: pub/sub queue full without
	// PSProcessLater.
	CodeWouldBlock
)

// String implements [fmt.Stringer].
func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "invalid-argument"
	case CodeOutOfMemory:
		return "out-of-memory"
	case CodeNotFound:
		return "not-found"
	case CodeAlreadyExists:
		return "already-exists"
	case CodeStateViolation:
		return "state-violation"
	case CodePermissionDenied:
		return "permission-denied"
	case CodeWouldBlock:
		return "would-block"
	default:
		return fmt.Sprintf("unknown-code(%d)", int(c))
	}
}

// Error is the concrete error type returned by this package's public API.
// It carries a [Code] for programmatic matching (via [errors.Is] against
// the package-level sentinels, or a direct type assertion) plus a
// human-readable message and optional wrapped cause.
type Error struct {
	Code    Code
	Op      string // the operation that failed, e.g. "Register", "Publish"
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.String()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the wrapped cause, for [errors.Is] / [errors.As].
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel error for e's Code, enabling
// errors.Is(err, ErrNotFound) style matching without a type assertion.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Code == e.Code
	}
	switch e.Code {
	case CodeInvalidArgument:
		return target == ErrInvalidArgument
	case CodeOutOfMemory:
		return target == ErrOutOfMemory
	case CodeNotFound:
		return target == ErrNotFound
	case CodeAlreadyExists:
		return target == ErrAlreadyExists
	case CodeStateViolation:
		return target == ErrStateViolation
	case CodePermissionDenied:
		return target == ErrPermissionDenied
	case CodeWouldBlock:
		return target == ErrWouldBlock
	}
	return false
}

// newErr constructs an *Error for op with the given code and message.
func newErr(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Message: msg}
}

// wrapErr constructs an *Error for op, wrapping cause.
func wrapErr(op string, code Code, msg string, cause error) *Error {
	return &Error{Op: op, Code: code, Message: msg, Cause: cause}
}

// Sentinel errors, one per [Code], for use with [errors.Is]. These are the
// canonical instances, with no Op; API calls generally return a more
// specific *Error whose Is method still matches these.
var (
	ErrInvalidArgument  = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
	ErrOutOfMemory      = &Error{Code: CodeOutOfMemory, Message: "out of memory"}
	ErrNotFound         = &Error{Code: CodeNotFound, Message: "not found"}
	ErrAlreadyExists    = &Error{Code: CodeAlreadyExists, Message: "already exists"}
	ErrStateViolation   = &Error{Code: CodeStateViolation, Message: "invalid state for operation"}
	ErrPermissionDenied = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrWouldBlock       = &Error{Code: CodeWouldBlock, Message: "operation would block"}
)

// ErrNotSupported is returned by façade entry points that exist for
// interface parity with the original C API (plugin loading) but have no
// idiomatic Go equivalent. It is not part of the numeric Code taxonomy
// since it does not correspond to an original errno.
var ErrNotSupported = errors.New("libmodule: operation not supported")

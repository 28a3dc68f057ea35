package pioerr

import (
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"runtime/debug"
	"syscall"
)

// Class groups status codes by how they propagate.
type Class int

const (
	ClassNone Class = iota
	ClassInvalidArgument
	ClassUnknownHandle
	ClassOutOfMemory
	ClassUnsupportedType
	ClassTransport
	ClassBackend
	ClassHost
	ClassFatal
)

var classNames = map[Class]string{
	ClassNone:            "none",
	ClassInvalidArgument: "invalid_argument",
	ClassUnknownHandle:   "unknown_handle",
	ClassOutOfMemory:     "out_of_memory",
	ClassUnsupportedType: "unsupported_type",
	ClassTransport:       "transport",
	ClassBackend:         "backend",
	ClassHost:            "host",
	ClassFatal:           "fatal",
}

func (c Class) String() string {
	if name, ok := classNames[c]; ok {
		return name
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// ClassOf maps a bare status code to its default class.
func ClassOf(code int) Class {
	switch {
	case code == NoErr:
		return ClassNone
	case code > 0:
		return ClassHost
	}
	switch code {
	case EINVAL:
		return ClassInvalidArgument
	case EBADID:
		return ClassUnknownHandle
	case ENOMEM:
		return ClassOutOfMemory
	case EBADIOTYPE, EBADTYPE:
		return ClassUnsupportedType
	}
	return ClassBackend
}

// Error is a non-fatal failure carrying a status code.
type Error struct {
	Err   error
	Op    string
	Code  int
	class Class
}

// Sentinels usable with errors.Is.
var (
	ErrBadID     = &Error{Code: EBADID}
	ErrInvalid   = &Error{Code: EINVAL}
	ErrIO        = &Error{Code: EIO}
	ErrBadIOType = &Error{Code: EBADIOTYPE}
)

// New returns an error for code raised by op.
func New(code int, op string) *Error {
	return &Error{Code: code, Op: op, class: ClassOf(code)}
}

// Newf is New with a formatted detail message.
func Newf(code int, op, format string, args ...any) *Error {
	return &Error{Code: code, Op: op, Err: fmt.Errorf(format, args...), class: ClassOf(code)}
}

// Wrap attaches a cause to a status code.
func Wrap(code int, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err, class: ClassOf(code)}
}

// Transport turns a communication failure into the generic I/O code.
func Transport(op string, err error) *Error {
	return &Error{Code: EIO, Op: op, Err: err, class: ClassTransport}
}

// Backend wraps a backend status code.
func Backend(code int, op string) *Error {
	class := ClassBackend
	if code > 0 {
		class = ClassHost
	}
	return &Error{Code: code, Op: op, class: class}
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (%d)", Strerror(e.Code), e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels by code; a sentinel has neither Op nor cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Op == "" && t.Err == nil && t.Code == e.Code
}

// Class reports how the error propagates.
func (e *Error) Class() Class {
	if e.class == ClassNone && e.Code != NoErr {
		return ClassOf(e.Code)
	}
	return e.class
}

// FatalError is an unrecoverable condition. Library code returns it; the top-level
// runner terminates the process.
type FatalError struct {
	Err   error
	Msg   string
	File  string
	Trace string
	Line  int
	Code  int
}

// Fatal records the caller location and the current stack.
func Fatal(code int, msg string, err error) *FatalError {
	_, file, line, _ := runtime.Caller(1)
	return &FatalError{
		Code:  code,
		Msg:   msg,
		Err:   err,
		File:  file,
		Line:  line,
		Trace: string(debug.Stack()),
	}
}

// MemError is the fatal error raised on allocation exhaustion. report is the
// allocator state at the time of the request.
func MemError(requested int64, report string) *FatalError {
	_, file, line, _ := runtime.Caller(1)
	return &FatalError{
		Code:  ENOMEM,
		Msg:   fmt.Sprintf("out of memory requesting: %d", requested),
		Err:   errors.New(report),
		File:  file,
		Line:  line,
		Trace: string(debug.Stack()),
	}
}

func (e *FatalError) Error() string {
	msg := fmt.Sprintf("Abort with message %s in file %s at line %d", e.Msg, e.File, e.Line)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Code extracts the signed status from err. nil is success.
func Code(err error) int {
	if err == nil {
		return NoErr
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.Code
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return int(syscall.ENOENT)
	}
	if errors.Is(err, fs.ErrPermission) {
		return int(syscall.EACCES)
	}
	return EIO
}

// Classify reports how err propagates.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var fe *FatalError
	if errors.As(err, &fe) {
		return ClassFatal
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class()
	}
	return ClassOf(Code(err))
}

// IsFatal reports whether err must terminate the process.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

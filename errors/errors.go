// This module implements errors which carry a stack trace, an optional wrapped
// inner error and an optional classification Kind.
//
// NOTE: This package intentionally mirrors the standard "errors" module.
// All poolq code should use this.
package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"runtime"
	"sync"
)

// Kind classifies an error so that callers can choose a fallback without
// string matching.
type Kind int

const (
	KindUnknown Kind = iota

	// A borrow could not be satisfied within the pool's wait timeout.
	// Recoverable; the caller may retry.
	KindPoolExhausted

	// The pool was closed while borrowing or while a handle was outstanding.
	KindPoolClosed

	// The dialer failed to create a connection.
	KindDialFailure

	// A job handler returned an error (or panicked).
	KindJobExecutionFailure

	// A queue entry reached FAILED because its retries ran out.
	KindRetryLimitExceeded
)

func (k Kind) String() string {
	switch k {
	case KindPoolExhausted:
		return "PoolExhausted"
	case KindPoolClosed:
		return "PoolClosed"
	case KindDialFailure:
		return "DialFailure"
	case KindJobExecutionFailure:
		return "JobExecutionFailure"
	case KindRetryLimitExceeded:
		return "RetryLimitExceeded"
	}
	return "Unknown"
}

// This interface exposes additional information about the error.
type PoolqError interface {
	// This returns the error message without the stack trace.
	GetMessage() string

	// This returns the wrapped error.  This returns nil if this does not wrap
	// another error.
	GetInner() error

	// This returns the classification of this error.  Errors created without
	// a kind inherit the kind of their inner error (if any).
	GetKind() Kind

	// Implements the built-in error interface.
	Error() string

	// Returns stack frames.
	StackFrames() []StackFrame

	// Returns string representation of stack frames, one function per line
	// followed by an indented file:line entry.
	GetStack() string
}

// Represents a single stack frame.
type StackFrame struct {
	PC         uintptr
	FuncName   string
	File       string
	LineNumber int
}

type baseError struct {
	msg   string
	kind  Kind
	inner error

	stack       []uintptr
	framesOnce  sync.Once
	stackFrames []StackFrame
}

// This returns the error string without stack trace information.
func GetMessage(err interface{}) string {
	switch e := err.(type) {
	case PoolqError:
		return extractFullErrorMessage(e, false)
	case error:
		return e.Error()
	default:
		return "Passed a non-error to GetMessage"
	}
}

// Implements the built-in error interface.  The returned string includes
// the messages of all wrapped errors and the stack of the deepest one.
func (e *baseError) Error() string {
	return extractFullErrorMessage(e, true)
}

func (e *baseError) GetMessage() string {
	return e.msg
}

func (e *baseError) GetInner() error {
	return e.inner
}

// Unwrap lets the standard library errors.Is / errors.As see the inner error.
func (e *baseError) Unwrap() error {
	return e.inner
}

func (e *baseError) GetKind() Kind {
	if e.kind != KindUnknown {
		return e.kind
	}
	if inner, ok := e.inner.(PoolqError); ok {
		return inner.GetKind()
	}
	return KindUnknown
}

// Two errors are considered the same (for errors.Is) when they carry the same
// non-unknown kind.  This makes the package sentinels match wrapped errors.
func (e *baseError) Is(target error) bool {
	t, ok := target.(*baseError)
	if !ok || t.kind == KindUnknown {
		return false
	}
	return e.GetKind() == t.kind
}

func (e *baseError) StackFrames() []StackFrame {
	e.framesOnce.Do(func() {
		frames := runtime.CallersFrames(e.stack)
		for {
			frame, more := frames.Next()
			e.stackFrames = append(e.stackFrames, StackFrame{
				PC:         frame.PC,
				FuncName:   frame.Function,
				File:       frame.File,
				LineNumber: frame.Line,
			})
			if !more {
				break
			}
		}
	})
	return e.stackFrames
}

func (e *baseError) GetStack() string {
	buf := bytes.NewBuffer(make([]byte, 0, 256))
	for _, frame := range e.StackFrames() {
		_, _ = buf.WriteString(frame.FuncName)
		_, _ = buf.WriteString("\n")
		fmt.Fprintf(buf, "\t%s:%d +0x%x\n",
			frame.File, frame.LineNumber, frame.PC)
	}
	return buf.String()
}

// This returns a new error initialized with the given message and the
// current stack trace.
func New(msg string) PoolqError {
	return newError(nil, KindUnknown, msg)
}

// Same as New, but with fmt.Printf-style parameters.
func Newf(format string, args ...interface{}) PoolqError {
	return newError(nil, KindUnknown, fmt.Sprintf(format, args...))
}

// Wraps another error in a new error.
func Wrap(err error, msg string) PoolqError {
	return newError(err, KindUnknown, msg)
}

// Same as Wrap, but with fmt.Printf-style parameters.
func Wrapf(err error, format string, args ...interface{}) PoolqError {
	return newError(err, KindUnknown, fmt.Sprintf(format, args...))
}

// Same as New, but the error is classified with the given kind.
func NewKind(kind Kind, msg string) PoolqError {
	return newError(nil, kind, msg)
}

// Same as Wrapf, but the error is classified with the given kind.
func WrapKind(err error, kind Kind, format string, args ...interface{}) PoolqError {
	return newError(err, kind, fmt.Sprintf(format, args...))
}

// Helper for the constructors above.  If there is more than one level of
// indirection to reach this function, stack frames will include that level.
func newError(err error, kind Kind, msg string) *baseError {
	stack := make([]uintptr, 200)
	stackLength := runtime.Callers(3, stack)
	return &baseError{
		msg:   msg,
		kind:  kind,
		stack: stack[:stackLength],
		inner: err,
	}
}

// Returns the kind of err, looking through wrapped errors.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(PoolqError); ok {
			if k := e.GetKind(); k != KindUnknown {
				return k
			}
		}
		err = stderrors.Unwrap(err)
	}
	return KindUnknown
}

// Returns true if err (or any error it wraps) is classified as kind.
func IsKind(err error, kind Kind) bool {
	return kind != KindUnknown && KindOf(err) == kind
}

// Constructs full error message for a given PoolqError by traversing all of
// its inner errors.  If includeStack is true it will also include the stack
// trace from the deepest PoolqError in the chain.
func extractFullErrorMessage(e PoolqError, includeStack bool) string {
	var lastErr PoolqError
	errMsg := bytes.NewBuffer(make([]byte, 0, 1024))

	cur := e
	for {
		lastErr = cur
		errMsg.WriteString(cur.GetMessage())

		innerErr := cur.GetInner()
		if innerErr == nil {
			break
		}
		next, ok := innerErr.(PoolqError)
		if !ok {
			errMsg.WriteString("\n")
			errMsg.WriteString(innerErr.Error())
			break
		}
		errMsg.WriteString("\n")
		cur = next
	}
	if includeStack {
		errMsg.WriteString("\nORIGINAL STACK TRACE:\n")
		errMsg.WriteString(lastErr.GetStack())
	}
	return errMsg.String()
}

// Keep peeling away layers of context until a primitive error is revealed.
func RootError(err error) error {
	for i := 0; i < 20 && err != nil; i++ {
		inner := stderrors.Unwrap(err)
		if inner == nil {
			return err
		}
		err = inner
	}
	return err
}

// Is, As and Unwrap forward to the standard library so that callers only
// need to import one errors package.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target interface{}) bool { return stderrors.As(err, target) }

func Unwrap(err error) error { return stderrors.Unwrap(err) }

package dbtypes

import "fmt"

// ErrKind enumerates the error kinds from spec §6/§7. Every fallible engine
// operation returns an *Error (or nil); panics are reserved for true
// invariant violations such as a corrupt in-memory page layout.
type ErrKind int

const (
	KindNone ErrKind = iota
	KindIO
	KindFileAccess
	KindWrongObjectType
	KindDataCorrupted
	KindProgramLimitExceed
	KindInvalidState
	KindInvalidArgument
	KindOutOfMemory
)

func (k ErrKind) String() string {
	switch k {
	case KindIO:
		return "Io"
	case KindFileAccess:
		return "FileAccess"
	case KindWrongObjectType:
		return "WrongObjectType"
	case KindDataCorrupted:
		return "DataCorrupted"
	case KindProgramLimitExceed:
		return "ProgramLimitExceed"
	case KindInvalidState:
		return "InvalidState"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindOutOfMemory:
		return "OutOfMemory"
	default:
		return "None"
	}
}

// Error is the typed error every package in this module returns.
type Error struct {
	Kind    ErrKind
	Op      string // component/operation that raised it, e.g. "smgr.read"
	Message string
	Err     error // wrapped cause, if any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is(err, dbtypes.KindX) style checks by comparing kinds
// when the target is also an *Error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New builds an *Error with no wrapped cause.
func New(kind ErrKind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an *Error that wraps an underlying cause.
func Wrap(kind ErrKind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

// KindOf extracts the ErrKind from err, or KindNone if err is not (or does
// not wrap) an *Error.
func KindOf(err error) ErrKind {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind
	}
	return KindNone
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

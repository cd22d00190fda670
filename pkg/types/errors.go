package types

import (
	"errors"
	"fmt"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorKind classifies every error surfaced by the runtime.
type ErrorKind int

const (
	KindConnection ErrorKind = iota + 1
	KindInvalidState
	KindInvalidPath
	KindUnknownElement
	KindTypeMismatch
	KindValidation
	KindCommit
	KindLocked
	KindTimeout
	KindOperation
	KindNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "ConnectionError"
	case KindInvalidState:
		return "InvalidStateError"
	case KindInvalidPath:
		return "InvalidPathError"
	case KindUnknownElement:
		return "UnknownElementError"
	case KindTypeMismatch:
		return "TypeMismatchError"
	case KindValidation:
		return "ValidationError"
	case KindCommit:
		return "CommitError"
	case KindLocked:
		return "LockedError"
	case KindTimeout:
		return "TimeoutError"
	case KindOperation:
		return "OperationError"
	case KindNotFound:
		return "NotFoundError"
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// sentinels usable with errors.Is
var (
	ErrConnection     = &Error{Kind: KindConnection}
	ErrInvalidState   = &Error{Kind: KindInvalidState}
	ErrInvalidPath    = &Error{Kind: KindInvalidPath}
	ErrUnknownElement = &Error{Kind: KindUnknownElement}
	ErrTypeMismatch   = &Error{Kind: KindTypeMismatch}
	ErrValidation     = &Error{Kind: KindValidation}
	ErrCommit         = &Error{Kind: KindCommit}
	ErrLocked         = &Error{Kind: KindLocked}
	ErrTimeout        = &Error{Kind: KindTimeout}
	ErrOperation      = &Error{Kind: KindOperation}
	ErrNotFound       = &Error{Kind: KindNotFound}
)

// Diagnostic is a single (message, path) pair reported by validation.
type Diagnostic struct {
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

func (d Diagnostic) String() string {
	if d.Path == "" {
		return d.Message
	}
	return fmt.Sprintf("%s (path %q)", d.Message, d.Path)
}

// Error is the concrete error type of the runtime.
type Error struct {
	Kind        ErrorKind
	Msg         string
	Path        string
	Diagnostics []Diagnostic
	Err         error
}

func (e *Error) Error() string {
	sb := &strings.Builder{}
	sb.WriteString(e.Kind.String())
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Path != "" {
		fmt.Fprintf(sb, " (path %q)", e.Path)
	}
	for _, d := range e.Diagnostics {
		sb.WriteString("; ")
		sb.WriteString(d.String())
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. Sentinels carry
// no message, so any error of the kind matches them.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// GRPCStatus lets status.FromError map runtime errors onto gRPC codes.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Kind.GRPCCode(), e.Error())
}

func (k ErrorKind) GRPCCode() codes.Code {
	switch k {
	case KindConnection:
		return codes.Unavailable
	case KindInvalidState, KindLocked:
		return codes.FailedPrecondition
	case KindInvalidPath, KindUnknownElement, KindTypeMismatch, KindValidation:
		return codes.InvalidArgument
	case KindCommit:
		return codes.Aborted
	case KindTimeout:
		return codes.DeadlineExceeded
	case KindNotFound:
		return codes.NotFound
	case KindOperation:
		return codes.Internal
	}
	return codes.Unknown
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

func newError(k ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func NewConnectionError(err error, format string, args ...any) *Error {
	e := newError(KindConnection, format, args...)
	e.Err = err
	return e
}

func NewInvalidStateError(format string, args ...any) *Error {
	return newError(KindInvalidState, format, args...)
}

func NewInvalidPathError(path string, format string, args ...any) *Error {
	e := newError(KindInvalidPath, format, args...)
	e.Path = path
	return e
}

func NewUnknownElementError(path string, format string, args ...any) *Error {
	e := newError(KindUnknownElement, format, args...)
	e.Path = path
	return e
}

func NewTypeMismatchError(path string, err error) *Error {
	return &Error{Kind: KindTypeMismatch, Path: path, Err: err}
}

func NewValidationError(diags ...Diagnostic) *Error {
	return &Error{Kind: KindValidation, Msg: "validation failed", Diagnostics: diags}
}

func NewCommitError(err error, format string, args ...any) *Error {
	e := newError(KindCommit, format, args...)
	e.Err = err
	return e
}

func NewLockedError(module string, owner string) *Error {
	if owner == "" {
		return newError(KindLocked, "module %q is locked", module)
	}
	return newError(KindLocked, "module %q is locked by session %s", module, owner)
}

func NewTimeoutError(format string, args ...any) *Error {
	return newError(KindTimeout, format, args...)
}

func NewOperationError(err error, format string, args ...any) *Error {
	e := newError(KindOperation, format, args...)
	e.Err = err
	return e
}

func NewNotFoundError(path string) *Error {
	return &Error{Kind: KindNotFound, Msg: "no data found", Path: path}
}

// Message returns the innermost human readable message of err. Callback
// errors surfaced through a veto keep the message the subscriber produced.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Err != nil {
			return Message(e.Err)
		}
		if e.Msg != "" {
			return e.Msg
		}
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

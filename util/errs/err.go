package errs

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

const (
	ErrCodeGeneric               string = "XXXX"
	ErrCodeUnknownError          string = "UNKNOWN_ERROR"
	ErrCodeIllegalArgument       string = "ILLEGAL_ARGUMENT"
	ErrCodeEmptyMappings         string = "EMPTY_MAPPINGS"
	ErrCodeDuplicateMapping      string = "DUPLICATE_MAPPING"
	ErrCodeInvalidMapping        string = "INVALID_MAPPING"
	ErrCodeProviderTypeMismatch  string = "PROVIDER_TYPE_MISMATCH"
	ErrCodeEntityNotFound        string = "ENTITY_NOT_FOUND"
	ErrCodeEntityAlreadyExists   string = "ENTITY_ALREADY_EXISTS"
	ErrCodeInsufficientPerm      string = "INSUFFICIENT_PERMISSION"
	ErrCodeAmbiguousMapping      string = "AMBIGUOUS_MAPPING"
	ErrCodeNotConfigured         string = "NOT_CONFIGURED"
	ErrCodeAmbiguousDeserializer string = "AMBIGUOUS_DESERIALIZER"
	ErrCodeNotPeekLock           string = "NOT_PEEK_LOCK"
	ErrCodeStreamCompleted       string = "STREAM_COMPLETED"
	ErrCodeUnsupported           string = "UNSUPPORTED"
)

var (
	ErrUnknownError          *MisoErr = NewErrfCode(ErrCodeUnknownError, "Unknown Error")
	ErrIllegalArgument       *MisoErr = NewErrfCode(ErrCodeIllegalArgument, "Illegal Argument")
	ErrEmptyMappings         *MisoErr = NewErrfCode(ErrCodeEmptyMappings, "No entity mapping configured")
	ErrDuplicateMapping      *MisoErr = NewErrfCode(ErrCodeDuplicateMapping, "Duplicate entity mapping")
	ErrInvalidMapping        *MisoErr = NewErrfCode(ErrCodeInvalidMapping, "Invalid entity mapping")
	ErrProviderTypeMismatch  *MisoErr = NewErrfCode(ErrCodeProviderTypeMismatch, "Property provider type is not a service message")
	ErrEntityNotFound        *MisoErr = NewErrfCode(ErrCodeEntityNotFound, "Entity does not exist")
	ErrEntityAlreadyExists   *MisoErr = NewErrfCode(ErrCodeEntityAlreadyExists, "Entity already exists")
	ErrInsufficientPerm      *MisoErr = NewErrfCode(ErrCodeInsufficientPerm, "Insufficient permission")
	ErrAmbiguousMapping      *MisoErr = NewErrfCode(ErrCodeAmbiguousMapping, "Ambiguous entity mapping")
	ErrNotConfigured         *MisoErr = NewErrfCode(ErrCodeNotConfigured, "Message type not configured")
	ErrAmbiguousDeserializer *MisoErr = NewErrfCode(ErrCodeAmbiguousDeserializer, "Ambiguous deserializer")
	ErrNotPeekLock           *MisoErr = NewErrfCode(ErrCodeNotPeekLock, "Message was not received in peek-lock mode")
	ErrStreamCompleted       *MisoErr = NewErrfCode(ErrCodeStreamCompleted, "Message stream completed")
	ErrUnsupported           *MisoErr = NewErrfCode(ErrCodeUnsupported, "Operation not supported")
)

// Misobus Error.
//
//	Use NewErrf(...) to instantiate.
type MisoErr struct {
	code        string // error code.
	msg         string // error message.
	internalMsg string // extra context, e.g., the entity path.
	stack       string
	err         error
}

func (e *MisoErr) Cause() error {
	return e.err
}

func (e *MisoErr) InternalMsg() string {
	return e.internalMsg
}

func (e *MisoErr) Msg() string {
	return e.msg
}

func (e *MisoErr) Code() string {
	return e.code
}

func (e *MisoErr) StackTrace() string {
	return e.stack
}

// Create new *MisoErr to wrap the cause error
//
// if cause is nil, nil is returned.
func (e *MisoErr) Wrap(cause error) error {
	if cause == nil {
		return nil
	}
	n := e.copyNew()
	n.err = cause
	n.withStack()
	return n
}

// Create new *MisoErr to wrap the cause error
//
// if cause is nil, nil is returned.
func (e *MisoErr) Wrapf(cause error, internalMsg string, args ...any) error {
	if cause == nil {
		return nil
	}
	n := e.copyNew()
	n.err = cause
	n.withStack()
	if len(args) > 0 {
		n.internalMsg = fmt.Sprintf(internalMsg, args...)
	} else {
		n.internalMsg = internalMsg
	}
	return n
}

func (e *MisoErr) copyNew() *MisoErr {
	n := new(MisoErr)
	n.code = e.code
	n.msg = e.msg
	n.internalMsg = e.internalMsg
	n.stack = e.stack
	n.err = e.err
	return n
}

func (e *MisoErr) New() error {
	n := e.copyNew()
	n.withStack()
	return n
}

func (e *MisoErr) Error() string {
	tok := []string{}
	if e.msg != "" {
		tok = append(tok, e.msg)
	}
	if e.internalMsg != "" {
		tok = append(tok, e.internalMsg)
	}
	if uw := e.Unwrap(); uw != nil {
		tok = append(tok, uw.Error())
	}
	return strings.Join(tok, ", ")
}

func (e *MisoErr) WithCode(code string) *MisoErr {
	n := e.copyNew()
	n.code = code
	return n
}

// Implements *MisoErr Is check.
//
// Returns true, if both are *MisoErr and the code matches.
//
// WithInternalMsg always create new error, so we can basically
// reuse the same predefined error:
//
//	var e1 = ErrEntityNotFound.WithInternalMsg(...)
//
//	errors.Is(e1, ErrEntityNotFound)
func (e *MisoErr) Is(target error) bool {
	if tme, ok := target.(*MisoErr); ok && e.code != "" && e.code == tme.code {
		return true
	}
	return false
}

func (e *MisoErr) WithInternalMsg(msg string, args ...any) *MisoErr {
	ne := e.copyNew()
	ne.withStack()
	if len(args) > 0 {
		ne.internalMsg = fmt.Sprintf(msg, args...)
	} else {
		ne.internalMsg = msg
	}
	return ne
}

func (e *MisoErr) withStack() *MisoErr {
	e.stack = stack(3)
	return e
}

func (e *MisoErr) Unwrap() error {
	return e.err
}

// Create new *MisoErr with message.
func NewErrf(msg string, args ...any) *MisoErr {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	me := &MisoErr{msg: msg}
	me.withStack()
	return me
}

// Create new *MisoErr with message and error code.
func NewErrfCode(code string, msg string, args ...any) *MisoErr {
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	me := &MisoErr{msg: msg, code: code}
	me.withStack()
	return me
}

// Wrap an error to create new *MisoErr with stacktrace.
//
// If err is nil, nil is returned.
//
// If err is *MisoErr, err is returned directly.
func WrapErr(err error) error {
	if err == nil {
		return nil
	}
	if me, ok := err.(*MisoErr); ok {
		return me
	}
	me := &MisoErr{err: err}
	me.withStack()
	return me
}

// Wrap an error to create new MisoErr with message.
//
// If the wrapped err is nil, nil is returned.
func WrapErrf(err error, msg string, args ...any) error {
	if err == nil {
		return nil
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	me := &MisoErr{msg: msg, err: err}
	me.withStack()
	return me
}

// Find the innermost stacktrace captured by *MisoErr.
func UnwrapErrStack(err error) (string, bool) {
	var stack string
	var ue error = err
	for {
		if me, ok := ue.(*MisoErr); ok {
			if me != nil {
				stack = me.stack
			}
		}
		u := errors.Unwrap(ue)
		if u == nil {
			break
		}
		ue = u
	}

	return stack, stack != ""
}

var stackPool = sync.Pool{
	New: func() any {
		var v []uintptr = make([]uintptr, 50)
		return &v
	},
}

func stack(n int) string {
	stack := stackPool.Get().(*[]uintptr)
	defer func() {
		clear(*stack)
		stackPool.Put(stack)
	}()

	length := runtime.Callers(n, *stack)
	frames := runtime.CallersFrames((*stack)[:length])
	b := strings.Builder{}

	for {
		f, next := frames.Next()
		if !next {
			break
		}
		b.WriteString(fmt.Sprintf("\n\t%v\n\t\t%v:%v", f.Function, f.File, f.Line))
	}
	return b.String()
}

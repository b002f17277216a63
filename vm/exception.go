package vm

import (
	"errors"
	"fmt"
	"strings"
)

// Exception types.
var (
	BaseExceptionType     = newBuiltinType("BaseException", ObjectType)
	ExceptionType         = newBuiltinType("Exception", BaseExceptionType)
	TypeErrorType         = newBuiltinType("TypeError", ExceptionType)
	AttributeErrorType    = newBuiltinType("AttributeError", ExceptionType)
	NameErrorType         = newBuiltinType("NameError", ExceptionType)
	UnboundLocalErrorType = newBuiltinType("UnboundLocalError", NameErrorType)
	ArithmeticErrorType   = newBuiltinType("ArithmeticError", ExceptionType)
	ZeroDivisionErrorType = newBuiltinType("ZeroDivisionError", ArithmeticErrorType)
	OverflowErrorType     = newBuiltinType("OverflowError", ArithmeticErrorType)
	LookupErrorType       = newBuiltinType("LookupError", ExceptionType)
	IndexErrorType        = newBuiltinType("IndexError", LookupErrorType)
	ValueErrorType        = newBuiltinType("ValueError", ExceptionType)
	StopIterationType     = newBuiltinType("StopIteration", ExceptionType)
	RuntimeErrorType      = newBuiltinType("RuntimeError", ExceptionType)
	RecursionErrorType    = newBuiltinType("RecursionError", RuntimeErrorType)
)

// TraceEntry records one frame an exception passed through.
type TraceEntry struct {
	Func string
	Line int
}

// Exception is a raised (or raisable) exception object. It implements error
// so slow paths can return it directly.
type Exception struct {
	typ   *Type
	Args  []Object
	Trace []TraceEntry
}

// NewError creates an exception of type t with a single message argument.
func NewError(t *Type, msg string) *Exception {
	return &Exception{typ: t, Args: []Object{Str(msg)}}
}

// Errorf creates an exception of type t with a formatted message.
func Errorf(t *Type, format string, args ...any) *Exception {
	return NewError(t, fmt.Sprintf(format, args...))
}

// Type implements Object.
func (e *Exception) Type() *Type { return e.typ }

// Message returns the exception's arguments rendered as text.
func (e *Exception) Message() string {
	switch len(e.Args) {
	case 0:
		return ""
	case 1:
		return ToStr(e.Args[0])
	}
	parts := make([]string, len(e.Args))
	for i, a := range e.Args {
		parts[i] = Repr(a)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Error implements error.
func (e *Exception) Error() string {
	if msg := e.Message(); msg != "" {
		return e.typ.Name + ": " + msg
	}
	return e.typ.Name
}

// Matches reports whether the exception is an instance of t.
func (e *Exception) Matches(t *Type) bool {
	return e.typ.IsSubtype(t)
}

// addTrace appends a traceback entry for the frame being unwound.
func (e *Exception) addTrace(code *FunctionUnit, line int) {
	e.Trace = append(e.Trace, TraceEntry{Func: code.Name, Line: line})
}

// AsException converts an arbitrary error into an exception object.
func AsException(err error) *Exception {
	var exc *Exception
	if errors.As(err, &exc) {
		return exc
	}
	return NewError(RuntimeErrorType, err.Error())
}

func isExceptionType(o Object) (*Type, bool) {
	t, ok := o.(*Type)
	if !ok || !t.IsSubtype(BaseExceptionType) {
		return nil, false
	}
	return t, true
}

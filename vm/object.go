package vm

import (
	"fmt"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Object: the universal value interface
// ---------------------------------------------------------------------------

// Object is implemented by every value the engine manipulates.
type Object interface {
	Type() *Type
}

// Int is a 64-bit signed integer. Arithmetic that leaves the int64 range
// raises OverflowError instead of wrapping.
type Int int64

// Str is an immutable string.
type Str string

// Bool is a boolean. Only the two values True and False exist.
type Bool bool

// NoneType is the type of the None singleton.
type NoneType struct{}

// Singletons.
var (
	None  Object = &NoneType{}
	True  Object = Bool(true)
	False Object = Bool(false)
)

func (Int) Type() *Type       { return IntType }
func (Str) Type() *Type       { return StrType }
func (Bool) Type() *Type      { return BoolType }
func (*NoneType) Type() *Type { return NoneTypeType }

// NewBool returns True or False.
func NewBool(b bool) Object {
	if b {
		return True
	}
	return False
}

// Repr renders a value for diagnostics and error messages.
func Repr(o Object) string {
	switch v := o.(type) {
	case nil:
		return "<NULL>"
	case Int:
		return strconv.FormatInt(int64(v), 10)
	case Str:
		return strconv.Quote(string(v))
	case Bool:
		if v {
			return "True"
		}
		return "False"
	case *NoneType:
		return "None"
	case *List:
		parts := make([]string, len(v.Items))
		for i, it := range v.Items {
			parts[i] = Repr(it)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case *Type:
		return fmt.Sprintf("<class '%s'>", v.Name)
	case *Function:
		return fmt.Sprintf("<function %s>", v.Code.Name)
	case *Builtin:
		return fmt.Sprintf("<built-in function %s>", v.Name)
	case *BoundMethod:
		return fmt.Sprintf("<bound method %s>", Repr(v.Func))
	case *Exception:
		return v.Error()
	case *Instance:
		return fmt.Sprintf("<%s object>", v.typ.Name)
	}
	return fmt.Sprintf("<%s object>", o.Type().Name)
}

// ToStr renders a value the way str() would.
func ToStr(o Object) string {
	if s, ok := o.(Str); ok {
		return string(s)
	}
	return Repr(o)
}

// TypeName returns the name of o's type, tolerating nil.
func TypeName(o Object) string {
	if o == nil {
		return "NULL"
	}
	return o.Type().Name
}

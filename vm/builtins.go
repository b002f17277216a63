package vm

import (
	"strings"
)

// Builtin types.
var (
	ObjectType         = newBuiltinType("object", nil)
	TypeType           = newBuiltinType("type", ObjectType)
	IntType            = newBuiltinType("int", ObjectType)
	BoolType           = newBuiltinType("bool", IntType)
	StrType            = newBuiltinType("str", ObjectType)
	NoneTypeType       = newBuiltinType("NoneType", ObjectType)
	ListType           = newBuiltinType("list", ObjectType)
	RangeType          = newBuiltinType("range", ObjectType)
	IteratorType       = newBuiltinType("iterator", ObjectType)
	GeneratorType      = newBuiltinType("generator", ObjectType)
	FunctionType       = newBuiltinType("function", ObjectType)
	BuiltinType        = newBuiltinType("builtin_function_or_method", ObjectType)
	BuiltinMethodType  = newBuiltinType("method_descriptor", ObjectType)
	BoundMethodType    = newBuiltinType("method", ObjectType)
	PropertyType       = newBuiltinType("property", ObjectType)
	SlotDescriptorType = newBuiltinType("member_descriptor", ObjectType)
)

var builtinConstructors map[*Type]BuiltinFunc

func init() {
	builtinConstructors = map[*Type]BuiltinFunc{
		ListType: func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
			if len(args) == 0 {
				return NewList(), nil
			}
			items, err := rt.collect(ts, args[0])
			if err != nil {
				return nil, err
			}
			return NewList(items...), nil
		},
		StrType: func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
			if len(args) == 0 {
				return Str(""), nil
			}
			return Str(ToStr(args[0])), nil
		},
	}

	addMethod(ListType, "append", 1, func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
		l := args[0].(*List)
		l.Items = append(l.Items, args[1])
		return None, nil
	})
	addMethod(ListType, "pop", 0, func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
		l := args[0].(*List)
		if len(l.Items) == 0 {
			return nil, NewError(IndexErrorType, "pop from empty list")
		}
		v := l.Items[len(l.Items)-1]
		l.Items = l.Items[:len(l.Items)-1]
		return v, nil
	})
	addMethod(StrType, "upper", 0, func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
		return Str(strings.ToUpper(string(args[0].(Str)))), nil
	})
	addMethod(StrType, "join", 1, func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
		items, err := rt.collect(ts, args[1])
		if err != nil {
			return nil, err
		}
		parts := make([]string, len(items))
		for i, it := range items {
			s, ok := it.(Str)
			if !ok {
				return nil, Errorf(TypeErrorType, "sequence item %d: expected str instance, %s found", i, TypeName(it))
			}
			parts[i] = string(s)
		}
		return Str(strings.Join(parts, string(args[0].(Str)))), nil
	})
	addMethod(IntType, "bit_length", 0, func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
		v, _ := asInt(args[0])
		if v < 0 {
			v = -v
		}
		n := 0
		for ; v != 0; v >>= 1 {
			n++
		}
		return Int(n), nil
	})
}

func addMethod(t *Type, name string, arity int, fn BuiltinFunc) {
	t.dict.Set(name, &BuiltinMethod{Name: name, Owner: t, Arity: arity, Fn: fn})
}

// collect drains an iterable into a slice.
func (rt *RuntimeContext) collect(ts *ThreadState, o Object) ([]Object, error) {
	it, err := GetIter(o)
	if err != nil {
		return nil, err
	}
	var items []Object
	for {
		v, err := it.Next(rt, ts)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return items, nil
		}
		items = append(items, v)
	}
}

// NewBuiltins returns a fresh builtins namespace.
func NewBuiltins() *Dict {
	d := NewDict()
	fns := []*Builtin{
		{Name: "len", Arity: 1, Fn: builtinLen},
		{Name: "range", Arity: -1, Fn: builtinRange},
		{Name: "isinstance", Arity: 2, Fn: builtinIsinstance},
		{Name: "abs", Arity: 1, Fn: builtinAbs},
		{Name: "next", Arity: 1, Fn: builtinNext},
	}
	for _, fn := range fns {
		d.Set(fn.Name, fn)
	}
	for _, t := range []*Type{
		ObjectType, IntType, BoolType, StrType, ListType,
		BaseExceptionType, ExceptionType, TypeErrorType, AttributeErrorType,
		NameErrorType, UnboundLocalErrorType, ArithmeticErrorType,
		ZeroDivisionErrorType, OverflowErrorType, LookupErrorType,
		IndexErrorType, ValueErrorType, StopIterationType, RuntimeErrorType,
		RecursionErrorType,
	} {
		d.Set(t.Name, t)
	}
	d.Set("None", None)
	d.Set("True", True)
	d.Set("False", False)
	return d
}

func builtinLen(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
	switch v := args[0].(type) {
	case *List:
		return Int(len(v.Items)), nil
	case Str:
		return Int(len([]rune(string(v)))), nil
	}
	return nil, Errorf(TypeErrorType, "object of type '%s' has no len()", TypeName(args[0]))
}

func builtinRange(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
	var bounds [3]int64
	for i, a := range args {
		v, ok := asInt(a)
		if !ok {
			return nil, Errorf(TypeErrorType, "'%s' object cannot be interpreted as an integer", TypeName(a))
		}
		if i < 3 {
			bounds[i] = v
		}
	}
	switch len(args) {
	case 1:
		return &Range{Start: 0, Stop: bounds[0], Step: 1}, nil
	case 2:
		return &Range{Start: bounds[0], Stop: bounds[1], Step: 1}, nil
	case 3:
		if bounds[2] == 0 {
			return nil, NewError(ValueErrorType, "range() arg 3 must not be zero")
		}
		return &Range{Start: bounds[0], Stop: bounds[1], Step: bounds[2]}, nil
	}
	return nil, Errorf(TypeErrorType, "range expected 1 to 3 arguments, got %d", len(args))
}

func builtinIsinstance(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
	t, ok := args[1].(*Type)
	if !ok {
		return nil, NewError(TypeErrorType, "isinstance() arg 2 must be a type")
	}
	return NewBool(args[0].Type().IsSubtype(t)), nil
}

func builtinAbs(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
	v, ok := asInt(args[0])
	if !ok {
		return nil, Errorf(TypeErrorType, "bad operand type for abs(): '%s'", TypeName(args[0]))
	}
	if v < 0 {
		return Negate(Int(v))
	}
	return Int(v), nil
}

func builtinNext(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error) {
	it, ok := args[0].(Iterator)
	if !ok {
		return nil, Errorf(TypeErrorType, "'%s' object is not an iterator", TypeName(args[0]))
	}
	v, err := it.Next(rt, ts)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, NewError(StopIterationType, "")
	}
	return v, nil
}

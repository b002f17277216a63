package vm

import (
	"math"
	"strings"
)

// ---------------------------------------------------------------------------
// Operators
// ---------------------------------------------------------------------------

func asInt(o Object) (int64, bool) {
	switch v := o.(type) {
	case Int:
		return int64(v), true
	case Bool:
		if v {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

var binaryOpSymbols = map[Opcode]string{
	OpBinaryAdd:         "+",
	OpBinarySubtract:    "-",
	OpBinaryMultiply:    "*",
	OpBinaryFloorDivide: "//",
	OpBinaryModulo:      "%",
}

func unsupported(op Opcode, l, r Object) *Exception {
	return Errorf(TypeErrorType, "unsupported operand type(s) for %s: '%s' and '%s'", binaryOpSymbols[op], TypeName(l), TypeName(r))
}

// BinaryOp applies one of the BINARY_* arithmetic opcodes.
func BinaryOp(op Opcode, l, r Object) (Object, error) {
	a, lok := asInt(l)
	b, rok := asInt(r)
	if lok && rok {
		return intOp(op, a, b)
	}
	switch op {
	case OpBinaryAdd:
		switch lv := l.(type) {
		case Str:
			if rv, ok := r.(Str); ok {
				return lv + rv, nil
			}
		case *List:
			if rv, ok := r.(*List); ok {
				items := make([]Object, 0, len(lv.Items)+len(rv.Items))
				items = append(append(items, lv.Items...), rv.Items...)
				return NewList(items...), nil
			}
		}
	case OpBinaryMultiply:
		if s, ok := l.(Str); ok && rok {
			return repeatStr(s, b)
		}
		if s, ok := r.(Str); ok && lok {
			return repeatStr(s, a)
		}
		if lst, ok := l.(*List); ok && rok {
			return repeatList(lst, b)
		}
	}
	return nil, unsupported(op, l, r)
}

func intOp(op Opcode, a, b int64) (Object, error) {
	switch op {
	case OpBinaryAdd:
		s := a + b
		if (a > 0 && b > 0 && s < 0) || (a < 0 && b < 0 && s >= 0) {
			return nil, NewError(OverflowErrorType, "integer addition overflow")
		}
		return Int(s), nil
	case OpBinarySubtract:
		s := a - b
		if (a >= 0 && b < 0 && s < 0) || (a < 0 && b > 0 && s >= 0) {
			return nil, NewError(OverflowErrorType, "integer subtraction overflow")
		}
		return Int(s), nil
	case OpBinaryMultiply:
		if a == 0 || b == 0 {
			return Int(0), nil
		}
		p := a * b
		if p/b != a || (a == -1 && b == math.MinInt64) || (b == -1 && a == math.MinInt64) {
			return nil, NewError(OverflowErrorType, "integer multiplication overflow")
		}
		return Int(p), nil
	case OpBinaryFloorDivide:
		if b == 0 {
			return nil, NewError(ZeroDivisionErrorType, "integer division or modulo by zero")
		}
		if a == math.MinInt64 && b == -1 {
			return nil, NewError(OverflowErrorType, "integer division overflow")
		}
		q := a / b
		if a%b != 0 && (a < 0) != (b < 0) {
			q--
		}
		return Int(q), nil
	case OpBinaryModulo:
		if b == 0 {
			return nil, NewError(ZeroDivisionErrorType, "integer division or modulo by zero")
		}
		if b == -1 {
			return Int(0), nil
		}
		m := a % b
		if m != 0 && (m < 0) != (b < 0) {
			m += b
		}
		return Int(m), nil
	}
	return nil, unsupported(op, Int(a), Int(b))
}

func repeatStr(s Str, n int64) (Object, error) {
	if n <= 0 {
		return Str(""), nil
	}
	if int64(len(s))*n > 1<<30 {
		return nil, NewError(OverflowErrorType, "repeated string is too long")
	}
	return Str(strings.Repeat(string(s), int(n))), nil
}

func repeatList(l *List, n int64) (Object, error) {
	if n <= 0 {
		return NewList(), nil
	}
	if int64(len(l.Items))*n > 1<<26 {
		return nil, NewError(OverflowErrorType, "repeated list is too long")
	}
	items := make([]Object, 0, len(l.Items)*int(n))
	for i := int64(0); i < n; i++ {
		items = append(items, l.Items...)
	}
	return NewList(items...), nil
}

// Negate implements UNARY_NEGATIVE.
func Negate(o Object) (Object, error) {
	a, ok := asInt(o)
	if !ok {
		return nil, Errorf(TypeErrorType, "bad operand type for unary -: '%s'", TypeName(o))
	}
	if a == math.MinInt64 {
		return nil, NewError(OverflowErrorType, "integer negation overflow")
	}
	return Int(-a), nil
}

// IsTrue returns the truth value of o.
func IsTrue(o Object) bool {
	switch v := o.(type) {
	case Bool:
		return bool(v)
	case Int:
		return v != 0
	case Str:
		return v != ""
	case *NoneType:
		return false
	case *List:
		return len(v.Items) > 0
	case *Range:
		return (&rangeIterator{next: v.Start, stop: v.Stop, step: v.Step}).remaining()
	}
	return true
}

func (it *rangeIterator) remaining() bool {
	return (it.step > 0 && it.next < it.stop) || (it.step < 0 && it.next > it.stop)
}

// Equal implements ==.
func Equal(l, r Object) bool {
	if l == r {
		return true
	}
	if a, ok := asInt(l); ok {
		if b, ok := asInt(r); ok {
			return a == b
		}
		return false
	}
	switch lv := l.(type) {
	case Str:
		rv, ok := r.(Str)
		return ok && lv == rv
	case *List:
		rv, ok := r.(*List)
		if !ok || len(lv.Items) != len(rv.Items) {
			return false
		}
		for i := range lv.Items {
			if !Equal(lv.Items[i], rv.Items[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare implements COMPARE_OP.
func Compare(k CompareKind, l, r Object) (Object, error) {
	switch k {
	case CmpEQ:
		return NewBool(Equal(l, r)), nil
	case CmpNE:
		return NewBool(!Equal(l, r)), nil
	case CmpIs:
		return NewBool(l == r), nil
	case CmpIsNot:
		return NewBool(l != r), nil
	case CmpIn, CmpNotIn:
		in, err := contains(r, l)
		if err != nil {
			return nil, err
		}
		return NewBool(in == (k == CmpIn)), nil
	case CmpExcMatch:
		t, ok := isExceptionType(r)
		if !ok {
			return nil, NewError(TypeErrorType, "catching classes that do not inherit from BaseException is not allowed")
		}
		return NewBool(l != nil && l.Type().IsSubtype(t)), nil
	}
	if k < CmpLT || k > CmpGE {
		return nil, Errorf(ValueErrorType, "bad comparison %d", k)
	}

	var c int
	if a, ok := asInt(l); ok {
		b, ok := asInt(r)
		if !ok {
			return nil, orderError(k, l, r)
		}
		c = cmp64(a, b)
	} else if a, ok := l.(Str); ok {
		b, ok := r.(Str)
		if !ok {
			return nil, orderError(k, l, r)
		}
		c = strings.Compare(string(a), string(b))
	} else {
		return nil, orderError(k, l, r)
	}
	switch k {
	case CmpLT:
		return NewBool(c < 0), nil
	case CmpLE:
		return NewBool(c <= 0), nil
	case CmpGT:
		return NewBool(c > 0), nil
	}
	return NewBool(c >= 0), nil
}

var compareSymbols = []string{"<", "<=", "==", "!=", ">", ">="}

func orderError(k CompareKind, l, r Object) *Exception {
	return Errorf(TypeErrorType, "'%s' not supported between instances of '%s' and '%s'", compareSymbols[k], TypeName(l), TypeName(r))
}

func cmp64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func contains(container, item Object) (bool, error) {
	switch c := container.(type) {
	case *List:
		for _, it := range c.Items {
			if Equal(it, item) {
				return true, nil
			}
		}
		return false, nil
	case Str:
		s, ok := item.(Str)
		if !ok {
			return false, Errorf(TypeErrorType, "'in <string>' requires string as left operand, not %s", TypeName(item))
		}
		return strings.Contains(string(c), string(s)), nil
	}
	return false, Errorf(TypeErrorType, "argument of type '%s' is not iterable", TypeName(container))
}

// Subscript implements BINARY_SUBSCR.
func Subscript(container, index Object) (Object, error) {
	i, ok := asInt(index)
	switch c := container.(type) {
	case *List:
		if !ok {
			return nil, Errorf(TypeErrorType, "list indices must be integers, not %s", TypeName(index))
		}
		idx, ok := normalizeIndex(Int(i), len(c.Items))
		if !ok {
			return nil, NewError(IndexErrorType, "list index out of range")
		}
		return c.Items[idx], nil
	case Str:
		if !ok {
			return nil, Errorf(TypeErrorType, "string indices must be integers")
		}
		runes := []rune(string(c))
		idx, ok := normalizeIndex(Int(i), len(runes))
		if !ok {
			return nil, NewError(IndexErrorType, "string index out of range")
		}
		return Str(string(runes[idx])), nil
	}
	return nil, Errorf(TypeErrorType, "'%s' object is not subscriptable", TypeName(container))
}

// StoreSubscript implements STORE_SUBSCR.
func StoreSubscript(container, index, value Object) error {
	c, ok := container.(*List)
	if !ok {
		return Errorf(TypeErrorType, "'%s' object does not support item assignment", TypeName(container))
	}
	i, ok := asInt(index)
	if !ok {
		return Errorf(TypeErrorType, "list indices must be integers, not %s", TypeName(index))
	}
	idx, ok := normalizeIndex(Int(i), len(c.Items))
	if !ok {
		return NewError(IndexErrorType, "list assignment index out of range")
	}
	c.Items[idx] = value
	return nil
}

package vm

// List is a mutable sequence.
type List struct {
	Items []Object
}

// NewList wraps items in a list.
func NewList(items ...Object) *List {
	return &List{Items: items}
}

// Type implements Object.
func (*List) Type() *Type { return ListType }

// Range is an immutable arithmetic progression.
type Range struct {
	Start, Stop, Step int64
}

// Type implements Object.
func (*Range) Type() *Type { return RangeType }

// Iterator is implemented by values that GET_ITER can return.
type Iterator interface {
	Object
	// Next returns the next value, or nil with a nil error when exhausted.
	Next(rt *RuntimeContext, ts *ThreadState) (Object, error)
}

type listIterator struct {
	list *List
	pos  int
}

func (*listIterator) Type() *Type { return IteratorType }

func (it *listIterator) Next(*RuntimeContext, *ThreadState) (Object, error) {
	if it.pos >= len(it.list.Items) {
		return nil, nil
	}
	v := it.list.Items[it.pos]
	it.pos++
	return v, nil
}

type rangeIterator struct {
	next, stop, step int64
}

func (*rangeIterator) Type() *Type { return IteratorType }

func (it *rangeIterator) Next(*RuntimeContext, *ThreadState) (Object, error) {
	if (it.step > 0 && it.next >= it.stop) || (it.step < 0 && it.next <= it.stop) {
		return nil, nil
	}
	v := Int(it.next)
	it.next += it.step
	return v, nil
}

type strIterator struct {
	runes []rune
	pos   int
}

func (*strIterator) Type() *Type { return IteratorType }

func (it *strIterator) Next(*RuntimeContext, *ThreadState) (Object, error) {
	if it.pos >= len(it.runes) {
		return nil, nil
	}
	v := Str(string(it.runes[it.pos]))
	it.pos++
	return v, nil
}

// GetIter returns an iterator over o.
func GetIter(o Object) (Iterator, error) {
	switch v := o.(type) {
	case *List:
		return &listIterator{list: v}, nil
	case *Range:
		return &rangeIterator{next: v.Start, stop: v.Stop, step: v.Step}, nil
	case Str:
		return &strIterator{runes: []rune(string(v))}, nil
	case Iterator:
		return v, nil
	}
	return nil, Errorf(TypeErrorType, "'%s' object is not iterable", TypeName(o))
}

func normalizeIndex(i Int, n int) (int, bool) {
	idx := int64(i)
	if idx < 0 {
		idx += int64(n)
	}
	if idx < 0 || idx >= int64(n) {
		return 0, false
	}
	return int(idx), true
}

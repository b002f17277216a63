package vm

// Function is a callable built from a FunctionUnit and the globals it was
// defined in.
type Function struct {
	Code    *FunctionUnit
	Globals *Dict
}

// NewFunction binds a unit to a globals namespace.
func NewFunction(code *FunctionUnit, globals *Dict) *Function {
	return &Function{Code: code, Globals: globals}
}

// Type implements Object.
func (*Function) Type() *Type { return FunctionType }

// BuiltinFunc is the signature of functions implemented in Go. Errors are
// normally *Exception values; any other error is reported as RuntimeError.
type BuiltinFunc func(rt *RuntimeContext, ts *ThreadState, args []Object) (Object, error)

// Builtin is a Go function exposed to bytecode.
type Builtin struct {
	Name  string
	Arity int // -1 for variadic
	Fn    BuiltinFunc
}

// Type implements Object.
func (*Builtin) Type() *Type { return BuiltinType }

// BuiltinMethod is a Go method stored in a builtin type's dictionary. The
// receiver is passed as args[0].
type BuiltinMethod struct {
	Name  string
	Owner *Type
	Arity int // excluding the receiver; -1 for variadic
	Fn    BuiltinFunc
}

// Type implements Object.
func (*BuiltinMethod) Type() *Type { return BuiltinMethodType }

// BoundMethod pairs a callable with its receiver.
type BoundMethod struct {
	Self Object
	Func Object
}

// Type implements Object.
func (*BoundMethod) Type() *Type { return BoundMethodType }

// Property is a data descriptor backed by getter and setter callables.
type Property struct {
	Getter Object
	Setter Object
}

// Type implements Object.
func (*Property) Type() *Type { return PropertyType }

// SlotDescriptor gives access to one fixed slot of a slot-only type.
type SlotDescriptor struct {
	Name  string
	Index int
	Owner *Type
}

// Type implements Object.
func (*SlotDescriptor) Type() *Type { return SlotDescriptorType }

// isDataDescriptor reports whether a class attribute takes precedence over
// instance attributes.
func isDataDescriptor(o Object) bool {
	switch o.(type) {
	case *Property, *SlotDescriptor:
		return true
	}
	return false
}

// isMethodDescriptor reports whether a class attribute binds to the
// instance it is fetched from.
func isMethodDescriptor(o Object) bool {
	switch o.(type) {
	case *Function, *BuiltinMethod:
		return true
	}
	return false
}

// bindMethod wraps a method descriptor fetched through an instance.
func bindMethod(self, fn Object) Object {
	return &BoundMethod{Self: self, Func: fn}
}

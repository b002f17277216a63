package vm

// Call invokes callable with positional arguments.
func (rt *RuntimeContext) Call(ts *ThreadState, callable Object, args []Object) (Object, error) {
	switch fn := callable.(type) {
	case *Function:
		return rt.callFunction(ts, fn, args)
	case *BoundMethod:
		return rt.Call(ts, fn.Func, append([]Object{fn.Self}, args...))
	case *Builtin:
		if fn.Arity >= 0 && len(args) != fn.Arity {
			return nil, Errorf(TypeErrorType, "%s() takes exactly %d argument(s) (%d given)", fn.Name, fn.Arity, len(args))
		}
		return fn.Fn(rt, ts, args)
	case *BuiltinMethod:
		if len(args) == 0 || !args[0].Type().IsSubtype(fn.Owner) {
			return nil, Errorf(TypeErrorType, "descriptor '%s' requires a '%s' object", fn.Name, fn.Owner.Name)
		}
		if fn.Arity >= 0 && len(args)-1 != fn.Arity {
			return nil, Errorf(TypeErrorType, "%s() takes exactly %d argument(s) (%d given)", fn.Name, fn.Arity, len(args)-1)
		}
		return fn.Fn(rt, ts, args)
	case *Type:
		return rt.instantiate(ts, fn, args)
	}
	return nil, Errorf(TypeErrorType, "'%s' object is not callable", TypeName(callable))
}

func (rt *RuntimeContext) callFunction(ts *ThreadState, fn *Function, args []Object) (Object, error) {
	code := fn.Code
	if len(args) != code.ArgCount {
		return nil, Errorf(TypeErrorType, "%s() takes %d positional arguments but %d were given", code.Name, code.ArgCount, len(args))
	}
	f := NewFrame(code, fn.Globals, rt.Builtins)
	copy(f.Locals, args)
	rt.OnCall(code)
	if code.Generator {
		return &Generator{frame: f}, nil
	}

	ts.Depth++
	defer func() { ts.Depth-- }()
	if ts.Depth > MaxRecursionDepth {
		return nil, NewError(RecursionErrorType, "maximum recursion depth exceeded")
	}
	v, sig := rt.EvalFrame(ts, f)
	if sig == SigError {
		return nil, ts.takeExc()
	}
	return v, nil
}

func (rt *RuntimeContext) instantiate(ts *ThreadState, t *Type, args []Object) (Object, error) {
	if t.IsSubtype(BaseExceptionType) {
		return &Exception{typ: t, Args: append([]Object(nil), args...)}, nil
	}
	if t.builtin {
		if ctor, ok := builtinConstructors[t]; ok {
			return ctor(rt, ts, args)
		}
		return nil, Errorf(TypeErrorType, "cannot create '%s' instances", t.Name)
	}
	inst := NewInstance(t)
	init := t.Lookup("__init__")
	if init == nil {
		if len(args) > 0 {
			return nil, Errorf(TypeErrorType, "%s() takes no arguments", t.Name)
		}
		return inst, nil
	}
	res, err := rt.Call(ts, init, append([]Object{inst}, args...))
	if err != nil {
		return nil, err
	}
	if res != None {
		return nil, Errorf(TypeErrorType, "__init__() should return None, not '%s'", TypeName(res))
	}
	return inst, nil
}

// Generator is a suspended generator-function activation.
type Generator struct {
	frame    *Frame
	running  bool
	finished bool
}

// Type implements Object.
func (*Generator) Type() *Type { return GeneratorType }

// Frame exposes the generator's frame.
func (g *Generator) Frame() *Frame { return g.frame }

// Next resumes the generator. It returns nil with a nil error once the
// generator is exhausted.
func (g *Generator) Next(rt *RuntimeContext, ts *ThreadState) (Object, error) {
	if g.finished {
		return nil, nil
	}
	if g.running {
		return nil, NewError(ValueErrorType, "generator already executing")
	}
	if g.frame.started {
		// The value of the yield expression.
		g.frame.Push(None)
	}
	g.frame.started = true

	ts.Depth++
	g.running = true
	v, sig := rt.EvalFrame(ts, g.frame)
	g.running = false
	ts.Depth--

	switch sig {
	case SigYield:
		return v, nil
	case SigError:
		g.finished = true
		return nil, ts.takeExc()
	}
	g.finished = true
	return nil, nil
}

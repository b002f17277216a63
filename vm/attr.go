package vm

// ---------------------------------------------------------------------------
// Generic attribute protocol
//
// These are the canonical, uncached lookups. Every inline cache variant must
// agree with them whenever its guard passes.
// ---------------------------------------------------------------------------

func attrError(o Object, name string) *Exception {
	if t, ok := o.(*Type); ok {
		return Errorf(AttributeErrorType, "type object '%s' has no attribute '%s'", t.Name, name)
	}
	return Errorf(AttributeErrorType, "'%s' object has no attribute '%s'", TypeName(o), name)
}

// GetAttr looks up name on o.
func (rt *RuntimeContext) GetAttr(ts *ThreadState, o Object, name string) (Object, error) {
	switch v := o.(type) {
	case *Instance:
		return rt.instanceGetAttr(ts, v, name)
	case *Type:
		if name == "__name__" {
			return Str(v.Name), nil
		}
		if d := v.Lookup(name); d != nil {
			return d, nil
		}
		return nil, attrError(o, name)
	case *Exception:
		if name == "args" {
			return NewList(append([]Object(nil), v.Args...)...), nil
		}
	case *BoundMethod:
		switch name {
		case "__self__":
			return v.Self, nil
		case "__func__":
			return v.Func, nil
		}
	}
	if d := o.Type().Lookup(name); d != nil {
		if isMethodDescriptor(d) {
			return bindMethod(o, d), nil
		}
		return d, nil
	}
	return nil, attrError(o, name)
}

func (rt *RuntimeContext) instanceGetAttr(ts *ThreadState, inst *Instance, name string) (Object, error) {
	d := inst.typ.Lookup(name)
	if d != nil && isDataDescriptor(d) {
		return rt.descrGet(ts, d, inst, name)
	}
	if v, ok := inst.getOwn(name); ok {
		return v, nil
	}
	if d != nil {
		if isMethodDescriptor(d) {
			return bindMethod(inst, d), nil
		}
		return d, nil
	}
	return nil, attrError(inst, name)
}

func (rt *RuntimeContext) descrGet(ts *ThreadState, d Object, inst *Instance, name string) (Object, error) {
	switch desc := d.(type) {
	case *Property:
		if desc.Getter == nil {
			return nil, Errorf(AttributeErrorType, "unreadable attribute '%s'", name)
		}
		return rt.Call(ts, desc.Getter, []Object{inst})
	case *SlotDescriptor:
		if !inst.typ.IsSubtype(desc.Owner) {
			return nil, Errorf(TypeErrorType, "descriptor '%s' for '%s' objects doesn't apply to a '%s' object", name, desc.Owner.Name, inst.typ.Name)
		}
		if v := inst.Slot(desc.Index); v != nil {
			return v, nil
		}
		return nil, Errorf(AttributeErrorType, "'%s' object has no attribute '%s'", inst.typ.Name, name)
	}
	return d, nil
}

// SetAttr stores v under name on o.
func (rt *RuntimeContext) SetAttr(ts *ThreadState, o Object, name string, v Object) error {
	switch x := o.(type) {
	case *Instance:
		d := x.typ.Lookup(name)
		if d != nil && isDataDescriptor(d) {
			return rt.descrSet(ts, d, x, name, v)
		}
		return x.setOwn(name, v)
	case *Type:
		return x.SetAttr(name, v)
	}
	if o.Type().Lookup(name) != nil {
		return Errorf(AttributeErrorType, "'%s' object attribute '%s' is read-only", TypeName(o), name)
	}
	return attrError(o, name)
}

func (rt *RuntimeContext) descrSet(ts *ThreadState, d Object, inst *Instance, name string, v Object) error {
	switch desc := d.(type) {
	case *Property:
		if desc.Setter == nil {
			return Errorf(AttributeErrorType, "can't set attribute '%s'", name)
		}
		_, err := rt.Call(ts, desc.Setter, []Object{inst, v})
		return err
	case *SlotDescriptor:
		inst.slots[desc.Index] = v
	}
	return nil
}

// DelAttr removes name from o.
func (rt *RuntimeContext) DelAttr(ts *ThreadState, o Object, name string) error {
	switch x := o.(type) {
	case *Instance:
		d := x.typ.Lookup(name)
		if d != nil && isDataDescriptor(d) {
			if sd, ok := d.(*SlotDescriptor); ok {
				if x.Slot(sd.Index) == nil {
					return attrError(o, name)
				}
				x.slots[sd.Index] = nil
				return nil
			}
			return Errorf(AttributeErrorType, "can't delete attribute '%s'", name)
		}
		if !x.delOwn(name) {
			return attrError(o, name)
		}
		return nil
	case *Type:
		return x.DelAttr(name)
	}
	return attrError(o, name)
}

// LoadMethodSlow resolves name for a method call. When the attribute is a
// plain method found on the type and not shadowed by the instance, it
// returns the unbound callable together with the receiver so the call can
// skip allocating a bound method. Otherwise it returns the attribute with a
// nil receiver.
func (rt *RuntimeContext) LoadMethodSlow(ts *ThreadState, o Object, name string) (meth, self Object, err error) {
	if _, isType := o.(*Type); !isType {
		if d := o.Type().Lookup(name); d != nil && isMethodDescriptor(d) {
			inst, isInst := o.(*Instance)
			if !isInst {
				return d, o, nil
			}
			if _, shadowed := inst.getOwn(name); !shadowed {
				return d, o, nil
			}
		}
	}
	attr, err := rt.GetAttr(ts, o, name)
	if err != nil {
		return nil, nil, err
	}
	return attr, nil, nil
}

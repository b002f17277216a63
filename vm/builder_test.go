package vm

import (
	"strings"
	"testing"
)

func TestBuilderConstsAndNamesDeduplicate(t *testing.T) {
	b := NewBuilder("f", "a")
	b.LoadConst(Int(1))
	b.LoadConst(Int(1))
	b.LoadConst(None)
	b.LoadConst(None)
	b.Emit(OpBuildList, 4)
	b.LoadGlobal("g")
	b.StoreGlobal("g")
	b.Op(OpReturnValue)
	code := b.MustBuild()

	if len(code.Consts) != 2 {
		t.Errorf("consts = %v, want 2 entries", code.Consts)
	}
	if len(code.Names) != 1 {
		t.Errorf("names = %v, want [g]", code.Names)
	}
	if code.ArgCount != 1 || code.NLocals() != 1 {
		t.Errorf("args/locals = %d/%d, want 1/1", code.ArgCount, code.NLocals())
	}
	if code.StackSize < 4 {
		t.Errorf("stack size = %d, want at least 4", code.StackSize)
	}
}

func TestBuilderJumps(t *testing.T) {
	b := NewBuilder("f", "x")
	skip := b.NewLabel()
	b.LoadFast("x")
	b.Jump(OpPopJumpIfFalse, skip)
	b.LoadConst(Int(1))
	b.Op(OpReturnValue)
	b.Mark(skip)
	b.Jump(OpJumpForward, b.NewLabel())
	code, err := b.Build()
	if err == nil {
		t.Fatalf("built %s with an unresolved label", code.Name)
	}

	b = NewBuilder("f", "x")
	skip, end := b.NewLabel(), b.NewLabel()
	b.LoadFast("x")
	fwd := b.Jump(OpPopJumpIfFalse, skip)
	b.Jump(OpJumpForward, end)
	b.Mark(skip)
	b.Op(OpNOP)
	b.Mark(end)
	b.LoadConst(None)
	b.Op(OpReturnValue)
	code = b.MustBuild()

	if got := code.JumpTarget(fwd); got != 3 {
		t.Errorf("absolute jump target = %d, want 3", got)
	}
	if got := code.JumpTarget(fwd + 1); got != 4 {
		t.Errorf("relative jump target = %d, want 4", got)
	}
}

func TestStackDepthsRejectsBadCode(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *Builder)
		want  string
	}{
		{"underflow", func(b *Builder) {
			b.Op(OpPopTop)
			b.LoadConst(None)
			b.Op(OpReturnValue)
		}, "underflow"},
		{"falls off", func(b *Builder) {
			b.LoadConst(None)
		}, "falls off"},
		{"inconsistent", func(b *Builder) {
			join := b.NewLabel()
			b.LoadFast("x")
			b.Jump(OpPopJumpIfFalse, join)
			b.LoadConst(Int(1))
			b.Mark(join)
			b.LoadConst(None)
			b.Op(OpReturnValue)
		}, "inconsistent"},
		{"invalid opcode", func(b *Builder) {
			b.Emit(Opcode(0xEE), 0)
		}, "invalid opcode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBuilder("f", "x")
			tt.build(b)
			_, err := b.Build()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestLineStarts(t *testing.T) {
	b := NewBuilder("f")
	b.LoadConst(Int(1))
	b.Op(OpPopTop)
	b.Line(2)
	b.LoadConst(None)
	b.Op(OpReturnValue)
	code := b.MustBuild()

	want := []bool{true, false, true, false}
	for i, w := range want {
		if got := code.StartsLine(i); got != w {
			t.Errorf("StartsLine(%d) = %v, want %v", i, got, w)
		}
	}
	if code.Line(2) != 2 || code.Line(99) != 0 {
		t.Errorf("Line(2), Line(99) = %d, %d", code.Line(2), code.Line(99))
	}
}

func TestStackEffectMatchesExec(t *testing.T) {
	rt := NewRuntime(coldTunables())
	ts := NewThreadState()
	b := NewBuilder("f", "a", "b")
	b.LoadFast("a")
	b.LoadFast("b")
	b.Op(OpBinaryAdd)
	b.LoadFast("a")
	b.Op(OpRotTwo)
	b.Emit(OpBuildList, 2)
	b.Op(OpReturnValue)
	code := b.MustBuild()

	f := NewFrame(code, NewDict(), rt.Builtins)
	f.Locals[0], f.Locals[1] = Int(1), Int(2)
	for i := 0; i < len(code.Instrs)-1; i++ {
		before := f.SP
		if sig := rt.Exec(ts, f, i); sig != SigContinue {
			t.Fatalf("instruction %d: signal %s", i, sig)
		}
		in := code.Instrs[i]
		if got, want := f.SP-before, StackEffect(in.Op, in.Arg, false); got != want {
			t.Errorf("%s: stack moved by %d, StackEffect says %d", in.Op, got, want)
		}
	}
}

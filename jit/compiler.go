package jit

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"

	"github.com/chazu/tiervm/vm"
)

// ---------------------------------------------------------------------------
// Compiler
// ---------------------------------------------------------------------------

// Compiler is the baseline compiler. It turns a cache-warm function unit
// into machine code, places it in the arena and hands it to the exporter.
// On x86-64 the code is lowered to native instructions; elsewhere, or when
// the portable backend is selected, the machine words themselves are
// installed and run by the portable machine. Compilation runs under the execution lock, so
// a Compiler is used by one unit at a time; its counters may be read
// concurrently.
type Compiler struct {
	Arena  *Arena
	Export *Exporter // optional
	Log    commonlog.Logger

	units        atomic.Uint64
	failures     atomic.Uint64
	instructions atomic.Uint64
	checkpoints  atomic.Uint64
	helperCalls  atomic.Uint64
	inlined      atomic.Uint64
	hinted       atomic.Uint64
	native       atomic.Uint64
	sites        [vm.NumCacheKinds]siteCounters
}

// ErrNativeUnavailable is returned when the native backend is requested on
// a build that cannot run it.
var ErrNativeUnavailable = errors.New("native backend needs x86-64 with executable memory")

// NativeAvailable reports whether this build can run generated x86-64
// code.
func NativeAvailable() bool { return nativeArch && execSupported }

// useNative resolves the configured backend.
func useNative(backend string) (bool, error) {
	switch backend {
	case "", "auto":
		return NativeAvailable(), nil
	case "portable":
		return false, nil
	case "native":
		if !NativeAvailable() {
			return false, ErrNativeUnavailable
		}
		return true, nil
	}
	return false, fmt.Errorf("unknown backend %q", backend)
}

// NewCompiler returns a compiler allocating from arena.
func NewCompiler(arena *Arena) *Compiler {
	return &Compiler{
		Arena: arena,
		Log:   commonlog.GetLogger("tiervm.jit"),
	}
}

// Install creates a compiler with an arena of the runtime's configured
// size and export targets, and makes it the runtime's compiler.
func Install(rt *vm.RuntimeContext) (*Compiler, error) {
	c := NewCompiler(NewArena(rt.Tunables.MaxCodeMemory))
	exp, err := ExporterFromTunables(rt.Tunables)
	if err != nil {
		return nil, err
	}
	c.Export = exp
	rt.Compiler = c
	return c, nil
}

// Compile implements vm.Compiler.
func (c *Compiler) Compile(rt *vm.RuntimeContext, code *vm.FunctionUnit) (vm.NativeCode, error) {
	nc, err := c.compile(rt, code)
	if err != nil {
		c.failures.Add(1)
		return nil, fmt.Errorf("%s: %w", code.Name, err)
	}
	return nc, nil
}

func (c *Compiler) compile(rt *vm.RuntimeContext, code *vm.FunctionUnit) (*Code, error) {
	info, err := analyze(code)
	if err != nil {
		return nil, err
	}
	if info.reachable == 0 {
		return nil, fmt.Errorf("no reachable instructions: %w", vm.ErrUnsupportedOpcode)
	}

	g := newGen(rt, code, info)
	prog, err := g.generate()
	if err != nil {
		return nil, err
	}

	native, err := useNative(rt.Tunables.Backend)
	if err != nil {
		return nil, err
	}
	var img *NativeImage
	bytes := prog.Bytes()
	if native {
		if img, err = lowerAMD64(prog); err != nil {
			return nil, err
		}
		bytes = img.Bytes
	}

	addr, err := c.Arena.Alloc(len(bytes))
	if err != nil {
		return nil, err
	}
	if err := c.Arena.Write(addr, bytes); err != nil {
		return nil, err
	}
	if img != nil {
		img.bind(addr)
		c.native.Add(1)
	}
	nc := &Code{
		Unit:     code,
		Prog:     prog,
		Address:  addr,
		Spills:   g.d.MaxSpills(),
		Entries:  info.targets,
		Native:   img,
		Sites:    g.sites,
		compiler: c,
	}
	c.Arena.Install(nc)

	c.units.Add(1)
	c.instructions.Add(uint64(info.reachable))
	c.checkpoints.Add(uint64(g.stats.checkpoints))
	c.helperCalls.Add(uint64(g.stats.helperCalls))
	c.inlined.Add(uint64(g.stats.inlined))
	c.hinted.Add(uint64(g.stats.hinted))
	for k := range c.sites {
		c.sites[k].total.Add(uint64(g.stats.sites[k]))
		c.sites[k].inlined.Add(uint64(g.stats.inlinedSites[k]))
	}

	c.Log.Debugf("compiled %s at %#x: %d instructions, %d words, %d bytes, %d spill slots",
		code.Name, addr, info.reachable, len(prog.Words), len(bytes), nc.Spills)

	if c.Export != nil {
		if err := c.Export.Record(nc); err != nil {
			c.Log.Warningf("export of %s: %s", code.Name, err)
		}
	}
	return nc, nil
}

// CompilerStats holds compiler statistics.
type CompilerStats struct {
	UnitsCompiled uint64
	Failures      uint64
	Instructions  uint64
	Checkpoints   uint64
	HelperCalls   uint64
	InlinedCaches uint64
	HintedCalls   uint64
	NativeUnits   uint64
	// Caches holds the compiled cache counters by vm.CacheKind.
	Caches [vm.NumCacheKinds]CacheCounts
	Arena  ArenaStats
}

// Stats returns compiler statistics.
func (c *Compiler) Stats() CompilerStats {
	var caches [vm.NumCacheKinds]CacheCounts
	for k := range caches {
		caches[k] = c.sites[k].load()
	}
	return CompilerStats{
		UnitsCompiled: c.units.Load(),
		Failures:      c.failures.Load(),
		Instructions:  c.instructions.Load(),
		Checkpoints:   c.checkpoints.Load(),
		HelperCalls:   c.helperCalls.Load(),
		InlinedCaches: c.inlined.Load(),
		HintedCalls:   c.hinted.Load(),
		NativeUnits:   c.native.Load(),
		Caches:        caches,
		Arena:         c.Arena.Stats(),
	}
}

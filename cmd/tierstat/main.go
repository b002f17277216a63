// tierstat runs a built-in workload on the tiered engine and prints the
// engine's statistics.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"

	"github.com/chazu/tiervm/config"
	"github.com/chazu/tiervm/jit"
	"github.com/chazu/tiervm/vm"
)

func main() {
	os.Exit(run(os.Args[1:], os.LookupEnv, os.Stdout, os.Stderr))
}

// run is main with its environment passed in. It returns the exit status.
func run(args []string, lookup func(string) (string, bool), stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tierstat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("C", ".", "Directory to search upward from for tiervm.toml")
	iterations := fs.Int("n", 1000, "Number of workload rounds")
	loop := fs.Int("loop", 100000, "Iterations of the OSR loop")
	disasm := fs.String("disasm", "", "Print the machine code of the named unit")
	verbosity := fs.Int("v", -1, "Log verbosity (overrides configuration when >= 0)")
	showStats := fs.Bool("stats", false, "Print the compiled cache counters (same as TIERVM_SHOW_JIT_STATS=1)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tierstat [options]\n\n")
		fmt.Fprintf(stderr, "Runs a built-in workload through the interpreter, inline caches and JIT,\n")
		fmt.Fprintf(stderr, "then prints tiering, cache and code-memory statistics.\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.ResolveLookup(*dir, lookup)
	if err != nil {
		fmt.Fprintf(stderr, "Error loading configuration: %v\n", err)
		return 1
	}
	if *verbosity >= 0 {
		cfg.Log.Verbosity = *verbosity
	}
	if *showStats {
		cfg.JIT.ShowStats = true
	}
	cfg.ConfigureLogging()

	tunables, err := cfg.Tunables()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	rt := vm.NewRuntime(tunables)
	compiler, err := jit.Install(rt)
	if err != nil {
		fmt.Fprintf(stderr, "Error setting up compiler: %v\n", err)
		return 1
	}
	if compiler.Export != nil {
		defer compiler.Export.Close()
	}

	w := newWorkload()
	if err := runWorkload(rt, w, *iterations, *loop); err != nil {
		fmt.Fprintf(stderr, "Workload failed: %v\n", err)
		return 1
	}

	report(stdout, rt, compiler, w)
	if cfg.JIT.ShowStats {
		reportCaches(stdout, compiler.Stats())
	}

	if *disasm != "" {
		found := false
		compiler.Arena.Walk(func(c *jit.Code) bool {
			if c.Unit.Name == *disasm {
				fmt.Fprintln(stdout)
				fmt.Fprint(stdout, c.Disassemble())
				found = true
				return false
			}
			return true
		})
		if !found {
			fmt.Fprintf(stderr, "No compiled unit named %q\n", *disasm)
			return 1
		}
	}
	return 0
}

func runWorkload(rt *vm.RuntimeContext, w *workload, rounds, loop int) error {
	objs, err := w.objects(rt, 8)
	if err != nil {
		return err
	}
	list := vm.NewList(objs...)

	for i := 0; i < rounds; i++ {
		if _, err := rt.Invoke(w.run, vm.Int(10)); err != nil {
			return fmt.Errorf("run: %w", err)
		}
		if _, err := rt.Invoke(w.poly, list); err != nil {
			return fmt.Errorf("poly: %w", err)
		}
	}
	v, err := rt.Invoke(w.count, vm.Int(loop))
	if err != nil {
		return fmt.Errorf("count: %w", err)
	}
	if v != vm.Int(loop) {
		return fmt.Errorf("count returned %s, want %d", vm.Repr(v), loop)
	}
	return nil
}

func report(out io.Writer, rt *vm.RuntimeContext, c *jit.Compiler, w *workload) {
	s := rt.Stats
	fmt.Fprintf(out, "Tiering\n")
	for _, code := range w.units {
		fmt.Fprintf(out, "  %-16s %-13s calls=%-8d loops=%d\n", code.Name, code.Tier.State, code.Tier.Calls, code.Tier.HotLoops)
	}
	fmt.Fprintf(out, "  cache slots allocated: %d\n", s.CacheSlotsAllocated)
	fmt.Fprintf(out, "  compilations: %d (failures %d)\n", s.Compilations, s.CompileFailures)
	fmt.Fprintf(out, "  native entries: %d, OSR entries: %d, deopts: %d, handler re-entries: %d\n",
		s.NativeEntries, s.OSREntries, s.Deopts, s.HandlerReentries)
	if rt.JITDisabled() {
		fmt.Fprintf(out, "  compilation disabled: code memory exhausted\n")
	}

	var cs vm.CacheStats
	for _, code := range w.units {
		cs.Add(code)
	}
	fmt.Fprintf(out, "\nInline caches\n")
	fmt.Fprintf(out, "  sites: %d (empty %d, mono %d, poly %d, disabled %d)\n",
		cs.Sites, cs.Empty, cs.Monomorphic, cs.Polymorphic, cs.Disabled)
	fmt.Fprintf(out, "  interpreter hits: %s, misses: %s (%.1f%%)\n",
		humanize.Comma(int64(cs.Hits)), humanize.Comma(int64(cs.Misses)), cs.HitRate())

	js := c.Stats()
	fmt.Fprintf(out, "\nCompiler\n")
	fmt.Fprintf(out, "  units: %d, bytecode instructions: %d\n", js.UnitsCompiled, js.Instructions)
	backend := "portable"
	if js.NativeUnits > 0 {
		backend = "x86-64"
	}
	fmt.Fprintf(out, "  backend: %s (%d of %d units native)\n", backend, js.NativeUnits, js.UnitsCompiled)
	fmt.Fprintf(out, "  checkpoints: %d, helper calls: %d, inlined caches: %d, hinted calls: %d\n",
		js.Checkpoints, js.HelperCalls, js.InlinedCaches, js.HintedCalls)
	fmt.Fprintf(out, "  code memory: %s used, %s reserved of %s in %d chunk(s)\n",
		humanize.IBytes(uint64(js.Arena.Used)), humanize.IBytes(uint64(js.Arena.Reserved)),
		humanize.IBytes(uint64(js.Arena.Budget)), js.Arena.Chunks)
}

// reportCaches prints the compiled cache counters by kind.
func reportCaches(out io.Writer, js jit.CompilerStats) {
	fmt.Fprintf(out, "\nCompiled caches\n")
	for _, k := range []vm.CacheKind{vm.CacheLoadAttr, vm.CacheLoadMethod, vm.CacheLoadGlobal, vm.CacheStoreAttr} {
		cc := js.Caches[k]
		fmt.Fprintf(out, "  inlined %d (of %d) %s caches: %s hits %s misses\n",
			cc.Inlined, cc.Total, k, humanize.Comma(int64(cc.Hits)), humanize.Comma(int64(cc.Misses)))
	}
}

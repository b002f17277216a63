package vm

import (
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/sasha-s/go-deadlock"
	"github.com/tliron/commonlog"
)

// Tunables are the engine parameters, read once at startup.
type Tunables struct {
	// CacheThreshold is the number of calls (or loop back-edges) after
	// which a unit gets its inline cache slots.
	CacheThreshold uint64
	// JITThreshold is the number of calls after which a cache-warm unit is
	// compiled.
	JITThreshold uint64
	// OSRThreshold is the number of loop back-edges after which a running
	// cache-warm unit is compiled and entered at the loop head.
	OSRThreshold uint64
	// JITEnabled is the master switch for compilation.
	JITEnabled bool
	// InlineCacheCodegen enables inlining of cache guards into compiled
	// code. Disabling it makes every cached instruction call its helper.
	InlineCacheCodegen bool
	// CallHints lets compiled CALL_METHOD call the callable its
	// LOAD_METHOD cache resolved to without the generic dispatch.
	CallHints bool
	// Backend selects the compiler backend: "native", "portable", or ""
	// for native where the platform supports it.
	Backend string
	// MaxCodeMemory caps the code arena in bytes.
	MaxCodeMemory int64
	// PerfMap writes a symbol map of compiled code for external profilers.
	PerfMap bool
	// DumpDir, when set, receives a dump of every compiled unit.
	DumpDir string
}

// DefaultTunables returns the built-in defaults.
func DefaultTunables() Tunables {
	return Tunables{
		CacheThreshold:     64,
		JITThreshold:       500,
		OSRThreshold:       2000,
		JITEnabled:         true,
		InlineCacheCodegen: true,
		CallHints:          true,
		MaxCodeMemory:      100 << 20,
	}
}

// Bits of the merged interrupt word.
const (
	InterruptPendingCalls uint32 = 1 << iota
	InterruptDropLock
	InterruptTracing
	InterruptFault

	// InterruptAll is the mask checked at the first check of a source line.
	InterruptAll = InterruptPendingCalls | InterruptDropLock | InterruptTracing | InterruptFault
	// InterruptNoTracing is the mask checked everywhere else.
	InterruptNoTracing = InterruptAll &^ InterruptTracing
)

// Tracer receives line events while tracing is enabled.
type Tracer interface {
	Line(code *FunctionUnit, line int)
}

// FaultInjector forces compiled code to deoptimize. It is consulted at
// every interrupt check of compiled code while installed.
type FaultInjector interface {
	ShouldDeopt(code *FunctionUnit, idx int) bool
}

// Stats are the engine's diagnostic counters.
type Stats struct {
	CacheSlotsAllocated uint64
	Compilations        uint64
	CompileFailures     uint64
	NativeEntries       uint64
	OSREntries          uint64
	Deopts              uint64
	HandlerReentries    uint64
}

// RuntimeContext holds everything the engine would otherwise keep in
// process-wide globals. It is passed to every entry point.
type RuntimeContext struct {
	Tunables Tunables
	Builtins *Dict
	Compiler Compiler
	Log      commonlog.Logger
	Stats    Stats

	interrupts atomic.Uint32
	lock       deadlock.Mutex

	pendingMu deadlock.Mutex
	pending   []func() error

	tracer Tracer
	faults FaultInjector

	jitDisabled     bool
	exhaustedLogged bool
}

// NewRuntime creates a runtime with the standard builtins. Compiled
// execution needs a Compiler to be installed afterwards.
func NewRuntime(t Tunables) *RuntimeContext {
	return &RuntimeContext{
		Tunables: t,
		Builtins: NewBuiltins(),
		Log:      commonlog.GetLogger("tiervm.vm"),
	}
}

// Interrupts returns the merged interrupt word.
func (rt *RuntimeContext) Interrupts() uint32 {
	return rt.interrupts.Load()
}

// InterruptAddr returns the address of the interrupt word for generated
// code that polls it with a plain 32-bit load.
func (rt *RuntimeContext) InterruptAddr() unsafe.Pointer {
	return unsafe.Pointer(&rt.interrupts)
}

func (rt *RuntimeContext) setInterrupt(bit uint32, on bool) {
	for {
		old := rt.interrupts.Load()
		next := old &^ bit
		if on {
			next |= bit
		}
		if rt.interrupts.CompareAndSwap(old, next) {
			return
		}
	}
}

// Tracing reports whether line tracing is active.
func (rt *RuntimeContext) Tracing() bool {
	return rt.interrupts.Load()&InterruptTracing != 0 && rt.tracer != nil
}

// SetTracer installs or, with nil, removes the line tracer.
func (rt *RuntimeContext) SetTracer(t Tracer) {
	rt.tracer = t
	rt.setInterrupt(InterruptTracing, t != nil)
}

// SetFaultInjector installs or removes a deopt fault injector.
func (rt *RuntimeContext) SetFaultInjector(fi FaultInjector) {
	rt.faults = fi
	rt.setInterrupt(InterruptFault, fi != nil)
}

// FaultsInstalled reports whether a fault injector is present.
func (rt *RuntimeContext) FaultsInstalled() bool {
	return rt.faults != nil
}

// AddPendingCall schedules fn to run on the thread holding the execution
// lock at its next interrupt check. It is safe to call from any goroutine.
func (rt *RuntimeContext) AddPendingCall(fn func() error) {
	rt.pendingMu.Lock()
	rt.pending = append(rt.pending, fn)
	rt.pendingMu.Unlock()
	rt.setInterrupt(InterruptPendingCalls, true)
}

// RequestLockDrop asks the thread holding the execution lock to release it
// briefly at its next interrupt check.
func (rt *RuntimeContext) RequestLockDrop() {
	rt.setInterrupt(InterruptDropLock, true)
}

// Acquire takes the global execution lock.
func (rt *RuntimeContext) Acquire() { rt.lock.Lock() }

// Release gives up the global execution lock.
func (rt *RuntimeContext) Release() { rt.lock.Unlock() }

// HandleInterrupts services the merged interrupt word. It runs pending
// calls and honours lock-drop requests when ts holds the lock; otherwise
// the request stays pending for the holder. For compiled code it also decides
// whether the caller must deoptimize at instruction idx, which it signals
// with SigDeopt.
func (rt *RuntimeContext) HandleInterrupts(ts *ThreadState, f *Frame, idx int, compiled bool) Signal {
	word := rt.interrupts.Load()
	if word&InterruptPendingCalls != 0 {
		rt.pendingMu.Lock()
		calls := rt.pending
		rt.pending = nil
		rt.pendingMu.Unlock()
		rt.setInterrupt(InterruptPendingCalls, false)
		for _, fn := range calls {
			if err := fn(); err != nil {
				ts.Exc = AsException(err)
				return SigError
			}
		}
	}
	if word&InterruptDropLock != 0 && ts.HoldsLock {
		rt.setInterrupt(InterruptDropLock, false)
		rt.Release()
		runtime.Gosched()
		rt.Acquire()
	}
	if !compiled {
		return SigContinue
	}
	if rt.Tracing() {
		return SigDeopt
	}
	if rt.faults != nil && rt.faults.ShouldDeopt(f.Code, idx) {
		return SigDeopt
	}
	return SigContinue
}

// Invoke calls callable with args on a fresh thread state while holding
// the execution lock.
func (rt *RuntimeContext) Invoke(callable Object, args ...Object) (Object, error) {
	rt.Acquire()
	defer rt.Release()
	ts := NewThreadState()
	ts.HoldsLock = true
	return rt.Call(ts, callable, args)
}

// Package vm implements the host runtime of the tiered execution engine: a
// small object model, function units and their bytecode, the interpreter and
// its generic slow paths, the inline cache engine, the tiering controller and
// the bridge that moves frames between interpreted and compiled execution.
//
// Compiled code is produced by package jit, which plugs into the runtime
// through the Compiler and NativeCode interfaces declared in bridge.go.
//
// All execution is serialized by the global execution lock owned by the
// RuntimeContext, so caches and tiering counters are plain fields.
package vm

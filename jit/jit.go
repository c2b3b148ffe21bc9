// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package jit implements the Orus VM's JIT backend (spec.md §4.6, component
// C9): compile_ir, which turns a jitir.Program into an Entry the tiering
// subsystem can invoke, under three emission modes (linear closure-chain,
// DynASM-style flattened tape, helper-stub trampoline), plus the VM<->
// backend ABI.
//
// "Native code" here means Go closures threaded together ("threaded code"),
// not emitted machine bytes — there is no legitimate way to JIT raw
// executable pages from this exercise's constraints (no cgo, no runtime
// codegen, never invoking a toolchain to verify it). See DESIGN.md.
package jit

import (
	"os"

	"github.com/google/uuid"
	"github.com/orusvm/orus/jitir"
	"github.com/orusvm/orus/value"
)

// Control is what a compiled entry's step returns: whether to keep going,
// hand back to the interpreter via deopt, or return from the function.
type Control uint8

const (
	// ControlReturn means the program executed a RETURN/RETURN_VOID/HALT.
	ControlReturn Control = iota
	// ControlDeopt means a typed guard failed; Host.HandleTypeErrorDeopt was
	// already invoked before returning.
	ControlDeopt
	// ControlExit means control flow left the translated block through an
	// ordinary branch (e.g. a loop condition going false); Host.Resume was
	// already invoked with the bytecode offset to continue at. The tier is
	// left Specialized — this is not a deopt.
	ControlExit
)

// Host is the ABI surface a compiled Entry needs from the owning VM,
// without jit importing the vm package (keeps the dependency graph
// acyclic: vm -> jit -> jitir -> value/chunk).
type Host interface {
	ReadTyped(reg int, kind value.Kind) (value.Value, bool)
	WriteTyped(reg int, kind value.Kind, v value.Value)
	ReadBoxed(reg int) value.Value
	WriteBoxed(reg int, v value.Value)

	// Safepoint runs a GC check and services a pending deopt request.
	Safepoint()

	// CallNative invokes a registered native function over the boxed spill
	// range [spillBase, spillBase+spillCount), reconciling before the call
	// and writing the boxed result back afterward.
	CallNative(nativeIdx int, spillBase, spillCount int) (value.Value, error)

	Concat(a, b value.Value) value.Value
	MakeArray(base, count int) value.Value
	ArrayPush(arr, v value.Value)
	GetIter(src value.Value) value.Value
	IterNext(iter value.Value) (value.Value, bool, bool) // value, hasValue, ok
	Print(v value.Value)
	AssertEq(a, b value.Value) error
	TypeOf(v value.Value) value.Value
	IsType(v value.Value, kind value.Kind) bool

	// HandleTypeErrorDeopt is invoked on a guard failure (spec.md §4.7):
	// bytecodeOffset identifies the originating instruction so the baseline
	// chunk resumes at the correct byte. Resets tier to Baseline, bumps
	// jit_native_type_deopts/jit_deopt_count, and blocklists the loop.
	HandleTypeErrorDeopt(bytecodeOffset int)

	// Resume hands control back to the baseline dispatcher at
	// bytecodeOffset after an ordinary (non-deopt) exit from the
	// translated block — e.g. a loop condition going false. Tier is left
	// unchanged.
	Resume(bytecodeOffset int)
}

// Backend names the emission mode that produced an Entry.
type Backend string

const (
	BackendLinear     Backend = "linear"
	BackendDynASM     Backend = "dynasm"
	BackendHelperStub Backend = "helper_stub"
)

// Entry is a compiled native entry point (spec.md §4.6).
type Entry struct {
	EntryPoint func(h Host) Control
	DebugName  string
	CodeRange  [2]int // [FuncIndex, LoopOffset] of the originating program
	Backend    Backend

	// ResumeOnReturn is the bytecode offset the VM should set vm.ip to when
	// EntryPoint reports ControlReturn. The translated block has no IR
	// counterpart for "the loop condition went false, fall through to
	// whatever follows in the baseline chunk" (it simply runs out of
	// instructions) — so this is precomputed once at compile time from the
	// program's last instruction instead of threading a Resume call through
	// every emitter's loop-exit path. If the block's last instruction is
	// itself a RETURN/RETURN_VOID/HALT, this points at that instruction's own
	// offset so the baseline interpreter performs the actual return (frame
	// pop, result register); otherwise it points just past the last
	// instruction's bytecode range.
	ResumeOnReturn int
}

// Environment variables controlling backend selection (spec.md §4.6/§6).
const (
	EnvForceHelperStub = "ORUS_JIT_FORCE_HELPER_STUB"
	EnvForceDynASM     = "ORUS_JIT_FORCE_DYNASM"
)

// Compile turns prog into an Entry. Selection order: ORUS_JIT_FORCE_HELPER_STUB
// forces the helper-stub trampoline; else ORUS_JIT_FORCE_DYNASM forces the
// DynASM-style emitter; else the linear closure-chain emitter is used.
func Compile(prog *jitir.Program) *Entry {
	name := debugName(prog)
	resume := resumeOnReturnOffset(prog)
	if os.Getenv(EnvForceHelperStub) == "1" {
		return &Entry{EntryPoint: compileHelperStub(prog), DebugName: name,
			CodeRange: [2]int{prog.FuncIndex, prog.LoopOffset}, Backend: BackendHelperStub,
			ResumeOnReturn: resume}
	}
	if os.Getenv(EnvForceDynASM) == "1" {
		return &Entry{EntryPoint: compileDynASM(prog), DebugName: name,
			CodeRange: [2]int{prog.FuncIndex, prog.LoopOffset}, Backend: BackendDynASM,
			ResumeOnReturn: resume}
	}
	return &Entry{EntryPoint: compileLinear(prog), DebugName: name,
		CodeRange: [2]int{prog.FuncIndex, prog.LoopOffset}, Backend: BackendLinear,
		ResumeOnReturn: resume}
}

func resumeOnReturnOffset(prog *jitir.Program) int {
	if len(prog.Instructions) == 0 {
		return prog.LoopOffset
	}
	last := prog.Instructions[len(prog.Instructions)-1]
	if last.Op == jitir.OpReturn {
		return last.BytecodeOffset
	}
	return last.BytecodeOffset + last.BytecodeLength
}

func debugName(prog *jitir.Program) string {
	return "orus_jit_" + uuid.New().String()
}

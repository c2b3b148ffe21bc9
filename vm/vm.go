// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package vm implements the Orus VM's dispatch loop, profiler, tiering and
// deoptimization state machine, and runtime error surface (spec.md §4.2,
// §4.4, §4.7, §4.9, components C6/C7/C10/C11). It owns the register file
// (package regfile) and heap (package heap) and implements jit.Host and
// jitir.TypeOracle so the JIT backend never needs to import this package.
package vm

import (
	"errors"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/singleflight"

	"github.com/orusvm/orus/chunk"
	"github.com/orusvm/orus/heap"
	"github.com/orusvm/orus/jitir"
	"github.com/orusvm/orus/regfile"
	"github.com/orusvm/orus/value"
)

// ---- Error sentinels (host-side failures, distinct from the VM's runtime
// Error value — see spec.md §A / raiseError below) --------------------------

var ErrHalted = errors.New("vm: already halted")
var ErrInvalidOpcode = errors.New("vm: invalid opcode")
var ErrInvalidFunction = errors.New("vm: invalid function index")
var ErrInvalidNative = errors.New("vm: invalid native function index")
var ErrCallStackUnderflow = errors.New("vm: return with empty call stack")

// HotThreshold is HOT_THRESHOLD (spec.md §4.4): the loop back-edge hit count
// that triggers a tier-up attempt.
const HotThreshold uint64 = 1000

// Function is one compiled function's baseline chunk plus its tiering state.
// There is no separately-compiled "specialized_chunk" (spec.md §4.10's
// compile-time specializer is an external compiler stage out of scope here,
// same as parsing/type inference — see DESIGN.md); tier-up instead installs
// a native Entry in the (func, loop) cache that Step invokes in place of
// interpreting bytecode at that loop header.
type Function struct {
	Chunk         *chunk.Chunk
	RegisterCount int
	TempCount     int

	tier        Tier
	blocklisted map[int]bool
}

// InterpretResult is the driver-facing run outcome (spec.md §6).
type InterpretResult uint8

const (
	OK InterpretResult = iota
	CompileError
	RuntimeError
)

func (r InterpretResult) String() string {
	switch r {
	case OK:
		return "OK"
	case CompileError:
		return "COMPILE_ERROR"
	case RuntimeError:
		return "RUNTIME_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Tier is a function's current execution tier (spec.md §4.2/§4.10).
type Tier uint8

const (
	TierBaseline Tier = iota
	TierSpecialized
)

func NewFunction(c *chunk.Chunk, registerCount, tempCount int) *Function {
	return &Function{Chunk: c, RegisterCount: registerCount, TempCount: tempCount,
		blocklisted: make(map[int]bool)}
}

func (f *Function) Tier() Tier { return f.tier }

// NativeFunc is the native function ABI (spec.md §6):
// fn(argc, args) -> Value, with args already the final reconciled boxed
// values in the call's spill range.
type NativeFunc func(args []value.Value) (value.Value, error)

// callFrame records how to resume the caller after RETURN.
type callFrame struct {
	funcIndex int
	returnIP  int
	returnReg int
}

// cacheKey identifies one (function, loop header) tiering slot.
type cacheKey struct {
	Func int
	Loop int
}

// VM is the Orus virtual machine: dispatcher, register file, heap, profiler,
// and tiering cache bound together (spec.md §4).
type VM struct {
	heap *heap.Heap
	regs *regfile.RegisterFile

	funcs   []*Function
	curFunc int
	ip      int

	callStack []callFrame

	natives []NativeFunc

	profiler *profiler
	cache    *lru.Cache // cacheKey -> *jit.Entry
	sf       singleflight.Group

	rolloutStage jitir.RolloutStage
	failureLog   *jitir.FailureLog

	lastError value.Value
	result    value.Value

	// nativeFunc/nativeLoop identify the (func, loop) cache key of the
	// currently-running JIT Entry, set around EntryPoint invocations so the
	// Host callbacks (HandleTypeErrorDeopt, Resume) know which cache slot a
	// deopt must evict without jit needing to import vm's Function type.
	nativeFunc, nativeLoop int

	jitCompilationCount uint64
	jitNativeTypeDeopts uint64
	jitDeoptCount       uint64

	isShuttingDown bool
	done           bool
	out            io.Writer
}

// New creates a VM over the given functions (index 0 is the entry function),
// with a fresh heap/register file sized by globalCount, and the rollout
// gate starting at stage.
func New(funcs []*Function, globalCount int, stage jitir.RolloutStage) *VM {
	h := heap.New(0)
	c, _ := lru.New(256)
	return &VM{
		heap:         h,
		regs:         regfile.New(h, globalCount),
		funcs:        funcs,
		natives:      nil,
		profiler:     newProfiler(),
		cache:        c,
		rolloutStage: stage,
		failureLog:   jitir.NewFailureLog(),
		out:          os.Stdout,
	}
}

// SetOutput redirects PRINT opcode output (default os.Stdout); tests use
// this to capture output deterministically.
func (vm *VM) SetOutput(w io.Writer) { vm.out = w }

// RegisterNative installs fn at nativeIdx, growing the native table if
// necessary.
func (vm *VM) RegisterNative(nativeIdx int, fn NativeFunc) {
	for len(vm.natives) <= nativeIdx {
		vm.natives = append(vm.natives, nil)
	}
	vm.natives[nativeIdx] = fn
}

// Heap returns the owned heap, for tests that need to force GC thresholds.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// Registers returns the owned register file, for tests that need to seed
// register state before Run.
func (vm *VM) Registers() *regfile.RegisterFile { return vm.regs }

// FailureLog returns the translation failure log (spec.md §4.5/§9).
func (vm *VM) FailureLog() *jitir.FailureLog { return vm.failureLog }

// LastError returns the current runtime Error value (vm.lastError), or
// value.Nil if none is set.
func (vm *VM) LastError() value.Value { return vm.lastError }

// Result returns the value the entry function returned (or HALTed with)
// once Run has completed with InterpretResult OK.
func (vm *VM) Result() value.Value { return vm.result }

// RegisterKind implements jitir.TypeOracle, letting the translator infer a
// register's current typed kind without importing vm.
func (vm *VM) RegisterKind(id int) (value.Kind, bool) { return vm.regs.RegisterKind(id) }

// JITCounters reports the tiering counters spec.md §4.7/§8 require.
func (vm *VM) JITCounters() (compilations, nativeTypeDeopts, deoptCount uint64) {
	return vm.jitCompilationCount, vm.jitNativeTypeDeopts, vm.jitDeoptCount
}

// RequestShutdown sets vm.isShuttingDown; the dispatcher checks it between
// instructions and exits OK after unwinding (spec.md §5).
func (vm *VM) RequestShutdown() { vm.isShuttingDown = true }

// EachRoot implements heap.RootProvider (spec.md §4.8 invariant set):
// delegates to the register file's roots, then adds vm.lastError.
func (vm *VM) EachRoot(fn func(value.Value)) {
	vm.regs.EachRoot(fn)
	fn(vm.lastError)
}

func (vm *VM) currentFunction() *Function {
	return vm.funcs[vm.curFunc]
}

func (vm *VM) activeChunk() *chunk.Chunk {
	return vm.currentFunction().Chunk
}

func (vm *VM) raiseError(kind heap.ErrorKind, msg string, offset int) {
	line, column, file := 0, 0, ""
	if offset >= 0 {
		line, column, file = vm.activeChunk().SourceAt(offset)
	}
	obj := vm.heap.NewError(kind, msg, file, line, column)
	vm.lastError = value.Ref(value.KindError, obj)
}

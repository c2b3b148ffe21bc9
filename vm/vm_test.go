// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/orusvm/orus/chunk"
	"github.com/orusvm/orus/jitir"
	"github.com/orusvm/orus/value"
)

const testFile = "test.orus"

func runOK(t *testing.T, vmInst *VM) {
	t.Helper()
	if got := vmInst.Run(); got != OK {
		errMsg := ""
		if e := vmInst.LastError(); !e.IsNil() {
			errMsg = e.String()
		}
		t.Fatalf("Run() = %s, want OK (%s)", got, errMsg)
	}
}

func TestCallReturnRoundTrip(t *testing.T) {
	// fn1(a, b) = a + b, both I32.
	c1 := chunk.New()
	c1.Emit(chunk.OpAddTyped, 1, 1, testFile, uint64(value.KindI32), 2, 0, 1)
	c1.Emit(chunk.OpReturn, 1, 1, testFile, 2)
	c1.Freeze()

	c0 := chunk.New()
	i3 := c0.AddConstant(value.I32(3))
	i4 := c0.AddConstant(value.I32(4))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 0, uint64(i3))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 1, uint64(i4))
	c0.Emit(chunk.OpCall, 1, 1, testFile, 2, 1, 0, 2)
	c0.Emit(chunk.OpHalt, 1, 1, testFile, 2)
	c0.Freeze()

	fn0 := NewFunction(c0, 3, 0)
	fn1 := NewFunction(c1, 3, 0)
	vmInst := New([]*Function{fn0, fn1}, 3, jitir.RolloutStrings)

	runOK(t, vmInst)

	if got := vmInst.Result().AsI32(); got != 7 {
		t.Fatalf("Result() = %d, want 7", got)
	}
}

func TestCallNativeRoundTrip(t *testing.T) {
	c0 := chunk.New()
	i10 := c0.AddConstant(value.I32(10))
	i32 := c0.AddConstant(value.I32(32))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 0, uint64(i10))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 1, uint64(i32))
	c0.Emit(chunk.OpCallNative, 1, 1, testFile, 2, 0, 0, 2)
	c0.Emit(chunk.OpHalt, 1, 1, testFile, 2)
	c0.Freeze()

	fn0 := NewFunction(c0, 3, 0)
	vmInst := New([]*Function{fn0}, 3, jitir.RolloutStrings)
	vmInst.RegisterNative(0, func(args []value.Value) (value.Value, error) {
		return value.I32(args[0].AsI32() + args[1].AsI32()), nil
	})

	runOK(t, vmInst)

	if got := vmInst.Result().AsI32(); got != 42 {
		t.Fatalf("Result() = %d, want 42", got)
	}
}

func TestTypedArithOverflowRaisesRuntimeError(t *testing.T) {
	c0 := chunk.New()
	iMax := c0.AddConstant(value.I32(2147483647))
	iOne := c0.AddConstant(value.I32(1))
	c0.Emit(chunk.OpLoadTypedConst, 5, 1, testFile, uint64(value.KindI32), 0, uint64(iMax))
	c0.Emit(chunk.OpLoadTypedConst, 5, 2, testFile, uint64(value.KindI32), 1, uint64(iOne))
	c0.Emit(chunk.OpAddTyped, 6, 1, testFile, uint64(value.KindI32), 2, 0, 1)
	c0.Emit(chunk.OpHalt, 7, 1, testFile, 2)
	c0.Freeze()

	fn0 := NewFunction(c0, 3, 0)
	vmInst := New([]*Function{fn0}, 3, jitir.RolloutStrings)

	if got := vmInst.Run(); got != RuntimeError {
		t.Fatalf("Run() = %s, want RUNTIME_ERROR", got)
	}
	errVal := vmInst.LastError()
	if errVal.IsNil() {
		t.Fatal("LastError() is nil, want an overflow error")
	}
	if line, _, file := vmInst.activeChunk().SourceAt(vmInst.ip); line != 6 || file != testFile {
		t.Fatalf("error location = (%d,%s), want (6,%s)", line, file, testFile)
	}
}

func TestDivisionByZeroRuntimeError(t *testing.T) {
	c0 := chunk.New()
	iNum := c0.AddConstant(value.I32(10))
	iZero := c0.AddConstant(value.I32(0))
	c0.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(value.KindI32), 0, uint64(iNum))
	c0.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(value.KindI32), 1, uint64(iZero))
	c0.Emit(chunk.OpDivTyped, 1, 1, testFile, uint64(value.KindI32), 2, 0, 1)
	c0.Emit(chunk.OpHalt, 1, 1, testFile, 2)
	c0.Freeze()

	fn0 := NewFunction(c0, 3, 0)
	vmInst := New([]*Function{fn0}, 3, jitir.RolloutStrings)

	if got := vmInst.Run(); got != RuntimeError {
		t.Fatalf("Run() = %s, want RUNTIME_ERROR", got)
	}
}

// buildCountingLoop emits: counter starts at start, limit is limit, bumps
// accumulator by one every iteration via a typed add, and terminates the
// fused INC_CMP_JMP/DEC_CMP_JMP once the comparison fails, returning the
// accumulator. Used to exercise both loop directions across numeric kinds.
func buildCountingLoop(t *testing.T, kind value.Kind, start, limit, constOne int64, inc bool) (*chunk.Chunk, func(v value.Value) int64) {
	t.Helper()
	c := chunk.New()

	mk := func(n int64) value.Value {
		switch kind {
		case value.KindI32:
			return value.I32(int32(n))
		case value.KindU32:
			return value.U32(uint32(n))
		case value.KindI64:
			return value.I64(n)
		case value.KindU64:
			return value.U64(uint64(n))
		default:
			t.Fatalf("unsupported kind %s", kind)
			return value.Nil
		}
	}

	iStart := c.AddConstant(mk(start))
	iLimit := c.AddConstant(mk(limit))
	iOne := c.AddConstant(mk(constOne))
	iZero := c.AddConstant(mk(0))

	// reg0 = counter, reg1 = limit, reg2 = accumulator, reg3 = the literal 1
	// added to the accumulator once per iteration (so the result directly
	// reports how many times the loop body ran).
	c.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(kind), 0, uint64(iStart))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(kind), 1, uint64(iLimit))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(kind), 2, uint64(iZero))
	c.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(kind), 3, uint64(iOne))

	loopOp := chunk.OpIncCmpJmp
	if !inc {
		loopOp = chunk.OpDecCmpJmp
	}
	bodyStart := c.Len()
	c.Emit(chunk.OpAddTyped, 2, 1, testFile, uint64(kind), 2, 2, 3)
	// Negative offset from after INC_CMP_JMP/DEC_CMP_JMP back to bodyStart.
	headerIP := c.Len()
	width := chunk.OpIncCmpJmp.Width()
	back := bodyStart - (headerIP + width)
	c.Emit(loopOp, 1, 1, testFile, 0, 1, uint64(uint16(int16(back))))
	c.Emit(chunk.OpReturn, 1, 1, testFile, 2)
	c.Freeze()

	extract := func(v value.Value) int64 {
		switch kind {
		case value.KindI32:
			return int64(v.AsI32())
		case value.KindU32:
			return int64(v.AsU32())
		case value.KindI64:
			return v.AsI64()
		case value.KindU64:
			return int64(v.AsU64())
		}
		return 0
	}
	return c, extract
}

func TestIncCmpJmpTerminatesAfterNIterations(t *testing.T) {
	for _, kind := range []value.Kind{value.KindI32, value.KindU32, value.KindI64, value.KindU64} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			c, extract := buildCountingLoop(t, kind, 0, 5, 1, true)
			fn0 := NewFunction(c, 4, 0)
			vmInst := New([]*Function{fn0}, 4, jitir.RolloutStrings)
			runOK(t, vmInst)
			if got := extract(vmInst.Result()); got != 5 {
				t.Fatalf("accumulator = %d, want 5 (counted 0..5)", got)
			}
		})
	}
}

func TestDecCmpJmpTerminatesAfterNIterations(t *testing.T) {
	c, extract := buildCountingLoop(t, value.KindI32, 5, 0, 1, false)
	fn0 := NewFunction(c, 4, 0)
	vmInst := New([]*Function{fn0}, 4, jitir.RolloutStrings)
	runOK(t, vmInst)
	if got := extract(vmInst.Result()); got != 5 {
		t.Fatalf("accumulator = %d, want 5 (counted down 5..0)", got)
	}
}

func TestHotLoopTiersUpAndStaysCorrect(t *testing.T) {
	// HotThreshold back-edges of the same (func, loop) trigger exactly one
	// translate+compile attempt (spec.md §4.4); running well past it must
	// still produce the same result a fully-interpreted run would, whether
	// or not the installed Entry is native (spec.md §4.7's fallback to the
	// baseline interpreter is always correctness-preserving either way).
	const iterations = int64(HotThreshold) + 100
	c, extract := buildCountingLoop(t, value.KindI32, 0, iterations, 1, true)
	fn0 := NewFunction(c, 4, 0)
	vmInst := New([]*Function{fn0}, 4, jitir.RolloutStrings)

	runOK(t, vmInst)

	if got := extract(vmInst.Result()); got != iterations {
		t.Fatalf("accumulator = %d, want %d", got, iterations)
	}
	compilations, _, _ := vmInst.JITCounters()
	if compilations == 0 {
		t.Fatal("expected at least one JIT compilation after crossing HotThreshold back-edges")
	}
	if fn0.Tier() != TierSpecialized {
		t.Fatalf("Tier() = %v, want TierSpecialized after a successful tier-up", fn0.Tier())
	}
}

func TestConcatStrings(t *testing.T) {
	// CONCAT needs heap strings in registers; build those directly through
	// the VM's heap rather than the constant pool (constants are plain
	// Values; interned strings are heap objects the VM itself allocates).
	fn0 := NewFunction(chunk.New(), 3, 0)
	vmInst := New([]*Function{fn0}, 3, jitir.RolloutStrings)

	helloObj := vmInst.Heap().NewString("hello, ")
	worldObj := vmInst.Heap().NewString("world")
	vmInst.Registers().SetRegister(0, value.Ref(value.KindString, helloObj))
	vmInst.Registers().SetRegister(1, value.Ref(value.KindString, worldObj))

	c := chunk.New()
	c.Emit(chunk.OpConcat, 1, 1, testFile, 2, 0, 1)
	c.Emit(chunk.OpReturn, 1, 1, testFile, 2)
	c.Freeze()
	fn0.Chunk = c

	runOK(t, vmInst)

	if got := vmInst.Result().String(); got != "hello, world" {
		t.Fatalf("Result() = %q, want %q", got, "hello, world")
	}
}

func TestArrayMakePushGet(t *testing.T) {
	c0 := chunk.New()
	i1 := c0.AddConstant(value.I32(1))
	i2 := c0.AddConstant(value.I32(2))
	i3 := c0.AddConstant(value.I32(3))
	iCount := c0.AddConstant(value.I32(2))

	// MAKE_ARRAY reads its elements from dst..dst+count-1, then overwrites
	// dst with the resulting array (elements "reused in place" per
	// chunk/opcodes.go) — so the two seed elements live at reg2/reg3, the
	// same base MAKE_ARRAY is given as its dst.
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 2, uint64(i1))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 3, uint64(i2))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 4, uint64(iCount))
	c0.Emit(chunk.OpMakeArray, 1, 1, testFile, 2, 4) // dst=2, count from reg4(=2)
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 1, uint64(i3))
	c0.Emit(chunk.OpArrayPush, 1, 1, testFile, 2, 1) // arr=reg2, value=reg1(=3)
	c0.Emit(chunk.OpArrayGet, 1, 1, testFile, 5, 2, 4) // dst=5, arr=reg2, idx=reg4(=2)
	c0.Emit(chunk.OpReturn, 1, 1, testFile, 5)
	c0.Freeze()

	fn0 := NewFunction(c0, 6, 0)
	vmInst := New([]*Function{fn0}, 6, jitir.RolloutStrings)

	runOK(t, vmInst)

	if got := vmInst.Result().AsI32(); got != 3 {
		t.Fatalf("Result() = %d, want 3 (array[2] after push)", got)
	}
}

func TestPrintOutput(t *testing.T) {
	c0 := chunk.New()
	i := c0.AddConstant(value.I32(42))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 0, uint64(i))
	c0.Emit(chunk.OpPrint, 1, 1, testFile, 0)
	c0.Emit(chunk.OpReturnVoid, 1, 1, testFile)
	c0.Freeze()

	fn0 := NewFunction(c0, 1, 0)
	vmInst := New([]*Function{fn0}, 1, jitir.RolloutStrings)
	var buf bytes.Buffer
	vmInst.SetOutput(&buf)

	runOK(t, vmInst)

	if got := strings.TrimSpace(buf.String()); got != "42" {
		t.Fatalf("printed output = %q, want %q", got, "42")
	}
}

func TestAssertEqPassesAndFails(t *testing.T) {
	c0 := chunk.New()
	i7a := c0.AddConstant(value.I32(7))
	i7b := c0.AddConstant(value.I32(7))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 0, uint64(i7a))
	c0.Emit(chunk.OpLoadConst, 1, 1, testFile, 1, uint64(i7b))
	c0.Emit(chunk.OpAssertEq, 1, 1, testFile, 0, 1)
	c0.Emit(chunk.OpReturnVoid, 1, 1, testFile)
	c0.Freeze()
	fn0 := NewFunction(c0, 2, 0)
	vmInst := New([]*Function{fn0}, 2, jitir.RolloutStrings)
	runOK(t, vmInst)

	c1 := chunk.New()
	i7 := c1.AddConstant(value.I32(7))
	i8 := c1.AddConstant(value.I32(8))
	c1.Emit(chunk.OpLoadConst, 1, 1, testFile, 0, uint64(i7))
	c1.Emit(chunk.OpLoadConst, 1, 1, testFile, 1, uint64(i8))
	c1.Emit(chunk.OpAssertEq, 1, 1, testFile, 0, 1)
	c1.Emit(chunk.OpReturnVoid, 1, 1, testFile)
	c1.Freeze()
	fn1 := NewFunction(c1, 2, 0)
	vmInst2 := New([]*Function{fn1}, 2, jitir.RolloutStrings)
	if got := vmInst2.Run(); got != RuntimeError {
		t.Fatalf("Run() = %s, want RUNTIME_ERROR for failing assertion", got)
	}
}

func TestGCRunsUnderHotLoopAndPreservesLiveValues(t *testing.T) {
	// Each iteration concatenates the (distinct, per-iteration) counter
	// value with itself, producing a fresh, never-before-interned heap
	// string, then adds one to the accumulator. A tiny threshold forces
	// multiple collections across the loop; the accumulator, reachable
	// only through the active typed register, must still read back
	// correctly afterward.
	const iterations = 50
	c0 := chunk.New()
	i0 := c0.AddConstant(value.I32(0))
	iLimit := c0.AddConstant(value.I32(iterations))
	iOne := c0.AddConstant(value.I32(1))

	// reg0=counter, reg1=limit, reg2=accumulator, reg6=the constant 1.
	c0.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(value.KindI32), 0, uint64(i0))
	c0.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(value.KindI32), 1, uint64(iLimit))
	c0.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(value.KindI32), 2, uint64(i0))
	c0.Emit(chunk.OpLoadTypedConst, 1, 1, testFile, uint64(value.KindI32), 6, uint64(iOne))

	bodyStart := c0.Len()
	// reg3 mirrors the counter's boxed form; CONCAT(reg3, reg3) allocates a
	// fresh, uninterned heap string every iteration (each counter value
	// renders to distinct digits) so MaybeCollect has churn to sweep.
	c0.Emit(chunk.OpMove, 1, 1, testFile, 3, 0)
	c0.Emit(chunk.OpConcat, 1, 1, testFile, 5, 3, 3)
	c0.Emit(chunk.OpAddTyped, 1, 1, testFile, uint64(value.KindI32), 2, 2, 6)
	headerIP := c0.Len()
	width := chunk.OpIncCmpJmp.Width()
	back := bodyStart - (headerIP + width)
	c0.Emit(chunk.OpIncCmpJmp, 1, 1, testFile, 0, 1, uint64(uint16(int16(back))))
	c0.Emit(chunk.OpReturn, 1, 1, testFile, 2)
	c0.Freeze()

	fn0 := NewFunction(c0, 7, 0)
	vmInst := New([]*Function{fn0}, 7, jitir.RolloutStrings)
	vmInst.Heap().SetThreshold(64) // force frequent collections

	runOK(t, vmInst)

	if got := vmInst.Result().AsI32(); got != iterations {
		t.Fatalf("accumulator = %d, want %d (survived GC churn)", got, iterations)
	}
	if vmInst.Heap().Collections() == 0 {
		t.Fatal("expected at least one GC collection under a 64-byte threshold")
	}
}

func TestInvalidCallTargetRaisesRuntimeError(t *testing.T) {
	c0 := chunk.New()
	c0.Emit(chunk.OpCall, 1, 1, testFile, 0, 99, 0, 0)
	c0.Emit(chunk.OpHalt, 1, 1, testFile, 0)
	c0.Freeze()
	fn0 := NewFunction(c0, 1, 0)
	vmInst := New([]*Function{fn0}, 1, jitir.RolloutStrings)
	if got := vmInst.Run(); got != RuntimeError {
		t.Fatalf("Run() = %s, want RUNTIME_ERROR for call to invalid function index", got)
	}
}

// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"errors"
	"fmt"

	"github.com/orusvm/orus/chunk"
	"github.com/orusvm/orus/heap"
	"github.com/orusvm/orus/jit"
	"github.com/orusvm/orus/value"
)

// errRuntime signals that execute already populated vm.lastError via
// raiseError; Run/Step only need to translate it into RuntimeError.
var errRuntime = errors.New("vm: runtime error")

// Run drives the dispatch loop to completion: OK on a clean RETURN/HALT,
// RuntimeError once a step raises one, or OK immediately if RequestShutdown
// was called (spec.md §5/§6).
func (vm *VM) Run() InterpretResult {
	for !vm.done && !vm.isShuttingDown {
		if err := vm.Step(); err != nil {
			if err == ErrHalted {
				return OK
			}
			return RuntimeError
		}
	}
	return OK
}

// Step fetches, decodes, and executes exactly one instruction — or, at a
// fused loop header with an installed native Entry, runs the specialized
// tier instead (spec.md §5's "loop back-edges" tier-up gate).
func (vm *VM) Step() error {
	if vm.done {
		return ErrHalted
	}
	c := vm.activeChunk()
	if vm.ip >= c.Len() {
		vm.done = true
		return nil
	}
	if isLoopHeader(c, vm.ip) {
		if entry, ok := vm.lookupEntry(vm.curFunc, vm.ip); ok {
			return vm.runNative(entry)
		}
	}
	op, args, width := c.DecodeAt(vm.ip)
	if !op.Valid() {
		return ErrInvalidOpcode
	}
	return vm.execute(op, args, width)
}

// runNative invokes a tiered-up Entry's EntryPoint. vm.nativeFunc/nativeLoop
// identify the cache slot for the Host callbacks (spec.md §4.6/§4.7).
func (vm *VM) runNative(entry *jit.Entry) error {
	vm.nativeFunc, vm.nativeLoop = vm.curFunc, vm.ip
	switch entry.EntryPoint(vm) {
	case jit.ControlReturn:
		vm.ip = entry.ResumeOnReturn
	case jit.ControlDeopt, jit.ControlExit:
		// HandleTypeErrorDeopt/Resume already set vm.ip.
	}
	return nil
}

func (vm *VM) fail(kind heap.ErrorKind, msg string) error {
	vm.raiseError(kind, msg, vm.ip)
	return errRuntime
}

// readTyped reads local's typed payload as kind, falling back to the boxed
// mirror when the slot isn't cached as a live typed value of that kind but
// already holds one (e.g. right after SetRegister, or a value that arrived
// via CALL).
func (vm *VM) readTyped(local int, kind value.Kind) (value.Value, error) {
	if v, ok := vm.regs.TryReadTyped(vm.reg(local), kind); ok {
		return v, nil
	}
	boxed := vm.regs.GetRegister(vm.reg(local))
	if boxed.Kind() == kind {
		return boxed, nil
	}
	return value.Value{}, fmt.Errorf("expected %s, got %s", kind, boxed.Kind())
}

// execute dispatches one decoded instruction. width is the instruction's
// total byte length; execute advances vm.ip by width unless a branch/call/
// return already repositioned it.
func (vm *VM) execute(op chunk.Opcode, args []uint64, width int) error {
	c := vm.activeChunk()
	jumped := false

	switch op {
	case chunk.OpLoadConst:
		dst, idx := int(args[0]), args[1]
		vm.regs.SetRegister(vm.reg(dst), c.Constants[idx])

	case chunk.OpLoadTrue:
		vm.regs.SetRegister(vm.reg(int(args[0])), value.Bool(true))
	case chunk.OpLoadFalse:
		vm.regs.SetRegister(vm.reg(int(args[0])), value.Bool(false))
	case chunk.OpLoadNil:
		vm.regs.SetRegister(vm.reg(int(args[0])), value.Nil)

	case chunk.OpMove:
		dst, src := int(args[0]), int(args[1])
		vm.regs.SetRegister(vm.reg(dst), vm.regs.GetRegister(vm.reg(src)))

	case chunk.OpConcat:
		dst, a, b := int(args[0]), int(args[1]), int(args[2])
		r := vm.concatValues(vm.regs.GetRegister(vm.reg(a)), vm.regs.GetRegister(vm.reg(b)))
		vm.regs.SetRegister(vm.reg(dst), r)
		vm.heap.MaybeCollect(vm)

	case chunk.OpCall:
		dst, funcIdx, argBase, argCount := int(args[0]), int(args[1]), int(args[2]), int(args[3])
		if err := vm.doCall(dst, funcIdx, argBase, argCount, width); err != nil {
			return err
		}
		jumped = true

	case chunk.OpCallNative:
		dst, nativeIdx, spillBase, spillCount := int(args[0]), int(args[1]), int(args[2]), int(args[3])
		v, err := vm.CallNative(nativeIdx, spillBase, spillCount)
		if err != nil {
			return vm.fail(heap.ErrorRuntime, err.Error())
		}
		vm.regs.SetRegister(vm.reg(dst), v)
		vm.heap.MaybeCollect(vm)

	case chunk.OpReturn:
		v := vm.regs.GetRegister(vm.reg(int(args[0])))
		vm.doReturn(v)
		jumped = true
	case chunk.OpReturnVoid:
		vm.doReturn(value.Nil)
		jumped = true

	case chunk.OpJumpShort:
		vm.ip = vm.ip + width + int(args[0])
		jumped = true
	case chunk.OpJumpLong:
		rel := int(int16(uint16(args[0])))
		vm.ip = vm.ip + width + rel
		jumped = true

	case chunk.OpJumpIfNotShort:
		reg, off := int(args[0]), int(args[1])
		if !vm.regs.GetRegister(vm.reg(reg)).Truthy() {
			vm.ip = vm.ip + width + off
			jumped = true
		}
	case chunk.OpJumpIfNotLong:
		reg := int(args[0])
		rel := int(int16(uint16(args[1])))
		if !vm.regs.GetRegister(vm.reg(reg)).Truthy() {
			vm.ip = vm.ip + width + rel
			jumped = true
		}

	case chunk.OpHalt:
		vm.result = vm.regs.GetRegister(vm.reg(int(args[0])))
		vm.done = true
		jumped = true

	case chunk.OpGetIter:
		dst, src := int(args[0]), int(args[1])
		vm.regs.SetRegister(vm.reg(dst), vm.GetIter(vm.regs.GetRegister(vm.reg(src))))

	case chunk.OpIterNext:
		dst, hasReg, iterReg := int(args[0]), int(args[1]), int(args[2])
		iter := vm.regs.GetRegister(vm.reg(iterReg))
		switch it := iter.Ref().(type) {
		case *heap.RangeIterator:
			vm.regs.RangeNext(it, vm.reg(dst), vm.reg(hasReg))
		case *heap.ArrayIterator:
			vm.regs.ArrayNext(it, vm.reg(dst), vm.reg(hasReg))
		default:
			return vm.fail(heap.ErrorType, "ITER_NEXT on a non-iterator value")
		}

	case chunk.OpMakeArray:
		dst, countReg := int(args[0]), int(args[1])
		count := int(vm.regs.GetRegister(vm.reg(countReg)).AsI32())
		vm.regs.SetRegister(vm.reg(dst), vm.MakeArray(dst, count))
		vm.heap.MaybeCollect(vm)

	case chunk.OpArrayPush:
		arrReg, valReg := int(args[0]), int(args[1])
		vm.ArrayPush(vm.regs.GetRegister(vm.reg(arrReg)), vm.regs.GetRegister(vm.reg(valReg)))
		vm.heap.MaybeCollect(vm)

	case chunk.OpArrayGet:
		dst, arrReg, idxReg := int(args[0]), int(args[1]), int(args[2])
		arrVal := vm.regs.GetRegister(vm.reg(arrReg))
		arr, ok := arrVal.Ref().(*heap.Array)
		if !ok {
			return vm.fail(heap.ErrorType, "ARRAY_GET on a non-array value")
		}
		idx := int(vm.regs.GetRegister(vm.reg(idxReg)).AsI64())
		if idx < 0 || idx >= len(arr.Elems) {
			return vm.fail(heap.ErrorValue, fmt.Sprintf("array index %d out of range (len %d)", idx, len(arr.Elems)))
		}
		vm.regs.SetRegister(vm.reg(dst), arr.Elems[idx])

	case chunk.OpArraySet:
		arrReg, idxReg, valReg := int(args[0]), int(args[1]), int(args[2])
		arrVal := vm.regs.GetRegister(vm.reg(arrReg))
		arr, ok := arrVal.Ref().(*heap.Array)
		if !ok {
			return vm.fail(heap.ErrorType, "ARRAY_SET on a non-array value")
		}
		idx := int(vm.regs.GetRegister(vm.reg(idxReg)).AsI64())
		if idx < 0 || idx >= len(arr.Elems) {
			return vm.fail(heap.ErrorValue, fmt.Sprintf("array index %d out of range (len %d)", idx, len(arr.Elems)))
		}
		arr.Elems[idx] = vm.regs.GetRegister(vm.reg(valReg))

	case chunk.OpTypeOf:
		dst, src := int(args[0]), int(args[1])
		vm.regs.SetRegister(vm.reg(dst), vm.TypeOf(vm.regs.GetRegister(vm.reg(src))))
	case chunk.OpIsType:
		dst, src, kind := int(args[0]), int(args[1]), value.Kind(args[2])
		vm.regs.SetRegister(vm.reg(dst), value.Bool(vm.IsType(vm.regs.GetRegister(vm.reg(src)), kind)))
	case chunk.OpPrint:
		vm.Print(vm.regs.GetRegister(vm.reg(int(args[0]))))
	case chunk.OpAssertEq:
		a, b := int(args[0]), int(args[1])
		if err := vm.AssertEq(vm.regs.GetRegister(vm.reg(a)), vm.regs.GetRegister(vm.reg(b))); err != nil {
			return vm.fail(heap.ErrorValue, err.Error())
		}

	case chunk.OpLoadTypedConst:
		kind, dst, idx := value.Kind(args[0]), int(args[1]), args[2]
		vm.regs.StoreTypedHot(vm.reg(dst), kind, c.Constants[idx])

	case chunk.OpAddTyped, chunk.OpSubTyped, chunk.OpMulTyped, chunk.OpDivTyped, chunk.OpModTyped:
		kind, dst, a, b := value.Kind(args[0]), int(args[1]), int(args[2]), int(args[3])
		av, err := vm.readTyped(a, kind)
		if err != nil {
			return vm.fail(heap.ErrorType, err.Error())
		}
		bv, err := vm.readTyped(b, kind)
		if err != nil {
			return vm.fail(heap.ErrorType, err.Error())
		}
		var arith arithOp
		switch op {
		case chunk.OpAddTyped:
			arith = arithAdd
		case chunk.OpSubTyped:
			arith = arithSub
		case chunk.OpMulTyped:
			arith = arithMul
		case chunk.OpDivTyped:
			arith = arithDiv
		case chunk.OpModTyped:
			arith = arithMod
		}
		r, err := typedArith(arith, kind, av, bv)
		if err != nil {
			return vm.fail(heap.ErrorValue, err.Error())
		}
		vm.regs.StoreTypedHot(vm.reg(dst), kind, r)

	case chunk.OpLtTyped, chunk.OpEqTyped:
		kind, dst, a, b := value.Kind(args[0]), int(args[1]), int(args[2]), int(args[3])
		av, err := vm.readTyped(a, kind)
		if err != nil {
			return vm.fail(heap.ErrorType, err.Error())
		}
		bv, err := vm.readTyped(b, kind)
		if err != nil {
			return vm.fail(heap.ErrorType, err.Error())
		}
		var result bool
		if op == chunk.OpLtTyped {
			result = typedCompareLess(kind, av, bv)
		} else {
			result = av.Bits() == bv.Bits() && av.Kind() == bv.Kind()
		}
		vm.regs.SetRegister(vm.reg(dst), value.Bool(result))

	case chunk.OpIncTypedR, chunk.OpDecTypedR:
		kind, reg := value.Kind(args[0]), int(args[1])
		v, err := vm.readTyped(reg, kind)
		if err != nil {
			return vm.fail(heap.ErrorType, err.Error())
		}
		arith := arithAdd
		if op == chunk.OpDecTypedR {
			arith = arithSub
		}
		r, err := typedArith(arith, kind, v, typedOne(kind))
		if err != nil {
			return vm.fail(heap.ErrorValue, err.Error())
		}
		vm.regs.StoreTypedHot(vm.reg(reg), kind, r)

	case chunk.OpMoveTyped:
		kind, dst, src := value.Kind(args[0]), int(args[1]), int(args[2])
		v, err := vm.readTyped(src, kind)
		if err != nil {
			return vm.fail(heap.ErrorType, err.Error())
		}
		vm.regs.StoreTypedHot(vm.reg(dst), kind, v)

	case chunk.OpIncCmpJmp, chunk.OpDecCmpJmp:
		counter, limit := int(args[0]), int(args[1])
		rel := int(int16(uint16(args[2])))
		inc := op == chunk.OpIncCmpJmp

		var next value.Value
		var branch bool
		var err error
		kind, liveC := vm.regs.RegisterKind(vm.reg(counter))
		kindL, liveL := vm.regs.RegisterKind(vm.reg(limit))
		if liveC && liveL && kind == kindL {
			cv, _ := vm.regs.TryReadTyped(vm.reg(counter), kind)
			lv, _ := vm.regs.TryReadTyped(vm.reg(limit), kind)
			next, branch, err = typedFusedStep(inc, kind, cv, lv)
			if err == nil {
				vm.regs.StoreTypedHot(vm.reg(counter), kind, next)
			}
		} else {
			cv := vm.regs.GetRegister(vm.reg(counter))
			lv := vm.regs.GetRegister(vm.reg(limit))
			next, branch, err = boxedFusedStep(inc, cv, lv)
			if err == nil {
				vm.regs.SetRegister(vm.reg(counter), next)
			}
		}
		if err != nil {
			return vm.fail(heap.ErrorValue, err.Error())
		}
		if branch {
			vm.onLoopBackEdge(vm.curFunc, vm.ip)
			vm.ip = vm.ip + width + rel
			jumped = true
		}

	case chunk.OpJumpIfNotTypedBool:
		reg := int(args[0])
		rel := int(int16(uint16(args[1])))
		v, err := vm.readTyped(reg, value.KindBool)
		if err != nil {
			return vm.fail(heap.ErrorType, err.Error())
		}
		if !v.Truthy() {
			vm.ip = vm.ip + width + rel
			jumped = true
		}

	default:
		return ErrInvalidOpcode
	}

	if !jumped {
		vm.ip += width
	}
	return nil
}

// doCall pushes a callFrame and a fresh register window, copies the caller's
// argument registers into the callee's parameter base, and transfers control
// to funcIdx at its own offset 0 (spec.md §4.1/§6: "Frames: created on
// CALL"). There is no distinct tail-call opcode in this bytecode (see
// DESIGN.md) — every call, tail or not, goes through this path.
func (vm *VM) doCall(dst, funcIdx, argBase, argCount, width int) error {
	if funcIdx < 0 || funcIdx >= len(vm.funcs) {
		return vm.fail(heap.ErrorName, fmt.Sprintf("call to invalid function index %d", funcIdx))
	}
	fn := vm.funcs[funcIdx]

	args := make([]value.Value, argCount)
	for i := 0; i < argCount; i++ {
		args[i] = vm.regs.GetRegister(vm.reg(argBase + i))
	}
	returnReg := vm.reg(dst)

	vm.callStack = append(vm.callStack, callFrame{
		funcIndex: vm.curFunc,
		returnIP:  vm.ip + width,
		returnReg: returnReg,
	})

	frame := vm.regs.FrameAlloc(fn.RegisterCount, fn.TempCount)
	frame.SetCallMetadata(0, 0)
	base := frame.FrameBase()
	for i, a := range args {
		vm.regs.SetRegister(base+i, a)
	}

	vm.curFunc = funcIdx
	vm.ip = 0
	return nil
}

// doReturn pops the active callee frame (if any — returning from the
// entry function, which runs directly in the global band, never allocated
// one) and resumes the caller, writing v into its result register. An empty
// call stack means the entry function itself returned: the VM halts with v
// as its final result (spec.md §6).
func (vm *VM) doReturn(v value.Value) {
	if len(vm.callStack) == 0 {
		vm.result = v
		vm.done = true
		return
	}
	vm.regs.FrameFree()
	top := vm.callStack[len(vm.callStack)-1]
	vm.callStack = vm.callStack[:len(vm.callStack)-1]
	vm.curFunc = top.funcIndex
	vm.ip = top.returnIP
	vm.regs.SetRegister(top.returnReg, v)
}

// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"fmt"

	"github.com/orusvm/orus/heap"
	"github.com/orusvm/orus/jit"
	"github.com/orusvm/orus/regfile"
	"github.com/orusvm/orus/value"
)

// vm.go/dispatch.go decode bytecode register operands as frame-relative
// small integers; reg translates one into the flat ID space regfile expects
// by adding the active frame's FrameBase (spec.md §4.1). IDs at or above
// regfile.SpillRegStart already live in the flat spill-area space and pass
// through untouched.
func (vm *VM) reg(local int) int {
	if local >= regfile.SpillRegStart {
		return local
	}
	if f := vm.regs.ActiveFrame(); f != nil {
		return f.FrameBase() + local
	}
	return local
}

// readArg/writeArg uniformly address either a frame register or a spill
// slot, so CALL/CALL_NATIVE's argument ranges work whether the emitter
// placed them directly in the callee's window or overflowed them into the
// dedicated spill area (spec.md §3).
func (vm *VM) readArg(id int) value.Value {
	if id >= regfile.SpillRegStart {
		return vm.regs.Unspill(id)
	}
	return vm.regs.GetRegister(vm.reg(id))
}

func (vm *VM) writeArg(id int, v value.Value) {
	if id >= regfile.SpillRegStart {
		vm.regs.SetSpill(id, v)
		return
	}
	vm.regs.SetRegister(vm.reg(id), v)
}

// ---- jit.Host implementation ----------------------------------------------

var _ jit.Host = (*VM)(nil)

func (vm *VM) ReadTyped(reg int, kind value.Kind) (value.Value, bool) {
	return vm.regs.TryReadTyped(vm.reg(reg), kind)
}

func (vm *VM) WriteTyped(reg int, kind value.Kind, v value.Value) {
	vm.regs.StoreTypedHot(vm.reg(reg), kind, v)
}

func (vm *VM) ReadBoxed(reg int) value.Value {
	return vm.regs.GetRegister(vm.reg(reg))
}

func (vm *VM) WriteBoxed(reg int, v value.Value) {
	vm.regs.SetRegister(vm.reg(reg), v)
}

// Safepoint runs a GC check; there is no separate "pending deopt" request in
// this VM (deopts are synchronous, signaled by a guard's own return value),
// so this only needs to service collection (spec.md §4.8).
func (vm *VM) Safepoint() {
	vm.heap.MaybeCollect(vm)
}

func (vm *VM) CallNative(nativeIdx int, spillBase, spillCount int) (value.Value, error) {
	if nativeIdx < 0 || nativeIdx >= len(vm.natives) || vm.natives[nativeIdx] == nil {
		return value.Value{}, ErrInvalidNative
	}
	args := make([]value.Value, spillCount)
	for i := 0; i < spillCount; i++ {
		args[i] = vm.readArg(spillBase + i)
	}
	return vm.natives[nativeIdx](args)
}

func (vm *VM) Concat(a, b value.Value) value.Value {
	return vm.concatValues(a, b)
}

func (vm *VM) concatValues(a, b value.Value) value.Value {
	obj := vm.heap.NewString(a.String() + b.String())
	return value.Ref(value.KindString, obj)
}

func (vm *VM) MakeArray(base, count int) value.Value {
	elems := make([]value.Value, count)
	for i := 0; i < count; i++ {
		elems[i] = vm.readArg(base + i)
	}
	obj := vm.heap.NewArray(elems)
	return value.Ref(value.KindArray, obj)
}

func (vm *VM) ArrayPush(arr, v value.Value) {
	a, ok := arr.Ref().(*heap.Array)
	if !ok {
		return
	}
	a.Elems = append(a.Elems, v)
}

func (vm *VM) GetIter(src value.Value) value.Value {
	switch o := src.Ref().(type) {
	case *heap.Range:
		it := vm.heap.NewRangeIterator(o)
		return value.Ref(value.KindRangeIterator, it)
	case *heap.Array:
		it := vm.heap.NewArrayIterator(o)
		return value.Ref(value.KindArrayIterator, it)
	default:
		return value.Nil
	}
}

func rangeIterInBounds(it *heap.RangeIterator) bool {
	if it.Src.Step >= 0 {
		return it.Current < it.Src.Stop
	}
	return it.Current > it.Src.Stop
}

func (vm *VM) IterNext(iter value.Value) (value.Value, bool, bool) {
	switch it := iter.Ref().(type) {
	case *heap.RangeIterator:
		if it.Done || !rangeIterInBounds(it) {
			it.Done = true
			return value.Nil, false, true
		}
		v := value.I64(it.Current)
		it.Current += it.Src.Step
		if !rangeIterInBounds(it) {
			it.Done = true
		}
		return v, true, true
	case *heap.ArrayIterator:
		if it.Index >= len(it.Src.Elems) {
			return value.Nil, false, true
		}
		v := it.Src.Elems[it.Index]
		it.Index++
		return v, true, true
	default:
		return value.Value{}, false, false
	}
}

func (vm *VM) Print(v value.Value) {
	fmt.Fprintln(vm.out, v.String())
}

// AssertEq implements ASSERT_EQ's equality rule: numerics compare by kind and
// bits, strings by content, arrays elementwise, everything else by identity.
func (vm *VM) AssertEq(a, b value.Value) error {
	if valuesEqual(a, b) {
		return nil
	}
	return fmt.Errorf("assertion failed: %s != %s", a.String(), b.String())
}

func valuesEqual(a, b value.Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case value.KindString:
		return a.String() == b.String()
	case value.KindArray:
		ar, aok := a.Ref().(*heap.Array)
		br, bok := b.Ref().(*heap.Array)
		if !aok || !bok || len(ar.Elems) != len(br.Elems) {
			return false
		}
		for i := range ar.Elems {
			if !valuesEqual(ar.Elems[i], br.Elems[i]) {
				return false
			}
		}
		return true
	case value.KindNil:
		return true
	default:
		return a.Bits() == b.Bits()
	}
}

func (vm *VM) TypeOf(v value.Value) value.Value {
	obj := vm.heap.NewString(v.Kind().String())
	return value.Ref(value.KindString, obj)
}

func (vm *VM) IsType(v value.Value, kind value.Kind) bool {
	return v.Kind() == kind
}

// HandleTypeErrorDeopt implements jit.Host's guard-failure path (spec.md
// §4.7): reconcile and clear the active frame's typed metadata, back the
// owning function off to baseline, blocklist the loop so it never retries,
// evict the stale cache entry, and resume the baseline chunk at the
// instruction that raised the guard.
func (vm *VM) HandleTypeErrorDeopt(bytecodeOffset int) {
	vm.regs.DeoptClearActiveFrame()
	fn := vm.funcs[vm.nativeFunc]
	fn.tier = TierBaseline
	fn.blocklisted[vm.nativeLoop] = true
	vm.cache.Remove(cacheKey{Func: vm.nativeFunc, Loop: vm.nativeLoop})
	vm.jitNativeTypeDeopts++
	vm.jitDeoptCount++
	vm.ip = bytecodeOffset
}

// Resume hands control back to the baseline dispatcher after an ordinary
// (non-deopt) exit — e.g. a loop condition going false. Tier is left
// Specialized; registers are reconciled so the baseline steps that follow
// see coherent boxed state.
func (vm *VM) Resume(bytecodeOffset int) {
	vm.regs.DeoptClearActiveFrame()
	vm.ip = bytecodeOffset
}

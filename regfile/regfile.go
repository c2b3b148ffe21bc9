// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package regfile implements the Orus VM's register file (spec.md §4.1,
// component C3): the frame stack, the typed/boxed coherence protocol over
// each frame's typed register window, the spill area, and upvalue capture.
//
// The typed/boxed coherence protocol is the module's core invariant. Every
// register slot can hold a typed (unboxed) payload, a boxed value.Value, or
// both — and the live/dirty bits below say which is authoritative:
//
//	live  = false: the slot has no typed payload; only boxed[id] is valid.
//	live  = true, dirty = false: typed and boxed agree (I1).
//	live  = true, dirty = true:  typed is authoritative; boxed[id] is stale
//	              until reconciled (I2).
//
// Frame reuse only clears the live bitmap; payload slots and the generation
// counter advance but are never scrubbed (I4) — callers must never read a
// slot before writing it, and nothing in this package does.
package regfile

import (
	"fmt"

	"github.com/orusvm/orus/heap"
	"github.com/orusvm/orus/value"
)

// typedSlot holds one register's unboxed payload plus its coherence bits.
type typedSlot struct {
	kind    value.Kind
	bits    uint64 // raw payload bits, interpreted per kind (value.FromBits)
	live    bool
	dirty   bool
	pinned  bool // an open upvalue points at this slot; never deferred-box
}

// Frame is one call frame's register windows. Frames are allocated and
// freed in strict LIFO order by the owning RegisterFile.
type Frame struct {
	boxed []value.Value
	typed []typedSlot

	frameBase             int // register ID of boxed[0] in the flat ID space
	registerCount         int
	tempBase              int
	tempCount             int
	parameterBaseRegister int
	resultRegister        int

	generation uint64
	next       *Frame // stack link, newest first
}

// RegisterCount returns the frame's register window width.
func (f *Frame) RegisterCount() int { return f.registerCount }

// Generation returns the frame window's current reuse generation.
func (f *Frame) Generation() uint64 { return f.generation }

// ParameterBaseRegister and ResultRegister expose the calling-convention
// metadata the dispatcher consults on CALL/RETURN.
func (f *Frame) ParameterBaseRegister() int { return f.parameterBaseRegister }
func (f *Frame) ResultRegister() int        { return f.resultRegister }

// SetCallMetadata records the parameter base and result register for a
// frame about to be entered via CALL.
func (f *Frame) SetCallMetadata(parameterBase, result int) {
	f.parameterBaseRegister = parameterBase
	f.resultRegister = result
}

// FrameBase returns the register ID of the frame's boxed[0] in the flat ID
// space, letting a caller translate a frame-local index into an absolute
// register ID (e.g. when copying CALL arguments into a freshly allocated
// frame).
func (f *Frame) FrameBase() int { return f.frameBase }

func (f *Frame) local(id int) int { return id - f.frameBase }

func (f *Frame) inRange(local int) bool { return local >= 0 && local < f.registerCount }

// RegisterFile owns the global band, the frame stack (LIFO), the spill area,
// and the pool of typed-window frames. The zero value is not usable; use New.
type RegisterFile struct {
	global *Frame // root window backing the global band
	top    *Frame // active frame, nil if only globals are live

	freeList []*Frame // pooled frames, reused FIFO by frame_alloc

	spill      map[int]value.Value
	nextSpill  int
	spillStart int

	upvalues map[int]*heap.Upvalue // register ID -> open upvalue, while open

	h *heap.Heap
}

// SpillRegStart is SPILL_REG_START (spec.md §3): spill IDs are allocated at
// and above this value, in a register-ID space disjoint from the global
// band and any frame's direct registers.
const SpillRegStart = 1 << 20

// New creates a RegisterFile with a global band of globalCount registers.
func New(h *heap.Heap, globalCount int) *RegisterFile {
	rf := &RegisterFile{
		spill:      make(map[int]value.Value),
		nextSpill:  SpillRegStart,
		spillStart: SpillRegStart,
		upvalues:   make(map[int]*heap.Upvalue),
		h:          h,
	}
	rf.global = newFrame(0, globalCount, globalCount, 0)
	return rf
}

func newFrame(frameBase, registerCount, tempBase, tempCount int) *Frame {
	return &Frame{
		boxed:         make([]value.Value, registerCount),
		typed:         make([]typedSlot, registerCount),
		frameBase:     frameBase,
		registerCount: registerCount,
		tempBase:      tempBase,
		tempCount:      tempCount,
	}
}

// frameFor returns the frame owning register id: the active frame if id
// falls in its window, else the global band.
func (rf *RegisterFile) frameFor(id int) (*Frame, int) {
	if rf.top != nil {
		if local := rf.top.local(id); rf.top.inRange(local) {
			return rf.top, local
		}
	}
	return rf.global, id
}

// ---- Frame stack --------------------------------------------------------

// FrameAlloc pushes a new active frame with the given window widths,
// reusing a pooled frame if one of at least this size is free. Payload
// slots are undefined until written (I4); only the live bitmap and
// generation are reset.
func (rf *RegisterFile) FrameAlloc(registerCount, tempCount int) *Frame {
	var f *Frame
	for i, pooled := range rf.freeList {
		if pooled.registerCount >= registerCount {
			f = pooled
			rf.freeList = append(rf.freeList[:i], rf.freeList[i+1:]...)
			break
		}
	}
	frameBase := 0
	if rf.top != nil {
		frameBase = rf.top.frameBase + rf.top.registerCount
	} else {
		frameBase = rf.global.registerCount
	}
	if f == nil {
		f = newFrame(frameBase, registerCount, registerCount, tempCount)
	} else {
		f.frameBase = frameBase
		f.registerCount = registerCount
		f.tempBase = registerCount
		f.tempCount = tempCount
		f.generation++
		for i := range f.typed {
			f.typed[i].live = false
			f.typed[i].dirty = false
			f.typed[i].pinned = false
		}
	}
	f.next = rf.top
	rf.top = f
	return f
}

// FrameFree pops the active frame: closes any upvalues pointing into it and
// returns it to the free list for the next FrameAlloc. Only metadata is
// cleared (I4); payload slots are left as-is.
func (rf *RegisterFile) FrameFree() {
	f := rf.top
	if f == nil {
		panic("regfile: FrameFree with no active frame")
	}
	for id := range rf.upvalues {
		if fr, local := rf.frameFor(id); fr == f {
			_ = local
			rf.closeUpvalueLocked(id)
		}
	}
	rf.top = f.next
	f.next = nil
	rf.freeList = append(rf.freeList, f)
}

// ---- Boxed register access ----------------------------------------------

// GetRegister returns the boxed value at id, reconciling first if the typed
// payload is authoritative (I2).
func (rf *RegisterFile) GetRegister(id int) value.Value {
	f, local := rf.frameFor(id)
	if f.typed[local].live && f.typed[local].dirty {
		rf.reconcile(f, local)
	}
	return f.boxed[local]
}

// SetRegister writes the boxed slot directly and invalidates any typed
// cache for id, per spec.md's set_register contract.
func (rf *RegisterFile) SetRegister(id int, v value.Value) {
	f, local := rf.frameFor(id)
	f.boxed[local] = v
	f.typed[local].live = false
	f.typed[local].dirty = false
}

// ---- Typed fast path ------------------------------------------------------

// StoreTypedHot writes a typed payload to id. If id has an open upvalue, the
// boxed mirror is written eagerly and dirty is cleared (I3). Otherwise, if a
// typed value of the same kind already lives there with dirty=false, the
// store may defer boxing (dirty=true); the first typed store after a
// live-clear always boxes eagerly.
func (rf *RegisterFile) StoreTypedHot(id int, kind value.Kind, v value.Value) {
	f, local := rf.frameFor(id)
	slot := &f.typed[local]

	pinned := slot.pinned
	sameKindClean := slot.live && slot.kind == kind && !slot.dirty

	slot.kind = kind
	slot.bits = v.Bits()
	slot.live = true

	if pinned {
		f.boxed[local] = v
		slot.dirty = false
		return
	}
	if sameKindClean {
		slot.dirty = true
		return
	}
	// First typed store after a live-clear: box eagerly.
	f.boxed[local] = v
	slot.dirty = false
}

// TryReadTyped succeeds when id is live with the requested kind. Reading
// does not clear dirty — the boxed mirror may remain stale afterward.
func (rf *RegisterFile) TryReadTyped(id int, kind value.Kind) (value.Value, bool) {
	f, local := rf.frameFor(id)
	slot := &f.typed[local]
	if !slot.live || slot.kind != kind {
		return value.Value{}, false
	}
	return value.FromBits(kind, slot.bits), true
}

// ReconcileTypedRegister forces the boxed mirror to reflect the typed
// payload and clears dirty, returning the reconciled value.
func (rf *RegisterFile) ReconcileTypedRegister(id int) value.Value {
	f, local := rf.frameFor(id)
	rf.reconcile(f, local)
	return f.boxed[local]
}

func (rf *RegisterFile) reconcile(f *Frame, local int) {
	slot := &f.typed[local]
	if !slot.live || !slot.dirty {
		return
	}
	f.boxed[local] = value.FromBits(slot.kind, slot.bits)
	slot.dirty = false
}

// ClearLive drops the typed live bit for id without touching the boxed
// mirror (the same invalidation SetRegister applies, minus the boxed write).
func (rf *RegisterFile) ClearLive(id int) {
	f, local := rf.frameFor(id)
	f.typed[local].live = false
	f.typed[local].dirty = false
}

// ---- Spill area -----------------------------------------------------------

// AllocateSpilledRegister reserves a fresh spill ID for v and returns it.
func (rf *RegisterFile) AllocateSpilledRegister(v value.Value) int {
	id := rf.nextSpill
	rf.nextSpill++
	rf.spill[id] = v
	return id
}

func (rf *RegisterFile) SetSpill(id int, v value.Value) {
	if id < rf.spillStart {
		panic(fmt.Sprintf("regfile: spill id %d below SpillRegStart", id))
	}
	rf.spill[id] = v
}

func (rf *RegisterFile) Unspill(id int) value.Value {
	v, ok := rf.spill[id]
	if !ok {
		panic(fmt.Sprintf("regfile: unspill of unknown id %d", id))
	}
	return v
}

func (rf *RegisterFile) RemoveSpill(id int) {
	delete(rf.spill, id)
}

// ---- Upvalues ---------------------------------------------------------

// CaptureUpvalue opens an upvalue pointing at id's boxed slot. Once open,
// id is pinned out of the deferred-boxing state (I3): every subsequent
// typed store to id also updates the boxed mirror.
func (rf *RegisterFile) CaptureUpvalue(id int) *heap.Upvalue {
	if uv, ok := rf.upvalues[id]; ok {
		return uv
	}
	f, local := rf.frameFor(id)
	rf.reconcile(f, local)
	f.typed[local].pinned = true
	uv := rf.h.NewUpvalue(&f.boxed[local])
	rf.upvalues[id] = uv
	return uv
}

// CloseUpvalues closes the open upvalue at id, if any, snapshotting its
// current value and detaching it from the register slot.
func (rf *RegisterFile) CloseUpvalues(id int) {
	rf.closeUpvalueLocked(id)
}

func (rf *RegisterFile) closeUpvalueLocked(id int) {
	uv, ok := rf.upvalues[id]
	if !ok {
		return
	}
	uv.Close()
	delete(rf.upvalues, id)
	if f, local := rf.frameFor(id); local < len(f.typed) {
		f.typed[local].pinned = false
	}
}

// RegisterKind reports the live typed kind of id, if any, letting a
// translator (package jitir's TypeOracle) infer a register's current kind
// without reading its boxed mirror (spec.md §4.5).
func (rf *RegisterFile) RegisterKind(id int) (value.Kind, bool) {
	f, local := rf.frameFor(id)
	slot := &f.typed[local]
	if !slot.live {
		return value.KindNil, false
	}
	return slot.kind, true
}

// DeoptClearActiveFrame reconciles every dirty live slot in the active
// frame's typed window (so every live register's boxed and typed mirrors
// agree, per spec.md §4.7 step 5) and then clears the live bitmap across the
// frame's full parameter/local/temp range (step 1). Payload bits are left
// alone (I4) — only metadata is cleared. A no-op if there is no active
// frame (deopt landed back in the global band).
func (rf *RegisterFile) DeoptClearActiveFrame() {
	f := rf.top
	if f == nil {
		return
	}
	for local := range f.typed {
		if f.typed[local].live && f.typed[local].dirty {
			rf.reconcile(f, local)
		}
		f.typed[local].live = false
		f.typed[local].dirty = false
	}
}

// ActiveFrame returns the current top-of-stack frame, or nil if only the
// global band is active.
func (rf *RegisterFile) ActiveFrame() *Frame { return rf.top }

// Global returns the root window backing the global band.
func (rf *RegisterFile) Global() *Frame { return rf.global }

// EachRoot implements heap.RootProvider (spec.md §4.1 invariant I5): every
// boxed global, every live slot across the frame stack (reconciled first),
// every spilled value, and every open upvalue.
func (rf *RegisterFile) EachRoot(fn func(value.Value)) {
	rf.eachRootInFrame(rf.global, fn)
	for f := rf.top; f != nil; f = f.next {
		rf.eachRootInFrame(f, fn)
	}
	for _, v := range rf.spill {
		fn(v)
	}
	for _, uv := range rf.upvalues {
		fn(uv.Get())
	}
}

func (rf *RegisterFile) eachRootInFrame(f *Frame, fn func(value.Value)) {
	for local := range f.boxed {
		if f.typed[local].live && f.typed[local].dirty {
			rf.reconcile(f, local)
		}
		fn(f.boxed[local])
	}
}

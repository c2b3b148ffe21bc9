// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package regfile

import (
	"testing"

	"github.com/orusvm/orus/heap"
	"github.com/orusvm/orus/value"
)

func newTestRF() *RegisterFile {
	return New(heap.New(0), 8)
}

func TestFlushOnRead(t *testing.T) {
	rf := newTestRF()
	f := rf.FrameAlloc(4, 0)
	id := f.frameBase + 1

	rf.StoreTypedHot(id, value.KindI32, value.I32(7))
	got := rf.GetRegister(id)
	if got.AsI32() != 7 {
		t.Fatalf("GetRegister = %d, want 7", got.AsI32())
	}
	if f.typed[f.local(id)].dirty {
		t.Fatal("dirty must be false after a flushing read")
	}
}

func TestDeferredBoxingUntilRead(t *testing.T) {
	rf := newTestRF()
	f := rf.FrameAlloc(4, 0)
	id := f.frameBase + 0

	rf.StoreTypedHot(id, value.KindI32, value.I32(1)) // first store: eager box
	rf.StoreTypedHot(id, value.KindI32, value.I32(2)) // second store: may defer

	local := f.local(id)
	if !f.typed[local].dirty {
		t.Fatal("second same-kind store with no intervening read must defer boxing (dirty=true)")
	}
	if f.boxed[local].AsI32() != 1 {
		t.Fatalf("boxed mirror = %d, want stale value 1 until next read", f.boxed[local].AsI32())
	}

	got := rf.GetRegister(id)
	if got.AsI32() != 2 {
		t.Fatalf("GetRegister after deferred store = %d, want 2", got.AsI32())
	}
}

func TestOpenUpvaluePinsCleanState(t *testing.T) {
	rf := newTestRF()
	f := rf.FrameAlloc(4, 0)
	id := f.frameBase + 0

	rf.StoreTypedHot(id, value.KindI32, value.I32(10))
	rf.CaptureUpvalue(id)

	rf.StoreTypedHot(id, value.KindI32, value.I32(11))
	local := f.local(id)
	if f.typed[local].dirty {
		t.Fatal("pinned register must never defer boxing")
	}
	if f.boxed[local].AsI32() != 11 {
		t.Fatalf("boxed mirror = %d, want 11 immediately", f.boxed[local].AsI32())
	}
}

func TestFrameReuseBumpsGenerationWithoutScrub(t *testing.T) {
	rf := newTestRF()
	f1 := rf.FrameAlloc(4, 0)
	sentinelID := f1.frameBase + 2
	rf.SetRegister(sentinelID, value.I32(999))
	gen1 := f1.Generation()
	rf.FrameFree()

	f2 := rf.FrameAlloc(4, 0)
	if f2 != f1 {
		t.Fatal("frame reuse must return the same pooled window identity")
	}
	if f2.Generation() != gen1+1 {
		t.Fatalf("generation = %d, want %d", f2.Generation(), gen1+1)
	}
	// Payload bytes are not scrubbed, even though the slot is no longer
	// "live" in the new generation.
	if f2.boxed[2].AsI32() != 999 {
		t.Fatalf("payload at reused slot = %d, want surviving sentinel 999", f2.boxed[2].AsI32())
	}
}

func TestUpvalueClosedOnFrameFree(t *testing.T) {
	rf := newTestRF()
	f := rf.FrameAlloc(4, 0)
	id := f.frameBase + 0
	rf.StoreTypedHot(id, value.KindI32, value.I32(5))
	uv := rf.CaptureUpvalue(id)

	rf.FrameFree()

	if !uv.IsClosed {
		t.Fatal("upvalue must be closed when its owning frame is freed")
	}
	if uv.Get().AsI32() != 5 {
		t.Fatalf("closed upvalue value = %d, want 5", uv.Get().AsI32())
	}
}

func TestEachRootReconcilesDirtySlots(t *testing.T) {
	rf := newTestRF()
	f := rf.FrameAlloc(4, 0)
	id := f.frameBase + 0
	rf.StoreTypedHot(id, value.KindI32, value.I32(1))
	rf.StoreTypedHot(id, value.KindI32, value.I32(2)) // now dirty

	seen := int32(-1)
	rf.EachRoot(func(v value.Value) {
		if v.Kind() == value.KindI32 && v.AsI32() == 2 {
			seen = 2
		}
	})
	if seen != 2 {
		t.Fatal("EachRoot must reconcile dirty typed slots before yielding boxed roots")
	}
}

func TestSpillAreaRoundTrip(t *testing.T) {
	rf := newTestRF()
	id := rf.AllocateSpilledRegister(value.I64(42))
	if id < SpillRegStart {
		t.Fatalf("spill id %d below SpillRegStart %d", id, SpillRegStart)
	}
	if got := rf.Unspill(id); got.AsI64() != 42 {
		t.Fatalf("Unspill = %d, want 42", got.AsI64())
	}
	rf.SetSpill(id, value.I64(43))
	if got := rf.Unspill(id); got.AsI64() != 43 {
		t.Fatalf("Unspill after SetSpill = %d, want 43", got.AsI64())
	}
	rf.RemoveSpill(id)
}

func TestGlobalBandAccessibleWithNoActiveFrame(t *testing.T) {
	rf := newTestRF()
	rf.SetRegister(0, value.I32(77))
	if got := rf.GetRegister(0); got.AsI32() != 77 {
		t.Fatalf("global register = %d, want 77", got.AsI32())
	}
}

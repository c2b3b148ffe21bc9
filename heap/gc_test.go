// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package heap

import (
	"testing"

	"github.com/orusvm/orus/value"
	"github.com/stretchr/testify/require"
)

type fakeRoots struct {
	roots []value.Value
}

func (f *fakeRoots) EachRoot(fn func(value.Value)) {
	for _, r := range f.roots {
		fn(r)
	}
}

func TestStringInterning(t *testing.T) {
	h := New(0)
	a := h.NewString("hello")
	b := h.NewString("hello")
	require.Same(t, a, b, "identical string payloads must intern to one object")
	require.Equal(t, 1, h.ObjectCount())
}

func TestCollectReachability(t *testing.T) {
	h := New(0)
	live := h.NewArray([]value.Value{value.I32(1)})
	dead := h.NewArray([]value.Value{value.I32(2)})
	_ = dead

	roots := &fakeRoots{roots: []value.Value{value.Ref(value.KindArray, live)}}
	h.Collect(roots)

	require.Equal(t, 1, h.ObjectCount(), "unreachable object must be swept")
}

func TestCollectTransitiveReachability(t *testing.T) {
	h := New(0)
	inner := h.NewArray([]value.Value{value.I32(1)})
	outer := h.NewArray([]value.Value{value.Ref(value.KindArray, inner)})

	roots := &fakeRoots{roots: []value.Value{value.Ref(value.KindArray, outer)}}
	h.Collect(roots)

	require.Equal(t, 2, h.ObjectCount(), "inner array reachable through outer must survive")
}

func TestGCPausedSuppressesTrigger(t *testing.T) {
	h := New(1)
	h.SetPaused(true)
	h.NewArray([]value.Value{value.I32(1), value.I32(2)})
	roots := &fakeRoots{}
	h.MaybeCollect(roots)
	require.Equal(t, uint64(0), h.Collections(), "paused heap must not collect even past threshold")
}

func TestUpvalueCloseKeepsReferenceAlive(t *testing.T) {
	h := New(0)
	obj := h.NewArray([]value.Value{value.I32(7)})
	slot := value.Ref(value.KindArray, obj)
	uv := h.NewUpvalue(&slot)

	uv.Close()
	require.True(t, uv.IsClosed)

	roots := &fakeRoots{roots: []value.Value{value.Ref(value.KindUpvalue, uv)}}
	h.Collect(roots)
	require.Equal(t, 2, h.ObjectCount(), "closed upvalue must keep its captured array reachable")
}

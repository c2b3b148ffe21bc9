// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package vm

import (
	"fmt"

	"github.com/orusvm/orus/chunk"
	"github.com/orusvm/orus/jit"
	"github.com/orusvm/orus/jitir"
)

// hotPathSample is one entry of the profiler's sample table, keyed by
// (func, loop) (spec.md §4.4): HotPathSample { func, loop, hit_count }. The
// table is a map that gains one entry per distinct loop; it has no size
// bound and never evicts.
type hotPathSample struct {
	funcIndex int
	loop      int
	hitCount  uint64
}

// profiler tracks per-(func,loop) back-edge counts and gates tier-up
// attempts so each loop attempts translate+compile exactly once.
type profiler struct {
	samples map[cacheKey]*hotPathSample
}

func newProfiler() *profiler {
	return &profiler{samples: make(map[cacheKey]*hotPathSample)}
}

// tick bumps the hit count for (funcIndex, loop) and reports whether it just
// crossed HotThreshold (the caller attempts tier-up exactly once on that
// transition).
func (p *profiler) tick(funcIndex, loop int) bool {
	key := cacheKey{Func: funcIndex, Loop: loop}
	s, ok := p.samples[key]
	if !ok {
		s = &hotPathSample{funcIndex: funcIndex, loop: loop}
		p.samples[key] = s
	}
	s.hitCount++
	return s.hitCount == HotThreshold
}

// onLoopBackEdge is called by the dispatcher on every taken loop back-edge
// (spec.md §5: "Loop back-edges (profiling tick, possible tier-up)"). If the
// loop just went hot and isn't blocklisted or already specialized, it
// attempts tier-up exactly once via singleflight, keyed by (func, loop), so
// concurrent callers (there are none in this single-threaded VM, but the
// mechanism is the one spec.md's profiler section calls for) never race a
// double translate+compile.
func (vm *VM) onLoopBackEdge(funcIndex, loop int) {
	if !vm.profiler.tick(funcIndex, loop) {
		return
	}
	fn := vm.funcs[funcIndex]
	if fn.tier == TierSpecialized || fn.blocklisted[loop] {
		return
	}
	sfKey := fmt.Sprintf("%d:%d", funcIndex, loop)
	vm.sf.Do(sfKey, func() (interface{}, error) {
		vm.attemptTierUp(funcIndex, loop)
		return nil, nil
	})
}

// attemptTierUp runs translate_linear_block + compile_ir for (funcIndex,
// loop) and installs the result, or blocklists the loop on any translation
// failure other than ROLLOUT_DISABLED, which leaves it unblocklisted (spec.md
// §4.4: "If translation fails or the compiled entry is a non-native helper
// stub, the loop is added to a per-VM blocklist to prevent retries").
func (vm *VM) attemptTierUp(funcIndex, loop int) {
	fn := vm.funcs[funcIndex]
	prog, err := jitir.TranslateLinearBlock(fn.Chunk, funcIndex, loop, vm, vm.rolloutStage, vm.failureLog)
	if err != nil {
		var te *jitir.TranslateError
		if e, ok := err.(*jitir.TranslateError); ok {
			te = e
		}
		if te == nil || te.Status != jitir.StatusRolloutDisabled {
			fn.blocklisted[loop] = true
		}
		return
	}

	entry := jit.Compile(prog)
	if entry.Backend == jit.BackendHelperStub {
		fn.blocklisted[loop] = true
		return
	}

	vm.cache.Add(cacheKey{Func: funcIndex, Loop: loop}, entry)
	fn.tier = TierSpecialized
	vm.jitCompilationCount++
}

// lookupEntry returns the cached native Entry for (funcIndex, loop), if the
// function is tiered up and a cache entry exists.
func (vm *VM) lookupEntry(funcIndex, loop int) (*jit.Entry, bool) {
	fn := vm.funcs[funcIndex]
	if fn.tier != TierSpecialized {
		return nil, false
	}
	v, ok := vm.cache.Get(cacheKey{Func: funcIndex, Loop: loop})
	if !ok {
		return nil, false
	}
	return v.(*jit.Entry), true
}

// isLoopHeader reports whether ip is a fused loop/back-edge opcode, i.e. a
// valid tier-up/cache-lookup site.
func isLoopHeader(c *chunk.Chunk, ip int) bool {
	if ip >= c.Len() {
		return false
	}
	op := c.OpcodeAt(ip)
	return op == chunk.OpIncCmpJmp || op == chunk.OpDecCmpJmp
}

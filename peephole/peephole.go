// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Package peephole implements the Orus VM's local bytecode simplifications
// (spec.md §4.4, component C5): collapsing a redundant repeated load,
// fusing a load immediately followed by a move into a single load plus a
// surviving move, and deleting a self-move. The rewrites run to a fixpoint
// over the decoded instructions, which are then re-emitted once through
// chunk.Emit so every jump/branch target is recomputed against the shrunk
// instruction stream, and every surviving instruction keeps its
// original source-map entry (deleted bytes simply have no successor).
package peephole

import "github.com/orusvm/orus/chunk"

type decoded struct {
	oldStart     int
	op           chunk.Opcode
	args         []uint64
	line, column int
	file         string
}

func decodeAll(c *chunk.Chunk) []decoded {
	var out []decoded
	ip := 0
	for ip < c.Len() {
		op, args, width := c.DecodeAt(ip)
		line, col, file := c.SourceAt(ip)
		out = append(out, decoded{ip, op, args, line, col, file})
		ip += width
	}
	return out
}

// loadPayload identifies an idempotent point-load instruction and returns
// (destination register, a comparable payload key, ok). Two loads with equal
// payload keys write the identical value to their destination register.
func loadPayload(d decoded) (reg uint16, key uint64, ok bool) {
	switch d.op {
	case chunk.OpLoadTrue:
		return uint16(d.args[0]), 1<<32 | 1, true
	case chunk.OpLoadFalse:
		return uint16(d.args[0]), 1<<32 | 2, true
	case chunk.OpLoadNil:
		return uint16(d.args[0]), 1<<32 | 3, true
	case chunk.OpLoadConst:
		return uint16(d.args[0]), 2<<32 | d.args[1], true
	case chunk.OpLoadTypedConst:
		// args: kind, reg, constIdx
		return uint16(d.args[1]), 3<<32 | d.args[0]<<16 | d.args[2], true
	}
	return 0, 0, false
}

func isMove(d decoded) (dst, src uint16, ok bool) {
	switch d.op {
	case chunk.OpMove:
		return uint16(d.args[0]), uint16(d.args[1]), true
	case chunk.OpMoveTyped:
		return uint16(d.args[1]), uint16(d.args[2]), true
	}
	return 0, 0, false
}

// Optimize runs the peephole rewrites to a fixpoint and returns a new,
// unfrozen chunk.Chunk with the simplified instruction stream. The input
// chunk is not modified.
func Optimize(c *chunk.Chunk) *chunk.Chunk {
	instrs := decodeAll(c)
	for {
		next, changed := rewriteOnce(instrs)
		instrs = next
		if !changed {
			break
		}
	}
	return assemble(c, instrs)
}

// rewriteOnce applies the three local patterns once, left to right, and
// reports whether anything was dropped.
func rewriteOnce(in []decoded) ([]decoded, bool) {
	out := make([]decoded, 0, len(in))
	changed := false

	for i := 0; i < len(in); i++ {
		cur := in[i]

		// Pattern 3: MOVE r, r (self-move) is a no-op.
		if dst, src, ok := isMove(cur); ok && dst == src {
			changed = true
			continue
		}

		// Pattern 1: LOAD_X r; LOAD_X r (same payload, same destination,
		// adjacent) — the first write is dead.
		if i+1 < len(in) {
			if reg1, key1, ok1 := loadPayload(cur); ok1 {
				if reg2, key2, ok2 := loadPayload(in[i+1]); ok2 && reg1 == reg2 && key1 == key2 {
					changed = true
					continue // drop cur, keep in[i+1] for the next iteration
				}
			}
		}

		// Pattern 2: LOAD_X r, c; MOVE r', r; LOAD_X r', c — the trailing
		// reload duplicates what the move already placed in r'.
		if i+2 < len(in) {
			if rA, keyA, okA := loadPayload(cur); okA {
				if dst, src, okM := isMove(in[i+1]); okM && src == rA {
					if rC, keyC, okC := loadPayload(in[i+2]); okC && rC == dst && keyC == keyA {
						out = append(out, cur, in[i+1])
						i += 2 // also consumes in[i+2]
						changed = true
						continue
					}
				}
			}
		}

		out = append(out, cur)
	}
	return out, changed
}

// assemble re-emits the surviving instructions into a fresh chunk, copying
// the constant pool and remapping every branch target against the new,
// shrunk byte offsets.
func assemble(orig *chunk.Chunk, in []decoded) *chunk.Chunk {
	out := chunk.New()
	for _, v := range orig.Constants {
		out.AddConstant(v)
	}

	newStart := make(map[int]int, len(in))
	widths := make([]int, len(in))
	cursor := 0
	for i, d := range in {
		newStart[d.oldStart] = cursor
		widths[i] = d.op.Width()
		cursor += widths[i]
	}
	oldEnd := 0
	if len(in) > 0 {
		last := in[len(in)-1]
		oldEnd = last.oldStart + last.op.Width()
	}
	newEnd := cursor

	remap := func(oldAbs int) int {
		if oldAbs >= oldEnd {
			return newEnd
		}
		if ns, ok := newStart[oldAbs]; ok {
			return ns
		}
		// Target fell on a deleted instruction's start: advance to the next
		// surviving instruction at or after it.
		best := newEnd
		for _, d := range in {
			if d.oldStart >= oldAbs {
				if ns, ok := newStart[d.oldStart]; ok && ns < best {
					best = ns
				}
				break
			}
		}
		return best
	}

	for i, d := range in {
		args := append([]uint64(nil), d.args...)
		instrNewStart := newStart[d.oldStart]
		if idx, short, ok := chunk.JumpOperandIndex(d.op); ok {
			oldAfter := d.oldStart + d.op.Width()
			var oldTarget int
			if short {
				oldTarget = oldAfter + int(uint8(args[idx]))
			} else {
				oldTarget = oldAfter + int(int16(uint16(args[idx])))
			}
			newTarget := remap(oldTarget)
			newAfter := instrNewStart + widths[i]
			rel := newTarget - newAfter
			if short {
				args[idx] = uint64(uint8(rel))
			} else {
				args[idx] = uint64(uint16(int16(rel)))
			}
		}
		if d.line < 0 {
			out.EmitSynthetic(d.op, args...)
		} else {
			out.Emit(d.op, d.line, d.column, d.file, args...)
		}
	}
	return out
}

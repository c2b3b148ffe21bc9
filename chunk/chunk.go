// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package chunk

import (
	"encoding/binary"
	"fmt"

	"github.com/orusvm/orus/value"
)

// sourceEntry is one byte's worth of the parallel source map.
type sourceEntry struct {
	line, column int32 // -1 for synthetic/emitter-generated bytes
	file         int32 // index into FileTable, -1 for none
}

// Chunk is an append-then-freeze bytecode container: one instruction stream,
// a constant pool, and a per-byte source map (spec.md §4.3).
type Chunk struct {
	Code      []byte
	source    []sourceEntry
	Constants []value.Value
	FileTable []string

	fileIdx map[string]int32
	frozen  bool
}

// New returns an empty, writable Chunk.
func New() *Chunk {
	return &Chunk{fileIdx: make(map[string]int32)}
}

// Frozen reports whether Freeze has been called.
func (c *Chunk) Frozen() bool { return c.frozen }

// Freeze marks the chunk read-only. Further Emit/AddConstant calls panic.
func (c *Chunk) Freeze() { c.frozen = true }

func (c *Chunk) requireWritable() {
	if c.frozen {
		panic("chunk: write to frozen chunk")
	}
}

func (c *Chunk) fileID(file string) int32 {
	if file == "" {
		return -1
	}
	if id, ok := c.fileIdx[file]; ok {
		return id
	}
	id := int32(len(c.FileTable))
	c.FileTable = append(c.FileTable, file)
	c.fileIdx[file] = id
	return id
}

// AddConstant appends v to the constant pool and returns its 16-bit index.
// Panics if the pool would overflow a uint16 (64k constants per chunk, per
// spec.md §4.3's imm16 index width).
func (c *Chunk) AddConstant(v value.Value) uint16 {
	c.requireWritable()
	if len(c.Constants) >= 1<<16 {
		panic("chunk: constant pool overflow")
	}
	c.Constants = append(c.Constants, v)
	return uint16(len(c.Constants) - 1)
}

// Emit appends one instruction. operands must match op.Operands() in count
// and order; values are encoded per their OperandKind width. line/column/file
// describe the instruction's source origin and are duplicated across every
// byte of the instruction, satisfying the per-byte source map contract.
func (c *Chunk) Emit(op Opcode, line, column int, file string, operands ...uint64) int {
	c.requireWritable()
	spec := op.Operands()
	if len(operands) != len(spec) {
		panic(fmt.Sprintf("chunk: %s expects %d operands, got %d", op, len(spec), len(operands)))
	}

	start := len(c.Code)
	c.Code = append(c.Code, byte(op))

	for i, kind := range spec {
		v := operands[i]
		switch kind {
		case OKReg, OKImm16:
			c.Code = append(c.Code, byte(v>>8), byte(v))
		case OKOffLong:
			c.Code = append(c.Code, byte(int16(v)>>8), byte(v))
		case OKKind, OKOffShort, OKByte:
			c.Code = append(c.Code, byte(v))
		}
	}

	fid := c.fileID(file)
	entry := sourceEntry{line: int32(line), column: int32(column), file: fid}
	for i := start; i < len(c.Code); i++ {
		c.source = append(c.source, entry)
	}
	return start
}

// EmitSynthetic appends an instruction with no source origin (e.g. an
// emitter-generated trailing HALT): its source map entries read
// (line=-1, column=-1, file=nil).
func (c *Chunk) EmitSynthetic(op Opcode, operands ...uint64) int {
	return c.Emit(op, -1, -1, "", operands...)
}

// Len returns the number of bytes currently in the instruction stream.
func (c *Chunk) Len() int { return len(c.Code) }

// OpcodeAt returns the opcode at byte offset ip.
func (c *Chunk) OpcodeAt(ip int) Opcode { return Opcode(c.Code[ip]) }

// ReadReg decodes a 2-byte big-endian register/spill ID at ip.
func (c *Chunk) ReadReg(ip int) uint16 { return binary.BigEndian.Uint16(c.Code[ip:]) }

// ReadImm16 decodes a 2-byte big-endian unsigned index at ip.
func (c *Chunk) ReadImm16(ip int) uint16 { return binary.BigEndian.Uint16(c.Code[ip:]) }

// ReadOffLong decodes a 2-byte big-endian signed branch offset at ip.
func (c *Chunk) ReadOffLong(ip int) int16 { return int16(binary.BigEndian.Uint16(c.Code[ip:])) }

// ReadByte decodes a 1-byte operand (OKKind/OKOffShort/OKByte) at ip.
func (c *Chunk) ReadByte(ip int) byte { return c.Code[ip] }

// SourceAt returns the (line, column, file) origin of the byte at ip. file is
// "" if the byte has no recorded origin (synthetic instruction).
func (c *Chunk) SourceAt(ip int) (line, column int, file string) {
	e := c.source[ip]
	f := ""
	if e.file >= 0 {
		f = c.FileTable[e.file]
	}
	return int(e.line), int(e.column), f
}

// DecodeAt decodes the instruction at ip, returning its opcode, its operand
// values in encoded form (OKOffLong values are the sign-extended int16 bit
// pattern widened to uint64), and the instruction's total byte width.
func (c *Chunk) DecodeAt(ip int) (op Opcode, args []uint64, width int) {
	op = c.OpcodeAt(ip)
	spec := op.Operands()
	args = make([]uint64, len(spec))
	cur := ip + 1
	for i, kind := range spec {
		switch kind {
		case OKReg, OKImm16:
			args[i] = uint64(c.ReadReg(cur))
		case OKOffLong:
			args[i] = uint64(uint16(c.ReadOffLong(cur)))
		case OKKind, OKOffShort, OKByte:
			args[i] = uint64(c.ReadByte(cur))
		}
		cur += kind.Width()
	}
	return op, args, cur - ip
}

// jumpOperand reports which operand index of op (if any) holds a relative
// branch offset, and whether that offset is the 1-byte unsigned short form
// (always forward) or the 2-byte signed long form.
func jumpOperand(op Opcode) (idx int, short, ok bool) {
	switch op {
	case OpJumpShort:
		return 0, true, true
	case OpJumpLong:
		return 0, false, true
	case OpJumpIfNotShort:
		return 1, true, true
	case OpJumpIfNotLong:
		return 1, false, true
	case OpIncCmpJmp, OpDecCmpJmp:
		return 2, false, true
	case OpJumpIfNotTypedBool:
		return 1, false, true
	}
	return 0, false, false
}

// JumpOperandIndex exposes jumpOperand to other packages (e.g. peephole) that
// need to find and remap branch targets without duplicating the opcode
// family list.
func JumpOperandIndex(op Opcode) (idx int, short, ok bool) { return jumpOperand(op) }

// PatchOffShort overwrites the 1-byte unsigned short-branch operand starting
// at byteOffset. Used by an assembler's label patch table (mirroring
// _reference/codegen/codegen.go's patches) once a forward label's true
// position is known.
func (c *Chunk) PatchOffShort(byteOffset int, off uint8) {
	c.Code[byteOffset] = off
}

// PatchOffLong overwrites the 2-byte big-endian signed long-branch operand
// starting at byteOffset.
func (c *Chunk) PatchOffLong(byteOffset int, off int16) {
	binary.BigEndian.PutUint16(c.Code[byteOffset:], uint16(off))
}

// Disassemble renders the chunk in a human-readable listing, mirroring the
// teacher's Disassemble debug helper (_reference/vm/vm.go).
func (c *Chunk) Disassemble(name string) string {
	out := fmt.Sprintf("== %s ==\n", name)
	ip := 0
	for ip < len(c.Code) {
		op := c.OpcodeAt(ip)
		if !op.Valid() {
			out += fmt.Sprintf("%04d  <invalid opcode %d>\n", ip, op)
			break
		}
		line, _, _ := c.SourceAt(ip)
		out += fmt.Sprintf("%04d  L%-4d  %s", ip, line, op)
		cur := ip + 1
		for _, kind := range op.Operands() {
			switch kind {
			case OKReg, OKImm16:
				out += fmt.Sprintf(" %d", c.ReadReg(cur))
			case OKOffLong:
				out += fmt.Sprintf(" %d", c.ReadOffLong(cur))
			case OKKind, OKOffShort, OKByte:
				out += fmt.Sprintf(" %d", c.ReadByte(cur))
			}
			cur += kind.Width()
		}
		out += "\n"
		ip += op.Width()
	}
	return out
}

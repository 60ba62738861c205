// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package dwarfexpr implements the subset of the DWARF expression stack machine
// needed to recover registers from call frame information. The machine has a
// fixed size operand stack and never allocates.
package dwarfexpr // import "go.opentelemetry.io/crashunwind/nativeunwind/dwarfexpr"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// StackSize is the capacity of the operand stack.
const StackSize = 100

var (
	ErrStackOverflow     = nativeunwind.NewError(nativeunwind.KindBounds, "expression stack overflow")
	ErrStackUnderflow    = nativeunwind.NewError(nativeunwind.KindBounds, "expression stack underflow")
	ErrUnsupportedOpcode = nativeunwind.NewError(nativeunwind.KindFormat, "unsupported expression opcode")
	ErrUnknownRegister   = nativeunwind.NewError(nativeunwind.KindFormat, "expression references unknown register")
	ErrBadSize           = nativeunwind.NewError(nativeunwind.KindFormat, "invalid deref_size operand")
	ErrNotFinished       = nativeunwind.NewError(nativeunwind.KindFormat, "expression did not end at its declared length")
	ErrNotPrepared       = nativeunwind.NewError(nativeunwind.KindFormat, "expression is not prepared")
)

// expressionOpcode is a DWARF expression opcode (DW_OP_*)
type expressionOpcode uint8

// DWARF expression opcodes
const (
	opAddr       expressionOpcode = 0x03
	opDeref      expressionOpcode = 0x06
	opConst1u    expressionOpcode = 0x08
	opConst1s    expressionOpcode = 0x09
	opConst2u    expressionOpcode = 0x0a
	opConst2s    expressionOpcode = 0x0b
	opConst4u    expressionOpcode = 0x0c
	opConst4s    expressionOpcode = 0x0d
	opConst8u    expressionOpcode = 0x0e
	opConst8s    expressionOpcode = 0x0f
	opConstu     expressionOpcode = 0x10
	opConsts     expressionOpcode = 0x11
	opDup        expressionOpcode = 0x12
	opDrop       expressionOpcode = 0x13
	opOver       expressionOpcode = 0x14
	opPick       expressionOpcode = 0x15
	opSwap       expressionOpcode = 0x16
	opRot        expressionOpcode = 0x17
	opAnd        expressionOpcode = 0x1a
	opMinus      expressionOpcode = 0x1c
	opMul        expressionOpcode = 0x1e
	opNeg        expressionOpcode = 0x1f
	opNot        expressionOpcode = 0x20
	opOr         expressionOpcode = 0x21
	opPlus       expressionOpcode = 0x22
	opPlusUConst expressionOpcode = 0x23
	opShl        expressionOpcode = 0x24
	opShr        expressionOpcode = 0x25
	opShra       expressionOpcode = 0x26
	opXor        expressionOpcode = 0x27
	opEq         expressionOpcode = 0x29
	opGe         expressionOpcode = 0x2a
	opGt         expressionOpcode = 0x2b
	opLe         expressionOpcode = 0x2c
	opLt         expressionOpcode = 0x2d
	opNe         expressionOpcode = 0x2e
	opLit0       expressionOpcode = 0x30
	opLit31      expressionOpcode = 0x4f
	opBReg0      expressionOpcode = 0x70
	opBReg31     expressionOpcode = 0x8f
	opBRegx      expressionOpcode = 0x92
	opDerefSize  expressionOpcode = 0x94
	opNop        expressionOpcode = 0x96
)

// Machine evaluates one DWARF expression at a time. The zero value is not
// usable until Reset is called.
type Machine struct {
	mem *remotememory.RemoteMemory
	ctx *regs.Context

	code     remotememory.Cursor
	prepared bool

	stack [StackSize]int64
	sp    int
}

// Reset binds the machine to the memory and register context that operands
// are read from, and clears the operand stack.
func (m *Machine) Reset(mem *remotememory.RemoteMemory, ctx *regs.Context) {
	m.mem = mem
	m.ctx = ctx
	m.sp = 0
	m.prepared = false
}

// PrepareForExecution reads the length prefix of a DWARF block from c,
// bounds execution to that many bytes and advances c past the block.
func (m *Machine) PrepareForExecution(c *remotememory.Cursor) error {
	blen := c.Uleb()
	m.code = c.Sub(blen)
	if err := c.Err(); err != nil {
		return err
	}
	m.sp = 0
	m.prepared = true
	return nil
}

// IsFinished reports whether all instructions of the prepared block have
// executed.
func (m *Machine) IsFinished() bool {
	return m.prepared && !m.code.HasData()
}

// Push pushes a seed value on the operand stack.
func (m *Machine) Push(v int64) error {
	if m.sp >= StackSize {
		return ErrStackOverflow
	}
	m.stack[m.sp] = v
	m.sp++
	return nil
}

func (m *Machine) pop() (int64, error) {
	if m.sp <= 0 {
		return 0, ErrStackUnderflow
	}
	m.sp--
	return m.stack[m.sp], nil
}

// top returns a pointer to the entry at depth n from the top (0 is the top).
func (m *Machine) top(n int) (*int64, error) {
	if n < 0 || n >= m.sp {
		return nil, ErrStackUnderflow
	}
	return &m.stack[m.sp-1-n], nil
}

// Result returns the value on top of the stack once the block has been run to
// its exact end.
func (m *Machine) Result() (uint64, error) {
	if !m.prepared {
		return 0, ErrNotPrepared
	}
	if err := m.code.Err(); err != nil {
		return 0, err
	}
	if m.code.Pos() != m.code.End() {
		return 0, ErrNotFinished
	}
	v, err := m.top(0)
	if err != nil {
		return 0, err
	}
	return uint64(*v), nil
}

// Evaluate runs the DWARF block at c. When seed is non-nil its value is pushed
// before the first instruction.
func (m *Machine) Evaluate(c *remotememory.Cursor, seed *uint64) (uint64, error) {
	if err := m.PrepareForExecution(c); err != nil {
		return 0, err
	}
	if seed != nil {
		if err := m.Push(int64(*seed)); err != nil {
			return 0, err
		}
	}
	for !m.IsFinished() {
		if err := m.ExecuteNextOpcode(); err != nil {
			return 0, err
		}
	}
	return m.Result()
}

func (m *Machine) register(n uint64) (int64, error) {
	v, ok := m.ctx.DwarfRegister(n)
	if !ok {
		return 0, ErrUnknownRegister
	}
	return int64(v), nil
}

func (m *Machine) deref(addr int64, size int) (int64, error) {
	v, err := m.mem.Sized(libpf.Address(addr), size)
	return int64(v), err
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// ExecuteNextOpcode decodes and runs one instruction.
func (m *Machine) ExecuteNextOpcode() error {
	if !m.prepared {
		return ErrNotPrepared
	}
	c := &m.code
	op := expressionOpcode(c.U8())
	if err := c.Err(); err != nil {
		return err
	}

	switch {
	case op >= opLit0 && op <= opLit31:
		return m.Push(int64(op - opLit0))
	case op >= opBReg0 && op <= opBReg31:
		off := c.Sleb()
		v, err := m.register(uint64(op - opBReg0))
		if err != nil {
			return err
		}
		if err = c.Err(); err != nil {
			return err
		}
		return m.Push(v + off)
	}

	var err error
	switch op {
	case opNop:
	case opAddr:
		err = m.Push(int64(c.Sized(m.ctx.PointerSize())))
	case opConst1u:
		err = m.Push(int64(c.U8()))
	case opConst1s:
		err = m.Push(int64(int8(c.U8())))
	case opConst2u:
		err = m.Push(int64(c.U16()))
	case opConst2s:
		err = m.Push(int64(int16(c.U16())))
	case opConst4u:
		err = m.Push(int64(c.U32()))
	case opConst4s:
		err = m.Push(int64(int32(c.U32())))
	case opConst8u, opConst8s:
		err = m.Push(int64(c.U64()))
	case opConstu:
		err = m.Push(int64(c.Uleb()))
	case opConsts:
		err = m.Push(c.Sleb())
	case opBRegx:
		reg := c.Uleb()
		off := c.Sleb()
		var v int64
		if v, err = m.register(reg); err == nil {
			err = m.Push(v + off)
		}
	case opDup:
		err = m.pick(0)
	case opOver:
		err = m.pick(1)
	case opPick:
		err = m.pick(int(c.U8()))
	case opDrop:
		_, err = m.pop()
	case opSwap:
		var a, b *int64
		if a, err = m.top(0); err == nil {
			if b, err = m.top(1); err == nil {
				*a, *b = *b, *a
			}
		}
	case opRot:
		err = m.rot()
	case opDeref:
		err = m.derefTop(m.ctx.PointerSize())
	case opDerefSize:
		size := int(c.U8())
		switch size {
		case 1, 2, 4, 8:
			err = m.derefTop(size)
		default:
			err = ErrBadSize
		}
	case opNeg, opNot:
		var a *int64
		if a, err = m.top(0); err == nil {
			if op == opNeg {
				*a = -*a
			} else {
				*a = ^*a
			}
		}
	case opPlusUConst:
		var a *int64
		v := c.Uleb()
		if a, err = m.top(0); err == nil {
			*a += int64(v)
		}
	default:
		err = m.binary(op)
	}
	if err != nil {
		return err
	}
	return c.Err()
}

func (m *Machine) pick(n int) error {
	v, err := m.top(n)
	if err != nil {
		return err
	}
	return m.Push(*v)
}

// rot moves the top entry below the next two.
func (m *Machine) rot() error {
	if m.sp < 3 {
		return ErrStackUnderflow
	}
	s := m.stack[m.sp-3 : m.sp]
	s[0], s[1], s[2] = s[2], s[0], s[1]
	return nil
}

func (m *Machine) derefTop(size int) error {
	a, err := m.top(0)
	if err != nil {
		return err
	}
	v, err := m.deref(*a, size)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// binary runs the two operand instructions. The second entry is the left hand
// side and the top entry the right hand side.
func (m *Machine) binary(op expressionOpcode) error {
	switch op {
	case opAnd, opMinus, opMul, opOr, opPlus, opShl, opShr, opShra, opXor,
		opEq, opGe, opGt, opLe, opLt, opNe:
	default:
		return ErrUnsupportedOpcode
	}
	b, err := m.pop()
	if err != nil {
		return err
	}
	pa, err := m.top(0)
	if err != nil {
		return err
	}
	a := *pa
	switch op {
	case opAnd:
		a &= b
	case opMinus:
		a -= b
	case opMul:
		a *= b
	case opOr:
		a |= b
	case opPlus:
		a += b
	case opShl:
		a = int64(uint64(a) << uint64(b))
	case opShr:
		a = int64(uint64(a) >> uint64(b))
	case opShra:
		a >>= uint64(b)
	case opXor:
		a ^= b
	case opEq:
		a = boolValue(a == b)
	case opGe:
		a = boolValue(a >= b)
	case opGt:
		a = boolValue(a > b)
	case opLe:
		a = boolValue(a <= b)
	case opLt:
		a = boolValue(a < b)
	case opNe:
		a = boolValue(a != b)
	}
	*pa = a
	return nil
}

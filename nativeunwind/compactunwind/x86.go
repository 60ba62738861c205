// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package compactunwind // import "go.opentelemetry.io/crashunwind/nativeunwind/compactunwind"

import (
	"golang.org/x/arch/x86/x86asm"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
)

// x86 and x86_64 compact encoding fields (mach-o/compact_unwind_encoding.h).
const (
	x86ModeMask       = 0x0F000000
	x86ModeBPFrame    = 0x01000000
	x86ModeStackImmd  = 0x02000000
	x86ModeStackInd   = 0x03000000
	x86ModeDwarf      = 0x04000000
	x86BPFrameRegs    = 0x00007FFF
	x86BPFrameOffset  = 0x00FF0000
	x86FramelessSize  = 0x00FF0000
	x86FramelessAdj   = 0x0000E000
	x86FramelessCount = 0x00001C00
	x86FramelessPerm  = 0x000003FF
	x86DwarfOffset    = 0x00FFFFFF
)

// Compact register numbers 1..6 mapped to DWARF registers.
var (
	compactRegsX86_64 = [MaxSavedRegisters + 1]uint64{
		0: 0,
		1: regs.X86_64RBX,
		2: regs.X86_64R12,
		3: regs.X86_64R13,
		4: regs.X86_64R14,
		5: regs.X86_64R15,
		6: regs.X86_64RBP,
	}
	compactRegsX86 = [MaxSavedRegisters + 1]uint64{
		0: 0,
		1: regs.X86EBX,
		2: regs.X86ECX,
		3: regs.X86EDX,
		4: regs.X86EDI,
		5: regs.X86ESI,
		6: regs.X86EBP,
	}
)

func extract(enc, mask uint32) uint32 {
	shift := uint32(0)
	for mask&1 == 0 {
		mask >>= 1
		shift++
	}
	return (enc >> shift) & mask
}

func compactRegister(ctx *regs.Context, reg uint32) (uint64, bool) {
	if reg == 0 || reg > MaxSavedRegisters {
		return 0, false
	}
	if ctx.Arch() == regs.ArchX86 {
		return compactRegsX86[reg], true
	}
	return compactRegsX86_64[reg], true
}

func (t *Table) stepX86(e Entry, ctx *regs.Context) (delegate bool, fdeOffset uint64, err error) {
	switch e.Encoding & x86ModeMask {
	case x86ModeBPFrame:
		return false, 0, t.stepX86Frame(e.Encoding, ctx)
	case x86ModeStackImmd, x86ModeStackInd:
		return false, 0, t.stepX86Frameless(e, ctx)
	case x86ModeDwarf:
		return true, uint64(e.Encoding & x86DwarfOffset), nil
	default:
		return false, 0, ErrUnsupportedMode
	}
}

// stepX86Frame unwinds a function that set up a frame pointer. Up to five
// callee-saved registers are stored below the saved frame pointer.
func (t *Table) stepX86Frame(enc uint32, ctx *regs.Context) error {
	ptr := uint64(ctx.PointerSize())
	fp := ctx.FP()
	locations := enc & x86BPFrameRegs
	loc := fp - uint64(extract(enc, x86BPFrameOffset))*ptr

	for i := 0; i < 5; i++ {
		slot := (locations >> (3 * i)) & 0x7
		if slot != 0 {
			reg, ok := compactRegister(ctx, slot)
			if !ok {
				return ErrBadRegister
			}
			v, err := t.load(ctx, loc)
			if err != nil {
				return err
			}
			ctx.SetDwarfRegister(reg, v)
		}
		loc += ptr
	}

	callerFP, err := t.load(ctx, fp)
	if err != nil {
		return err
	}
	ra, err := t.load(ctx, fp+ptr)
	if err != nil {
		return err
	}
	ctx.SetFP(callerFP)
	ctx.SetSP(fp + 2*ptr)
	ctx.SetPC(ra)
	return nil
}

// stepX86Frameless unwinds a function that only moved the stack pointer. The
// return address is at the top of the fixed stack allocation and the saved
// registers are pushed right below it.
func (t *Table) stepX86Frameless(e Entry, ctx *regs.Context) error {
	ptr := uint64(ctx.PointerSize())
	enc := e.Encoding
	stackSize := uint64(extract(enc, x86FramelessSize)) * ptr
	if enc&x86ModeMask == x86ModeStackInd {
		size, err := t.indirectStackSize(e, ctx)
		if err != nil {
			return err
		}
		stackSize = size + uint64(extract(enc, x86FramelessAdj))*ptr
	}

	count := int(extract(enc, x86FramelessCount))
	order, err := DecodePermutation(count, enc&x86FramelessPerm)
	if err != nil {
		return err
	}

	sp := ctx.SP()
	loc := sp + stackSize - ptr - ptr*uint64(count)
	for i := 0; i < count; i++ {
		reg, ok := compactRegister(ctx, uint32(order[i]))
		if !ok {
			return ErrBadRegister
		}
		v, err := t.load(ctx, loc)
		if err != nil {
			return err
		}
		ctx.SetDwarfRegister(reg, v)
		loc += ptr
	}

	ra, err := t.load(ctx, loc)
	if err != nil {
		return err
	}
	ctx.SetSP(sp + stackSize)
	ctx.SetPC(ra)
	return nil
}

// indirectStackSize reads the 32-bit stack allocation from the immediate of
// the function's "sub $imm32, %rsp" instruction after checking the bytes
// around it really decode to that instruction.
func (t *Table) indirectStackSize(e Entry, ctx *regs.Context) (uint64, error) {
	immOffset := uint64(extract(e.Encoding, x86FramelessSize))
	mode, sp, opLen := 64, x86asm.RSP, uint64(3)
	if ctx.Arch() == regs.ArchX86 {
		mode, sp, opLen = 32, x86asm.ESP, 2
	}
	if immOffset < opLen {
		return 0, ErrPrologueMismatch
	}
	insnAddr := e.FunctionStart + libpf.Address(immOffset-opLen)
	code := t.code[:opLen+4]
	if err := t.rm.Read(insnAddr, code); err != nil {
		return 0, err
	}

	inst, err := x86asm.Decode(code, mode)
	if err != nil || inst.Op != x86asm.SUB || inst.Len != len(code) {
		return 0, ErrPrologueMismatch
	}
	if reg, ok := inst.Args[0].(x86asm.Reg); !ok || reg != sp {
		return 0, ErrPrologueMismatch
	}
	imm, ok := inst.Args[1].(x86asm.Imm)
	if !ok {
		return 0, ErrPrologueMismatch
	}
	return uint64(uint32(imm)), nil
}

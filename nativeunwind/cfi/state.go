// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfi // import "go.opentelemetry.io/crashunwind/nativeunwind/cfi"

import (
	"fmt"

	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/remotememory"
)

// MaxRegisters is the number of DWARF register columns tracked by a FrameState.
// Rules for higher columns are parsed and dropped.
const MaxRegisters = 128

// rememberDepth is the nesting limit of remember_state.
const rememberDepth = 4

// DWARF Call Frame Instructions
// http://dwarfstd.org/doc/DWARF5.pdf §6.4.2
// https://refspecs.linuxfoundation.org/LSB_5.0.0/LSB-Core-generic/LSB-Core-generic/dwarfext.html
type cfaOpcode uint8

const (
	cfaNop                  cfaOpcode = 0x00
	cfaSetLoc               cfaOpcode = 0x01
	cfaAdvanceLoc1          cfaOpcode = 0x02
	cfaAdvanceLoc2          cfaOpcode = 0x03
	cfaAdvanceLoc4          cfaOpcode = 0x04
	cfaOffsetExtended       cfaOpcode = 0x05
	cfaRestoreExtended      cfaOpcode = 0x06
	cfaUndefined            cfaOpcode = 0x07
	cfaSameValue            cfaOpcode = 0x08
	cfaRegister             cfaOpcode = 0x09
	cfaRememberState        cfaOpcode = 0x0a
	cfaRestoreState         cfaOpcode = 0x0b
	cfaDefCfa               cfaOpcode = 0x0c
	cfaDefCfaRegister       cfaOpcode = 0x0d
	cfaDefCfaOffset         cfaOpcode = 0x0e
	cfaDefCfaExpression     cfaOpcode = 0x0f
	cfaExpression           cfaOpcode = 0x10
	cfaOffsetExtendedSf     cfaOpcode = 0x11
	cfaDefCfaSf             cfaOpcode = 0x12
	cfaDefCfaOffsetSf       cfaOpcode = 0x13
	cfaValOffset            cfaOpcode = 0x14
	cfaValOffsetSf          cfaOpcode = 0x15
	cfaValExpression        cfaOpcode = 0x16
	cfaGNUWindowSave        cfaOpcode = 0x2d
	cfaGNUArgsSize          cfaOpcode = 0x2e
	cfaGNUNegOffsetExtended cfaOpcode = 0x2f
	cfaAdvanceLoc           cfaOpcode = 0x40
	cfaOffset               cfaOpcode = 0x80
	cfaRestore              cfaOpcode = 0xc0
	cfaHighOpcodeMask       cfaOpcode = 0xc0
	cfaHighOpcodeValueMask  cfaOpcode = 0x3f
)

// RuleKind tells where the caller's value of a register is found.
type RuleKind uint8

const (
	// RuleUnused means the register is not changed by the frame.
	RuleUnused RuleKind = iota
	// RuleUndefined means the register has no value in the caller.
	RuleUndefined
	// RuleOffset means the value is saved at CFA+Offset.
	RuleOffset
	// RuleValOffset means the value is CFA+Offset.
	RuleValOffset
	// RuleRegister means the value is held in register Reg.
	RuleRegister
	// RuleExpression means the value is saved at the address computed by
	// the expression at Expr.
	RuleExpression
	// RuleValExpression means the value is the result of the expression at Expr.
	RuleValExpression
)

var ruleKindNames = [...]string{
	RuleUnused:        "unused",
	RuleUndefined:     "undefined",
	RuleOffset:        "offset",
	RuleValOffset:     "val-offset",
	RuleRegister:      "register",
	RuleExpression:    "expression",
	RuleValExpression: "val-expression",
}

func (k RuleKind) String() string {
	if int(k) < len(ruleKindNames) {
		return ruleKindNames[k]
	}
	return fmt.Sprintf("rule(%d)", uint8(k))
}

// Rule describes how to recover one register.
type Rule struct {
	Kind   RuleKind
	Reg    uint32
	Offset int64
	// Expr is the address of a length prefixed DWARF expression block.
	Expr libpf.Address
}

// CFARule describes how the Canonical Frame Address is computed: either as
// Reg+Offset, or as the result of the expression at Expr.
type CFARule struct {
	IsExpression bool
	Reg          uint32
	Offset       int64
	Expr         libpf.Address
}

// FrameState is the result of running call frame instructions up to a code
// location.
type FrameState struct {
	CFA CFARule
	// Regs holds the rule for each DWARF register column.
	Regs [MaxRegisters]Rule
	// ReturnAddress is the column holding the return address.
	ReturnAddress uint64
	// Loc is the location counter when interpretation stopped.
	Loc uint64
}

// reset clears all rules.
func (fs *FrameState) reset() {
	*fs = FrameState{}
}

// state is the virtual machine state which can execute call frame opcodes
type state struct {
	t   *Table
	cie *cieInfo
	// cur is the current state of the virtual machine
	cur *FrameState
	// initial is the state after the CIE opcodes, used by restore opcodes
	initial *FrameState
	// target is the highest code address whose instructions are executed
	target uint64
	// stackNdx is the current nesting level of remember/restore opcodes
	stackNdx int
}

// advance increments current virtual address by given delta and code alignment
func (st *state) advance(delta uint64) {
	st.cur.Loc += delta * st.cie.codeAlign
}

// rule assigns an unwinding rule for the given register
func (st *state) rule(reg uint64, kind RuleKind, off int64) {
	if reg < MaxRegisters {
		st.cur.Regs[reg] = Rule{Kind: kind, Offset: off}
	}
}

// exprRule assigns an expression based rule and skips over the expression block
func (st *state) exprRule(c *remotememory.Cursor, reg uint64, kind RuleKind) {
	pos := c.Pos()
	c.Skip(c.Uleb())
	if reg < MaxRegisters {
		st.cur.Regs[reg] = Rule{Kind: kind, Expr: pos}
	}
}

// restore assigns the given register the rule it had after the CIE opcodes
func (st *state) restore(reg uint64) {
	if reg < MaxRegisters {
		st.cur.Regs[reg] = st.initial.Regs[reg]
	}
}

func (st *state) defCFA(reg uint64, off int64) {
	st.cur.CFA = CFARule{Reg: uint32(reg), Offset: off}
}

// run executes the opcodes of c. Execution stops before the first instruction
// whose code location is past st.target.
func (st *state) run(c *remotememory.Cursor) error {
	dataAlign := st.cie.dataAlign

	for c.HasData() {
		if st.cur.Loc > st.target {
			return nil
		}

		opcode := cfaOpcode(c.U8())
		operand := uint64(0)

		// If the high opcode bits are set, the upper bits are opcode
		// and the lower bits is operand.
		if opcode&cfaHighOpcodeMask != 0 {
			operand = uint64(opcode & cfaHighOpcodeValueMask)
			opcode &= cfaHighOpcodeMask
		}

		switch opcode {
		case cfaNop:
		case cfaSetLoc:
			loc, err := st.t.ptr(c, st.cie.enc)
			if err != nil {
				return err
			}
			if st.t.debugFrame {
				loc = uint64(libpf.Address(loc).Add(st.t.slide))
			}
			st.cur.Loc = loc
		case cfaAdvanceLoc1:
			st.advance(uint64(c.U8()))
		case cfaAdvanceLoc2:
			st.advance(uint64(c.U16()))
		case cfaAdvanceLoc4:
			st.advance(uint64(c.U32()))
		case cfaAdvanceLoc:
			st.advance(operand)
		case cfaOffset:
			st.rule(operand, RuleOffset, int64(c.Uleb())*dataAlign)
		case cfaOffsetExtended:
			reg := c.Uleb()
			st.rule(reg, RuleOffset, int64(c.Uleb())*dataAlign)
		case cfaOffsetExtendedSf:
			reg := c.Uleb()
			st.rule(reg, RuleOffset, c.Sleb()*dataAlign)
		case cfaGNUNegOffsetExtended:
			reg := c.Uleb()
			st.rule(reg, RuleOffset, -int64(c.Uleb())*dataAlign)
		case cfaValOffset:
			reg := c.Uleb()
			st.rule(reg, RuleValOffset, int64(c.Uleb())*dataAlign)
		case cfaValOffsetSf:
			reg := c.Uleb()
			st.rule(reg, RuleValOffset, c.Sleb()*dataAlign)
		case cfaRestore:
			st.restore(operand)
		case cfaRestoreExtended:
			st.restore(c.Uleb())
		case cfaUndefined:
			st.rule(c.Uleb(), RuleUndefined, 0)
		case cfaSameValue:
			st.rule(c.Uleb(), RuleUnused, 0)
		case cfaRegister:
			reg := c.Uleb()
			other := c.Uleb()
			if other >= MaxRegisters {
				return ErrUnknownRegister
			}
			if reg < MaxRegisters {
				st.cur.Regs[reg] = Rule{Kind: RuleRegister, Reg: uint32(other)}
			}
		case cfaRememberState:
			if st.stackNdx >= rememberDepth {
				return ErrStateStackOverflow
			}
			st.t.remembered[st.stackNdx] = *st.cur
			st.stackNdx++
		case cfaRestoreState:
			if st.stackNdx == 0 {
				return ErrStateStackUnderflow
			}
			st.stackNdx--
			// The location is not part of the remembered state.
			loc := st.cur.Loc
			*st.cur = st.t.remembered[st.stackNdx]
			st.cur.Loc = loc
		case cfaDefCfa:
			reg := c.Uleb()
			st.defCFA(reg, int64(c.Uleb()))
		case cfaDefCfaSf:
			reg := c.Uleb()
			st.defCFA(reg, c.Sleb()*dataAlign)
		case cfaDefCfaRegister:
			if st.cur.CFA.IsExpression {
				return ErrInvalidCFARule
			}
			st.cur.CFA.Reg = uint32(c.Uleb())
		case cfaDefCfaOffset:
			if st.cur.CFA.IsExpression {
				return ErrInvalidCFARule
			}
			st.cur.CFA.Offset = int64(c.Uleb())
		case cfaDefCfaOffsetSf:
			if st.cur.CFA.IsExpression {
				return ErrInvalidCFARule
			}
			st.cur.CFA.Offset = c.Sleb() * dataAlign
		case cfaDefCfaExpression:
			pos := c.Pos()
			c.Skip(c.Uleb())
			st.cur.CFA = CFARule{IsExpression: true, Expr: pos}
		case cfaExpression:
			st.exprRule(c, c.Uleb(), RuleExpression)
		case cfaValExpression:
			st.exprRule(c, c.Uleb(), RuleValExpression)
		case cfaGNUWindowSave:
			// On arm64 this toggles return address signing, which is
			// handled by stripping the authentication code from return
			// addresses.
		case cfaGNUArgsSize:
			c.Uleb()
		default:
			return ErrUnsupportedOpcode
		}
	}
	return c.Err()
}

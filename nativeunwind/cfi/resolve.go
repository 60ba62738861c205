// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cfi // import "go.opentelemetry.io/crashunwind/nativeunwind/cfi"

import (
	"go.opentelemetry.io/crashunwind/libpf"
	"go.opentelemetry.io/crashunwind/nativeunwind"
	"go.opentelemetry.io/crashunwind/nativeunwind/regs"
)

// Step recovers the registers of the caller of the frame described by ctx
// using the FDE at offset fdeOffset from the start of the section. lookupPC is
// the code address used to select the rules, normally the return address minus
// one. On success ctx holds the caller's registers; on failure it is unchanged.
//
// nativeunwind.ErrEndOfStack is returned when the return address column is
// undefined, which marks the outermost frame.
func (t *Table) Step(fdeOffset uint64, lookupPC libpf.Address, ctx *regs.Context) (StepInfo, error) {
	return t.StepFDE(t.section.Start+libpf.Address(fdeOffset), lookupPC, ctx)
}

// StepFDE is like Step, but takes the absolute address of the FDE.
func (t *Table) StepFDE(fdeAddr, lookupPC libpf.Address, ctx *regs.Context) (StepInfo, error) {
	fs, info, err := t.FrameStateAt(fdeAddr, lookupPC)
	if err != nil {
		return info, err
	}
	layout := ctx.Layout()
	if fs.ReturnAddress >= uint64(layout.NumRegs) {
		return info, ErrUnknownRegister
	}

	cfa, err := t.cfa(fs, ctx)
	if err != nil {
		return info, err
	}

	out := *ctx
	for reg := 0; reg < layout.NumRegs; reg++ {
		rule := &fs.Regs[reg]
		switch rule.Kind {
		case RuleUnused:
			continue
		case RuleUndefined:
			if uint64(reg) == fs.ReturnAddress {
				return info, nativeunwind.ErrEndOfStack
			}
			continue
		}
		v, err := t.resolve(rule, cfa, ctx)
		if err != nil {
			return info, err
		}
		out.SetDwarfRegister(uint64(reg), v)
	}

	ra, _ := out.DwarfRegister(fs.ReturnAddress)
	out.SetSP(cfa)
	out.SetPC(ra)
	if out.SP() == ctx.SP() && out.PC() == ctx.PC() {
		return info, nativeunwind.ErrNoProgress
	}
	*ctx = out
	return info, nil
}

// cfa computes the Canonical Frame Address from the registers of the frame.
func (t *Table) cfa(fs *FrameState, ctx *regs.Context) (uint64, error) {
	if fs.CFA.IsExpression {
		t.expr.Reset(t.rm, ctx)
		c := t.cursor(fs.CFA.Expr)
		return t.expr.Evaluate(&c, nil)
	}
	base, ok := ctx.DwarfRegister(uint64(fs.CFA.Reg))
	if !ok {
		return 0, ErrUnknownRegister
	}
	return uint64(libpf.Address(base).Add(fs.CFA.Offset)) & t.addrMask(), nil
}

// resolve computes the caller's value of one register. Register and
// expression rules read the registers of the frame being unwound.
func (t *Table) resolve(rule *Rule, cfa uint64, ctx *regs.Context) (uint64, error) {
	ptrSize := t.layout.PointerSize
	switch rule.Kind {
	case RuleOffset:
		v, err := t.rm.Ptr(libpf.Address(cfa).Add(rule.Offset), ptrSize)
		return uint64(v), err
	case RuleValOffset:
		return uint64(libpf.Address(cfa).Add(rule.Offset)), nil
	case RuleRegister:
		v, ok := ctx.DwarfRegister(uint64(rule.Reg))
		if !ok {
			return 0, ErrUnknownRegister
		}
		return v, nil
	case RuleExpression, RuleValExpression:
		t.expr.Reset(t.rm, ctx)
		c := t.cursor(rule.Expr)
		v, err := t.expr.Evaluate(&c, &cfa)
		if err != nil || rule.Kind == RuleValExpression {
			return v, err
		}
		p, err := t.rm.Ptr(libpf.Address(v), ptrSize)
		return uint64(p), err
	default:
		return 0, ErrUnsupportedOpcode
	}
}
